// Package events implements the container's publish/subscribe event
// system interface: subscribe-by-pattern, best-effort at-least-once
// delivery, and a choice of pluggable transports — direct in-process
// fan-out or an external broker (Pub/Sub, Kafka, SQS, Redis).
package events

import (
	"context"
	"strings"
	"time"
)

// Event is the envelope delivered to every matching subscription.
// Source is the emitting container's identity.
type Event struct {
	Type      string
	Source    string
	Payload   []byte
	Timestamp time.Time
}

// Handler receives a delivered event. Handlers run synchronously with
// respect to the calling System's dispatch loop; a slow handler should
// hand off work itself.
type Handler func(ctx context.Context, ev Event)

// System is the interface the container depends on: a container installs
// it, starts/stops it in lockstep with its own lifecycle, subscribes
// patterns to handlers, and emits events.
type System interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error

	// Subscribe registers handler for every event whose Type matches
	// pattern. Pattern matching is glob-style ("orders.*"); delivery
	// across distinct event types is unordered, within one type it is
	// provider-dependent.
	Subscribe(pattern string, handler Handler) error

	// Emit publishes ev to every matching subscription. Whether Emit
	// blocks until delivery is provider-dependent.
	Emit(ctx context.Context, ev Event) error
}

// MatchPattern implements the glob-style pattern matching shared by
// every System backend: "*" matches any run of characters, everything
// else matches literally. "orders.*" matches "orders.created" but not
// "orders" itself unless the pattern is exactly "orders".
func MatchPattern(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	return matchGlob(pattern, eventType)
}

func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	if !strings.HasSuffix(s, parts[len(parts)-1]) {
		return false
	}
	if len(parts) > 2 {
		s = s[:len(s)-len(parts[len(parts)-1])]
	} else {
		return true
	}

	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return true
}
