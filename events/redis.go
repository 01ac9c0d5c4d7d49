package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	ps "github.com/gomodule/redigo/redis"

	"github.com/oakmesh/iris/ierr"
)

// redisEvent is the wire shape published/received over the channel;
// Payload is carried as a raw JSON value rather than re-wrapped so
// subscribers on channels not owned by this runtime can still consume
// it directly.
type redisEvent struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// Redis is a System backed by a single gomodule/redigo PUBLISH/
// SUBSCRIBE channel. Grounded on subscriptions/redis/redis.go's
// PubSubConn wrapping.
type Redis struct {
	pool    *ps.Pool
	channel string

	mu   sync.RWMutex
	subs []subscription

	conn *ps.PubSubConn
	done chan struct{}
}

// NewRedis wraps an already-configured connection pool; channel is the
// single PUBLISH/SUBSCRIBE channel name events are exchanged over.
func NewRedis(pool *ps.Pool, channel string) *Redis {
	return &Redis{pool: pool, channel: channel}
}

// OnStart implements System: subscribes to the channel and begins the
// receive loop.
func (r *Redis) OnStart(ctx context.Context) error {
	conn := &ps.PubSubConn{Conn: r.pool.Get()}
	if err := conn.Subscribe(r.channel); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: subscribe %s: %v", ierr.ErrCoordinatorError, r.channel, err)
	}
	r.conn = conn
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			switch v := conn.Receive().(type) {
			case ps.Message:
				var payload redisEvent
				if err := json.Unmarshal(v.Data, &payload); err != nil {
					continue
				}
				r.dispatch(ctx, Event{Type: payload.Type, Source: payload.Source, Payload: payload.Payload})
			case ps.Subscription:
				// ignore subscribe/unsubscribe acks
			case error:
				return
			}
		}
	}()
	return nil
}

// OnStop implements System.
func (r *Redis) OnStop(ctx context.Context) error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	<-r.done
	return err
}

// Subscribe implements System.
func (r *Redis) Subscribe(pattern string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, subscription{pattern: pattern, handler: handler})
	return nil
}

func (r *Redis) dispatch(ctx context.Context, ev Event) {
	r.mu.RLock()
	matches := make([]Handler, 0, len(r.subs))
	for _, sub := range r.subs {
		if MatchPattern(sub.pattern, ev.Type) {
			matches = append(matches, sub.handler)
		}
	}
	r.mu.RUnlock()
	for _, h := range matches {
		h(ctx, ev)
	}
}

// Emit implements System.
func (r *Redis) Emit(ctx context.Context, ev Event) error {
	encoded, err := json.Marshal(redisEvent{Type: ev.Type, Source: ev.Source, Payload: ev.Payload})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ierr.ErrCoordinatorError, err)
	}
	conn := r.pool.Get()
	defer conn.Close()
	_, err = conn.Do("PUBLISH", r.channel, encoded)
	if err != nil {
		return fmt.Errorf("%w: publish: %v", ierr.ErrCoordinatorError, err)
	}
	return nil
}
