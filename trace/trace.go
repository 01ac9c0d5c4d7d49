// Package trace carries a per-task correlation map across spawns and the
// wire, the Go equivalent of the source framework's greenlet-local trace
// dict (see original_source/lymph/core/trace.py). Go has no task-local
// storage, so the map rides explicitly in context.Context; Spawn is the
// sanctioned way to hand a copy of it to a new goroutine.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Map is a per-task key/value map. At minimum it carries "trace_id".
type Map map[string]interface{}

func (m Map) copy() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type ctxKey struct{}

// logged is the whitelist of trace keys the logging formatter joins into
// records, matching lymph's logged_trace_vars.
var logged = []string{"trace_id"}

// Get returns the current trace map, or an empty one if none is set.
func Get(ctx context.Context) Map {
	if m, ok := ctx.Value(ctxKey{}).(Map); ok {
		return m
	}
	return Map{}
}

// Update merges kv into the trace map and returns a context carrying the
// merged copy. It never mutates the map already in ctx.
func Update(ctx context.Context, kv map[string]interface{}) context.Context {
	next := Get(ctx).copy()
	for k, v := range kv {
		next[k] = v
	}
	return context.WithValue(ctx, ctxKey{}, next)
}

// ID returns the current trace_id, or "" if unset.
func ID(ctx context.Context) string {
	v, _ := Get(ctx)["trace_id"].(string)
	return v
}

func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails on catastrophic misconfiguration; a
		// zero id still lets the caller proceed rather than panic.
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b)
}

var (
	hookMu      sync.Mutex
	enterHooks  []func(id string)
	exitHooks   []func(id string)
)

// OnEnter registers a hook fired every time a trace context is entered.
func OnEnter(fn func(id string)) {
	hookMu.Lock()
	defer hookMu.Unlock()
	enterHooks = append(enterHooks, fn)
}

// OnExit registers a hook fired every time a trace context exits.
func OnExit(fn func(id string)) {
	hookMu.Lock()
	defer hookMu.Unlock()
	exitHooks = append(exitHooks, fn)
}

func fireEnter(id string) {
	hookMu.Lock()
	hooks := append([]func(string){}, enterHooks...)
	hookMu.Unlock()
	for _, h := range hooks {
		callTotal(h, id)
	}
}

func fireExit(id string) {
	hookMu.Lock()
	hooks := append([]func(string){}, exitHooks...)
	hookMu.Unlock()
	for _, h := range hooks {
		callTotal(h, id)
	}
}

// callTotal makes a hook total: it must never propagate a panic into the
// caller's control flow.
func callTotal(h func(string), id string) {
	defer func() { _ = recover() }()
	h(id)
}

// Enter sets trace_id (a fresh random 128-bit hex id if id == "") and
// returns the scoped context plus a cleanup closure. The caller must
// defer the cleanup; it clears the whole trace map and fires the exit
// hook, on every exit path including panic-recover.
func Enter(ctx context.Context, id string) (context.Context, func()) {
	if id == "" {
		id = newID()
	}
	next := Update(ctx, map[string]interface{}{"trace_id": id})
	fireEnter(id)
	m := Get(next)
	return next, func() {
		for k := range m {
			delete(m, k)
		}
		fireExit(id)
	}
}

// FromHeaders enters a trace context pre-populated from a message's
// headers fragment: headers["trace"] (a map) merged first, then the
// legacy top-level headers["trace_id"] override, matching lymph's
// backwards-compatible from_headers().
func FromHeaders(ctx context.Context, headers map[string]interface{}) (context.Context, func()) {
	if t, ok := headers["trace"].(map[string]interface{}); ok {
		ctx = Update(ctx, t)
	}
	id := ID(ctx)
	if v, ok := headers["trace_id"].(string); ok && v != "" {
		id = v
	}
	return Enter(ctx, id)
}

// Headers serializes the current trace into a headers fragment suitable
// for attaching to an outbound Message.
func Headers(ctx context.Context) map[string]interface{} {
	t := Get(ctx)
	return map[string]interface{}{
		"trace":    map[string]interface{}(t.copy()),
		"trace_id": ID(ctx),
	}
}

// Spawn launches fn in a new goroutine that observes a copy of the
// current trace map, frozen at the moment Spawn is called: every
// spawned task inherits a copy of the spawner's trace map at spawn
// time, and later mutations by either side stay local to it.
func Spawn(ctx context.Context, fn func(context.Context)) {
	snapshot := Get(ctx).copy()
	childCtx := context.WithValue(ctx, ctxKey{}, snapshot)
	go fn(childCtx)
}

// LoggedKeys returns the whitelist of trace keys the logging formatter
// joins into log records.
func LoggedKeys() []string {
	return append([]string(nil), logged...)
}
