// Package partition implements partitioned serial event consumption:
// fan an event stream out across a fixed number of ordered queues keyed
// by a consistent hash, then consume only the queues this process
// currently owns per a coordinator-driven set-partitioner. Grounded on
// original_source/lymph/patterns/serial_events.py's SerialEventHandler
// almost directly (queue naming, md5-mod-N keying, the partitioner
// loop's allocating/acquired/release/failed state machine).
package partition

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/oakmesh/iris/coordinator"
	"github.com/oakmesh/iris/events"
	"github.com/oakmesh/iris/trace"
)

// KeyFunc extracts the partitioning key from an event, e.g. an order id
// so that every event for the same order lands on the same queue and is
// therefore processed in order.
type KeyFunc func(ev events.Event) (string, error)

// Consumer processes one event already routed to an owned partition
// queue.
type Consumer func(ctx context.Context, ev events.Event)

// Emitter is the subset of container capability Handler needs to
// re-publish an incoming event onto its assigned partition queue.
type Emitter interface {
	EmitEvent(ctx context.Context, eventType string, payload []byte) error
}

const defaultPartitionCount = 12

// Handler fans events matching a set of event types out across
// partitionCount queues named "<name>.<i>" by a consistent hash of
// KeyFunc(event), and delivers only the queues this process currently
// owns to consume.
type Handler struct {
	name           string
	partitionCount int
	keyFunc        KeyFunc
	consume        Consumer
	emitter        Emitter
	sys            events.System
	coord          coordinator.Coordinator

	mu    sync.RWMutex
	owned map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithPartitionCount overrides the default 12-way partition count.
func WithPartitionCount(n int) Option {
	return func(h *Handler) { h.partitionCount = n }
}

// New validates that keyFunc and consume are present — a
// construction-time error rather than a silent no-op, resolving the
// source's unvalidated key= constructor argument — and subscribes to
// eventTypes plus every partition queue the process might come to own.
func New(name string, eventTypes []string, keyFunc KeyFunc, consume Consumer, emitter Emitter, sys events.System, coord coordinator.Coordinator, opts ...Option) (*Handler, error) {
	if keyFunc == nil {
		return nil, errors.New("partition: key function is required")
	}
	if consume == nil {
		return nil, errors.New("partition: consume function is required")
	}
	h := &Handler{
		name:           name,
		partitionCount: defaultPartitionCount,
		keyFunc:        keyFunc,
		consume:        consume,
		emitter:        emitter,
		sys:            sys,
		coord:          coord,
		owned:          map[string]bool{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.partitionCount <= 0 {
		return nil, fmt.Errorf("partition: partition count must be positive, got %d", h.partitionCount)
	}

	for _, et := range eventTypes {
		if err := sys.Subscribe(et, h.push); err != nil {
			return nil, fmt.Errorf("partition: subscribe %s: %w", et, err)
		}
	}
	for i := 0; i < h.partitionCount; i++ {
		queue := h.queueName(i)
		if err := sys.Subscribe(queue, h.consumeIfOwned(queue)); err != nil {
			return nil, fmt.Errorf("partition: subscribe %s: %w", queue, err)
		}
	}

	return h, nil
}

func (h *Handler) queueName(i int) string {
	return fmt.Sprintf("%s.%d", h.name, i)
}

// push re-emits an inbound event onto the partition queue its key hashes
// to, matching the source's push(): index = md5(key) mod N.
func (h *Handler) push(ctx context.Context, ev events.Event) {
	key, err := h.keyFunc(ev)
	if err != nil {
		return
	}
	sum := md5.Sum([]byte(key))
	index := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(int64(h.partitionCount))).Int64()
	queue := h.queueName(int(index))

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = h.emitter.EmitEvent(ctx, queue, payload)
}

// consumeIfOwned gates delivery to h.consume on this process currently
// owning queue — the software-level analogue of the source's
// start_consuming/stop_consuming subscription toggling. events.System
// has no unsubscribe primitive, so every queue stays subscribed and
// ownership is checked per delivery instead of per subscription. The
// queue event's payload is the JSON-encoded original event written by
// push; it is decoded and the original is what h.consume receives.
func (h *Handler) consumeIfOwned(queue string) events.Handler {
	return func(ctx context.Context, ev events.Event) {
		h.mu.RLock()
		owned := h.owned[queue]
		h.mu.RUnlock()
		if owned {
			var orig events.Event
			if err := json.Unmarshal(ev.Payload, &orig); err != nil {
				return
			}
			h.consume(ctx, orig)
		}
	}
}

// Start begins the set-partitioner loop in a background goroutine,
// matching the source's loop(): allocate, drive the acquired/release
// state machine, and restart the whole partitioner if it fails.
func (h *Handler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	trace.Spawn(runCtx, func(spawnCtx context.Context) {
		defer close(h.done)
		h.run(spawnCtx)
	})
}

// Stop ends the partitioner loop.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}

func (h *Handler) items() []string {
	items := make([]string, h.partitionCount)
	for i := range items {
		items[i] = h.queueName(i)
	}
	return items
}

func (h *Handler) run(ctx context.Context) {
	path := fmt.Sprintf("/iris/lymph/serializer/%s", h.name)
	for ctx.Err() == nil {
		p, err := h.coord.SetPartitioner(ctx, path, h.items())
		if err != nil {
			continue
		}
		h.drive(ctx, p)
	}
}

// drive consumes ownership-change events for one partitioner instance
// until it fails or is closed, at which point run() restarts from the
// top — matching the source's outer "starting partitioner" retry loop
// wrapped around its acquired/release/allocating/failed inner state
// machine.
func (h *Handler) drive(ctx context.Context, p coordinator.Partitioner) {
	defer p.Close(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.Events():
			if !ok {
				return
			}
			switch ev.State {
			case coordinator.Acquired:
				h.mu.Lock()
				h.owned[ev.Item] = true
				h.mu.Unlock()
			case coordinator.Release:
				h.mu.Lock()
				delete(h.owned, ev.Item)
				h.mu.Unlock()
				_ = p.AckRelease(ctx)
			case coordinator.Failed:
				return
			}
		}
	}
}

// Owned reports the partition queues this process currently owns.
func (h *Handler) Owned() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.owned))
	for q := range h.owned {
		out = append(out, q)
	}
	return out
}
