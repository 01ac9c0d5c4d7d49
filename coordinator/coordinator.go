// Package coordinator abstracts the external consensus service (etcd in
// this implementation, functionally standing in for a ZooKeeper-class
// coordinator): ephemeral registration, distributed locks, a hand-rolled
// set-partitioner recipe, and watches. Leader election (patterns/leader)
// and partitioned events (patterns/partition) depend on this interface
// only; the concrete client is swappable.
package coordinator

import "context"

// Lock is a held distributed lock. Unlock releases it; Lost fires if the
// session backing the lock is lost (e.g. a missed keepalive), matching
// ZooKeeper-style ephemeral lock semantics.
type Lock interface {
	Unlock(ctx context.Context) error
	Lost() <-chan struct{}
}

// Registration is a live ephemeral registration; it is removed from the
// coordinator when Close is called or the session lapses.
type Registration interface {
	Close(ctx context.Context) error
}

// PartitionEvent reports a set-partitioner state transition for one
// queue/item name: allocating, acquired, release, or failed.
type PartitionEvent struct {
	State PartitionState
	Item  string
}

// PartitionState enumerates the set-partitioner loop states.
type PartitionState int

const (
	Allocating PartitionState = iota
	Acquired
	Release
	Failed
)

// Partitioner reports which subset of a fixed item set this participant
// currently owns, and a channel of state-transition events.
type Partitioner interface {
	// Owned returns the current owned subset.
	Owned() map[string]bool
	// Events delivers a PartitionEvent whenever ownership of an item
	// changes, or Failed when the whole partitioner needs to restart.
	Events() <-chan PartitionEvent
	// AckRelease must be called after a Release transition once all
	// locally-consumed items have been stopped.
	AckRelease(ctx context.Context) error
	Close(ctx context.Context) error
}

// Coordinator is the abstract capability leader election and partitioned
// events depend on.
type Coordinator interface {
	// EphemeralRegister advertises value at path for as long as the
	// returned Registration is open (backed by a lease + keepalive).
	EphemeralRegister(ctx context.Context, path, value string) (Registration, error)

	// List returns the values currently registered under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Lock acquires (blocking until held or ctx is done) a distributed
	// lock at path, contended for with id as the contender identity.
	Lock(ctx context.Context, path, id string) (Lock, error)

	// SetPartitioner starts a set-partitioner recipe over items at path,
	// one of which this process may come to own alongside other
	// participants' fair-share assignment.
	SetPartitioner(ctx context.Context, path string, items []string) (Partitioner, error)

	// Watch streams raw change notifications under prefix (key, deleted).
	Watch(ctx context.Context, prefix string) (<-chan WatchEvent, error)

	Close() error
}

// WatchEvent is a raw coordinator key change.
type WatchEvent struct {
	Key     string
	Value   string
	Deleted bool
}
