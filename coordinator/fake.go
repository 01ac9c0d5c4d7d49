package coordinator

import (
	"context"
	"sort"
	"sync"
)

// FakeCluster is an in-process stand-in for an etcd cluster shared by
// multiple FakeCoordinator "nodes" in the same test process. It is the
// test double used for multi-container partitioner scenarios where
// spinning up real etcd is unnecessary.
type FakeCluster struct {
	mu    sync.Mutex
	locks map[string]chan struct{}

	// partitions maps a partitioner path to the set of participating
	// node ids and the current fair assignment of items to node ids.
	partitions map[string]*fakePartitionState

	// liveByNode routes ownership-change notifications to the live
	// fakePartitioner handle for (path, node).
	liveByNode map[fakeKey]*fakePartitioner
}

type fakePartitionState struct {
	nodes      []*FakeCoordinator
	items      []string
	assignment map[string]*FakeCoordinator
}

// NewFakeCluster constructs an empty shared cluster.
func NewFakeCluster() *FakeCluster {
	return &FakeCluster{
		locks:      map[string]chan struct{}{},
		partitions: map[string]*fakePartitionState{},
		liveByNode: map[fakeKey]*fakePartitioner{},
	}
}

// FakeCoordinator implements Coordinator against a FakeCluster, standing
// in for one node's etcd client.
type FakeCoordinator struct {
	cluster *FakeCluster
	id      string
}

// NewFakeCoordinator returns a node-scoped handle onto cluster.
func NewFakeCoordinator(cluster *FakeCluster, id string) *FakeCoordinator {
	return &FakeCoordinator{cluster: cluster, id: id}
}

func (f *FakeCoordinator) Close() error { return nil }

type fakeRegistration struct {
	cluster *FakeCluster
	path    string
}

func (r *fakeRegistration) Close(ctx context.Context) error {
	r.cluster.mu.Lock()
	defer r.cluster.mu.Unlock()
	return nil
}

func (f *FakeCoordinator) EphemeralRegister(ctx context.Context, path, value string) (Registration, error) {
	return &fakeRegistration{cluster: f.cluster, path: path}, nil
}

func (f *FakeCoordinator) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

type fakeLock struct {
	release chan struct{}
	lost    chan struct{}
}

func (l *fakeLock) Unlock(ctx context.Context) error {
	close(l.release)
	return nil
}

func (l *fakeLock) Lost() <-chan struct{} { return l.lost }

// Lock implements Coordinator with a simple FIFO in-memory mutex keyed by
// path.
func (f *FakeCoordinator) Lock(ctx context.Context, path, id string) (Lock, error) {
	f.cluster.mu.Lock()
	ch, ok := f.cluster.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		f.cluster.locks[path] = ch
	}
	f.cluster.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	release := make(chan struct{})
	go func() {
		<-release
		ch <- struct{}{}
	}()

	return &fakeLock{release: release, lost: make(chan struct{})}, nil
}

type fakePartitioner struct {
	cluster *FakeCluster
	path    string
	node    *FakeCoordinator
	events  chan PartitionEvent
	cancel  context.CancelFunc
}

func (f *FakeCoordinator) SetPartitioner(ctx context.Context, path string, items []string) (Partitioner, error) {
	f.cluster.mu.Lock()
	state, ok := f.cluster.partitions[path]
	if !ok {
		state = &fakePartitionState{items: items, assignment: map[string]*FakeCoordinator{}}
		f.cluster.partitions[path] = state
	}
	state.nodes = append(state.nodes, f)
	f.cluster.mu.Unlock()

	pctx, cancel := context.WithCancel(ctx)
	p := &fakePartitioner{
		cluster: f.cluster,
		path:    path,
		node:    f,
		events:  make(chan PartitionEvent, 256),
		cancel:  cancel,
	}

	f.cluster.mu.Lock()
	f.cluster.liveByNode[fakeKey{path, f}] = p
	f.cluster.mu.Unlock()

	f.cluster.rebalance(path)

	go func() {
		<-pctx.Done()
		f.cluster.mu.Lock()
		state := f.cluster.partitions[path]
		nodes := make([]*FakeCoordinator, 0, len(state.nodes))
		for _, n := range state.nodes {
			if n != f {
				nodes = append(nodes, n)
			}
		}
		state.nodes = nodes
		delete(f.cluster.liveByNode, fakeKey{path, f})
		f.cluster.mu.Unlock()
		f.cluster.rebalance(path)
	}()

	return p, nil
}

// rebalance recomputes a deterministic, fair, round-robin assignment of
// items to currently-registered nodes for path and notifies every node's
// partitioner of ownership changes — the fake's analogue of etcd leases
// expiring and elections being re-won elsewhere.
func (c *FakeCluster) rebalance(path string) {
	c.mu.Lock()
	state, ok := c.partitions[path]
	if !ok || len(state.nodes) == 0 {
		c.mu.Unlock()
		return
	}
	nodes := append([]*FakeCoordinator{}, state.nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })

	next := map[string]*FakeCoordinator{}
	for i, item := range state.items {
		next[item] = nodes[i%len(nodes)]
	}

	prev := state.assignment
	state.assignment = next
	c.mu.Unlock()

	for item, newOwner := range next {
		oldOwner := prev[item]
		if oldOwner == newOwner {
			continue
		}
		if oldOwner != nil {
			c.notify(path, oldOwner, PartitionEvent{State: Release, Item: item})
		}
		c.notify(path, newOwner, PartitionEvent{State: Acquired, Item: item})
	}
}

func (c *FakeCluster) notify(path string, node *FakeCoordinator, ev PartitionEvent) {
	c.mu.Lock()
	p := c.liveByNode[fakeKey{path, node}]
	c.mu.Unlock()
	if p != nil {
		select {
		case p.events <- ev:
		default:
		}
	}
}

type fakeKey struct {
	path string
	node *FakeCoordinator
}

func (f *fakePartitioner) Owned() map[string]bool {
	f.cluster.mu.Lock()
	defer f.cluster.mu.Unlock()
	state := f.cluster.partitions[f.path]
	out := map[string]bool{}
	for item, owner := range state.assignment {
		if owner == f.node {
			out[item] = true
		}
	}
	return out
}

func (f *fakePartitioner) Events() <-chan PartitionEvent { return f.events }

func (f *fakePartitioner) AckRelease(ctx context.Context) error { return nil }

func (f *fakePartitioner) Close(ctx context.Context) error {
	f.cancel()
	return nil
}

func (f *FakeCoordinator) Watch(ctx context.Context, prefix string) (<-chan WatchEvent, error) {
	ch := make(chan WatchEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
