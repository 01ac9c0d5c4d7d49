package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/client/v3/concurrency"
)

// etcdPartitioner reproduces the ZooKeeper SetPartitioner recipe
// (original_source/lymph/patterns/serial_events.py) on top of etcd: one
// concurrency.Election per item, campaigned for independently. etcd has
// no native set-partitioner primitive, so ownership of each item is just
// mutual exclusion via its own election; the allocating/acquired/
// release/failed states are derived from each election's lifecycle.
type etcdPartitioner struct {
	coord *EtcdCoordinator
	path  string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	owned  map[string]bool
	events chan PartitionEvent
}

// SetPartitioner implements Coordinator.
func (e *EtcdCoordinator) SetPartitioner(ctx context.Context, path string, items []string) (Partitioner, error) {
	pctx, cancel := context.WithCancel(ctx)
	p := &etcdPartitioner{
		coord:  e,
		path:   path,
		ctx:    pctx,
		cancel: cancel,
		owned:  map[string]bool{},
		events: make(chan PartitionEvent, 64),
	}
	for _, item := range items {
		p.runItem(item)
	}
	return p, nil
}

func (p *etcdPartitioner) runItem(item string) {
	go func() {
		p.emit(PartitionEvent{State: Allocating, Item: item})
		for {
			if p.ctx.Err() != nil {
				return
			}
			session, err := concurrency.NewSession(p.coord.cli, concurrency.WithTTL(int(leaseTTL.Seconds())))
			if err != nil {
				p.emit(PartitionEvent{State: Failed, Item: item})
				select {
				case <-time.After(time.Second):
					continue
				case <-p.ctx.Done():
					return
				}
			}

			election := concurrency.NewElection(session, fmt.Sprintf("%s/%s", p.path, item))
			if err := election.Campaign(p.ctx, item); err != nil {
				_ = session.Close()
				if p.ctx.Err() != nil {
					return
				}
				p.emit(PartitionEvent{State: Failed, Item: item})
				continue
			}

			p.setOwned(item, true)
			p.emit(PartitionEvent{State: Acquired, Item: item})

			select {
			case <-session.Done():
			case <-p.ctx.Done():
				_, _ = election.Resign(context.Background())
				_ = session.Close()
				p.setOwned(item, false)
				p.emit(PartitionEvent{State: Release, Item: item})
				return
			}

			p.setOwned(item, false)
			p.emit(PartitionEvent{State: Release, Item: item})
			_ = session.Close()
		}
	}()
}

func (p *etcdPartitioner) setOwned(item string, owned bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owned {
		p.owned[item] = true
	} else {
		delete(p.owned, item)
	}
}

func (p *etcdPartitioner) emit(ev PartitionEvent) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// Owned implements Partitioner.
func (p *etcdPartitioner) Owned() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.owned))
	for k := range p.owned {
		out[k] = true
	}
	return out
}

// Events implements Partitioner.
func (p *etcdPartitioner) Events() <-chan PartitionEvent {
	return p.events
}

// AckRelease implements Partitioner; the hand-rolled recipe has nothing
// further to acknowledge to etcd itself (unlike ZooKeeper's
// release_set()), but the call is kept for interface symmetry with the
// ZooKeeper-derived state machine callers implement against.
func (p *etcdPartitioner) AckRelease(ctx context.Context) error {
	return nil
}

// Close implements Partitioner.
func (p *etcdPartitioner) Close(ctx context.Context) error {
	p.cancel()
	return nil
}
