package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/oakmesh/iris/ierr"
)

// leaseTTL is the ephemeral-registration and session lease lifetime.
// Grounded on gravitational-teleport/lib/backend/etcdbk's lease-backed
// TTL keyspace: a modest TTL bounds how long a crashed node's
// registration or lock outlives it.
const leaseTTL = 10 * time.Second

// EtcdCoordinator implements Coordinator over an etcd v3 client.
type EtcdCoordinator struct {
	cli *clientv3.Client
}

// NewEtcdCoordinator dials the given endpoints.
func NewEtcdCoordinator(endpoints []string, dialTimeout time.Duration) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrCoordinatorError, err)
	}
	return &EtcdCoordinator{cli: cli}, nil
}

// Close implements Coordinator.
func (e *EtcdCoordinator) Close() error {
	return e.cli.Close()
}

type etcdRegistration struct {
	cli    *clientv3.Client
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

func (r *etcdRegistration) Close(ctx context.Context) error {
	r.cancel()
	_, err := r.cli.Revoke(ctx, r.lease)
	return err
}

// EphemeralRegister implements Coordinator.
func (e *EtcdCoordinator) EphemeralRegister(ctx context.Context, path, value string) (Registration, error) {
	lease, err := e.cli.Grant(ctx, int64(leaseTTL.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("%w: grant lease: %v", ierr.ErrCoordinatorError, err)
	}
	if _, err := e.cli.Put(ctx, path, value, clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("%w: put: %v", ierr.ErrCoordinatorError, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := e.cli.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: keepalive: %v", ierr.ErrCoordinatorError, err)
	}
	go func() {
		for range keepAlive {
			// drain; etcd requires the channel be consumed.
		}
	}()

	return &etcdRegistration{cli: e.cli, lease: lease.ID, cancel: cancel}, nil
}

// List implements Coordinator.
func (e *EtcdCoordinator) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrCoordinatorError, err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, string(kv.Value))
	}
	return out, nil
}

type etcdLock struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
	lost    chan struct{}
	once    sync.Once
}

func (l *etcdLock) Unlock(ctx context.Context) error {
	err := l.mutex.Unlock(ctx)
	l.once.Do(func() { _ = l.session.Close() })
	return err
}

func (l *etcdLock) Lost() <-chan struct{} {
	return l.lost
}

// Lock implements Coordinator. It blocks until held or ctx is done, using
// concurrency.Mutex — etcd's standard distributed-lock recipe, the direct
// analogue of a ZooKeeper sequential-ephemeral-node lock.
func (e *EtcdCoordinator) Lock(ctx context.Context, path, id string) (Lock, error) {
	session, err := concurrency.NewSession(e.cli, concurrency.WithTTL(int(leaseTTL.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("%w: session: %v", ierr.ErrCoordinatorError, err)
	}
	mutex := concurrency.NewMutex(session, path)
	if err := mutex.Lock(ctx); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: lock %s: %v", ierr.ErrCoordinatorError, path, err)
	}

	lost := make(chan struct{})
	go func() {
		<-session.Done()
		close(lost)
	}()

	return &etcdLock{session: session, mutex: mutex, lost: lost}, nil
}

// Watch implements Coordinator.
func (e *EtcdCoordinator) Watch(ctx context.Context, prefix string) (<-chan WatchEvent, error) {
	out := make(chan WatchEvent, 16)
	wc := e.cli.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		defer close(out)
		for resp := range wc {
			for _, ev := range resp.Events {
				out <- WatchEvent{
					Key:     string(ev.Kv.Key),
					Value:   string(ev.Kv.Value),
					Deleted: ev.Type == clientv3.EventTypeDelete,
				}
			}
		}
	}()
	return out, nil
}
