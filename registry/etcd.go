package registry

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/oakmesh/iris/ierr"
)

// registrationTTL bounds how long a crashed container's advertisement
// lingers in etcd before its lease expires.
const registrationTTL = 10 * time.Second

// EtcdRegistry implements Registry by advertising each installed service
// type under a lease-backed key and resolving iris://<service_type>
// lookups by listing that prefix and picking uniformly at random.
// Grounded on gravitational-teleport's lib/backend/etcdbk lease-keyed
// directory convention.
type EtcdRegistry struct {
	cli    *clientv3.Client
	prefix string

	mu   sync.Mutex
	regs []Registration
	rng  *rand.Rand
}

// NewEtcdRegistry wraps an already-connected etcd client. prefix
// namespaces the registry's keyspace, e.g. "/iris/registry".
func NewEtcdRegistry(cli *clientv3.Client, prefix string) *EtcdRegistry {
	return &EtcdRegistry{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		rng:    rand.New(rand.NewSource(1)),
	}
}

// Install implements Registry.
func (e *EtcdRegistry) Install(c Container) error { return nil }

// OnStart implements Registry.
func (e *EtcdRegistry) OnStart(ctx context.Context) error { return nil }

// OnStop implements Registry.
func (e *EtcdRegistry) OnStop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, r := range e.regs {
		if err := r.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.regs = nil
	return firstErr
}

func (e *EtcdRegistry) key(serviceType, identity string) string {
	return fmt.Sprintf("%s/%s/%s", e.prefix, serviceType, identity)
}

// Register implements Registry: advertises c's endpoint under a fresh
// lease and keeps it alive until OnStop or the process dies.
func (e *EtcdRegistry) Register(ctx context.Context, c Container, serviceType string) error {
	lease, err := e.cli.Grant(ctx, int64(registrationTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: grant lease: %v", ierr.ErrRegistrationFailure, err)
	}
	key := e.key(serviceType, c.Identity())
	if _, err := e.cli.Put(ctx, key, c.Endpoint(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("%w: put %s: %v", ierr.ErrRegistrationFailure, key, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := e.cli.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: keepalive: %v", ierr.ErrRegistrationFailure, err)
	}
	go func() {
		for range keepAlive {
			// drain; etcd requires the channel be consumed to keep leasing.
		}
	}()

	e.mu.Lock()
	e.regs = append(e.regs, &etcdRegReg{cli: e.cli, lease: lease.ID, cancel: cancel})
	e.mu.Unlock()
	return nil
}

type etcdRegReg struct {
	cli    *clientv3.Client
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

func (r *etcdRegReg) Close(ctx context.Context) error {
	r.cancel()
	_, err := r.cli.Revoke(ctx, r.lease)
	return err
}

type etcdInstance struct{ endpoint string }

func (i etcdInstance) Endpoint(ctx context.Context) (string, error) { return i.endpoint, nil }

// Get implements Registry: resolves serviceType by listing its prefix
// and picking one registered endpoint uniformly at random.
func (e *EtcdRegistry) Get(ctx context.Context, c Container, serviceType string) (Instance, error) {
	prefix := fmt.Sprintf("%s/%s/", e.prefix, serviceType)
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrLookupFailure, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrUnknownServiceType(serviceType)
	}

	e.mu.Lock()
	pick := e.rng.Intn(len(resp.Kvs))
	e.mu.Unlock()

	return etcdInstance{endpoint: string(resp.Kvs[pick].Value)}, nil
}

// Discover implements Registry: lists every service type with at least
// one live registration.
func (e *EtcdRegistry) Discover(ctx context.Context, c Container) ([]string, error) {
	resp, err := e.cli.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrLookupFailure, err)
	}
	seen := map[string]bool{}
	var out []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), e.prefix+"/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 0 || parts[0] == "" {
			continue
		}
		if !seen[parts[0]] {
			seen[parts[0]] = true
			out = append(out, parts[0])
		}
	}
	return out, nil
}
