package container

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oakmesh/iris/channel"
	"github.com/oakmesh/iris/events"
	"github.com/oakmesh/iris/registry"
	"github.com/oakmesh/iris/trace"
	"github.com/oakmesh/iris/transport"
)

// fakeRegistry is a no-op registry.Registry: containers in these tests
// always address each other by literal endpoint, never iris:// lookup.
type fakeRegistry struct {
	mu         sync.Mutex
	registered []string
	installed  []registry.Container
}

func (f *fakeRegistry) Install(c registry.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, c)
	return nil
}
func (f *fakeRegistry) OnStart(ctx context.Context) error { return nil }
func (f *fakeRegistry) OnStop(ctx context.Context) error  { return nil }
func (f *fakeRegistry) Register(ctx context.Context, c registry.Container, serviceType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, serviceType)
	return nil
}
func (f *fakeRegistry) Get(ctx context.Context, c registry.Container, serviceType string) (registry.Instance, error) {
	return nil, registry.ErrUnknownServiceType(serviceType)
}
func (f *fakeRegistry) Discover(ctx context.Context, c registry.Container) ([]string, error) {
	return nil, nil
}

// echoService replies to echo.ping with whatever body it was sent.
type echoService struct {
	mu    sync.Mutex
	calls int
}

func (s *echoService) ServiceType() string                          { return "echo" }
func (s *echoService) OnStart(ctx context.Context) error             { return nil }
func (s *echoService) OnStop(ctx context.Context) error              { return nil }
func (s *echoService) OnConnect(ctx context.Context, endpoint string)    {}
func (s *echoService) OnDisconnect(ctx context.Context, endpoint string) {}
func (s *echoService) Configure(settings map[string]interface{}) error { return nil }
func (s *echoService) EventSubscriptions() []EventSubscription        { return nil }
func (s *echoService) DispatchEvent(ctx context.Context, ev events.Event) bool { return false }
func (s *echoService) RegisterWithCoordinator() bool                  { return true }
func (s *echoService) Stats() map[string]interface{}                  { return map[string]interface{}{"calls": s.calls} }

func (s *echoService) HandleRequest(ctx context.Context, method string, ch *channel.RequestChannel) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	switch method {
	case "ping":
		return ch.Reply(ctx, ch.Msg.Body)
	case "boom":
		panic("boom")
	default:
		return errors.New("unknown method")
	}
}

func newTestContainer(t *testing.T, port int) (*Container, *fakeRegistry) {
	t.Helper()
	reg := &fakeRegistry{}
	sock := transport.NewFakeSocket()
	c, err := New(context.Background(), "127.0.0.1", sock, reg, WithPort(port))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, reg
}

func TestContainerEchoRoundTrip(t *testing.T) {
	ctx := context.Background()

	server, reg := newTestContainer(t, 45601)
	svc := &echoService{}
	if err := server.Install(svc); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := server.Start(ctx, true); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop(ctx)

	if len(reg.registered) != 1 || reg.registered[0] != "echo" {
		t.Fatalf("expected echo registered, got %v", reg.registered)
	}

	client, _ := newTestContainer(t, 45602)
	if err := client.Start(ctx, false); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer client.Stop(ctx)

	rc, err := client.SendRequest(ctx, server.Endpoint(), "echo.ping", map[string]interface{}{"msg": "hi"}, nil)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	reply, err := rc.Get(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if reply.Body["msg"] != "hi" {
		t.Fatalf("expected echoed body, got %v", reply.Body)
	}
}

func TestContainerUnknownServiceTypeIsDroppedSilently(t *testing.T) {
	ctx := context.Background()

	server, _ := newTestContainer(t, 45603)
	if err := server.Start(ctx, false); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop(ctx)

	client, _ := newTestContainer(t, 45604)
	if err := client.Start(ctx, false); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer client.Stop(ctx)

	rc, err := client.SendRequest(ctx, server.Endpoint(), "nosuch.method", nil, nil)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	getCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := rc.Get(getCtx, 0); err == nil {
		t.Fatal("expected no reply for unknown service type, server never responds")
	}
}

func TestContainerHandlerPanicSendsNack(t *testing.T) {
	ctx := context.Background()

	server, _ := newTestContainer(t, 45605)
	svc := &echoService{}
	if err := server.Install(svc); err != nil {
		t.Fatalf("install: %v", err)
	}

	var hookErr error
	server.OnError(func(err error) { hookErr = err })

	if err := server.Start(ctx, false); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop(ctx)

	client, _ := newTestContainer(t, 45606)
	if err := client.Start(ctx, false); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer client.Stop(ctx)

	rc, err := client.SendRequest(ctx, server.Endpoint(), "echo.boom", nil, nil)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	reply, err := rc.Get(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("expected an automatic NACK, got error: %v", err)
	}
	if reply.Type != "NACK" {
		t.Fatalf("expected NACK, got %s", reply.Type)
	}
	if hookErr == nil {
		t.Fatal("expected error hook to fire on handler panic")
	}
}

// traceService records the trace_id carried on an inbound request's
// context, proving trace.FromHeaders/trace.Spawn propagate it through
// the receive loop and into the handler goroutine.
type traceService struct {
	mu      sync.Mutex
	traceID string
}

func (s *traceService) ServiceType() string                          { return "tracer" }
func (s *traceService) OnStart(ctx context.Context) error             { return nil }
func (s *traceService) OnStop(ctx context.Context) error              { return nil }
func (s *traceService) OnConnect(ctx context.Context, endpoint string)    {}
func (s *traceService) OnDisconnect(ctx context.Context, endpoint string) {}
func (s *traceService) Configure(settings map[string]interface{}) error { return nil }
func (s *traceService) EventSubscriptions() []EventSubscription        { return nil }
func (s *traceService) DispatchEvent(ctx context.Context, ev events.Event) bool { return false }
func (s *traceService) RegisterWithCoordinator() bool                  { return false }
func (s *traceService) Stats() map[string]interface{}                  { return nil }

func (s *traceService) HandleRequest(ctx context.Context, method string, ch *channel.RequestChannel) error {
	id := trace.ID(ctx)
	s.mu.Lock()
	s.traceID = id
	s.mu.Unlock()
	return ch.Reply(ctx, map[string]interface{}{"trace_id": id})
}

func TestContainerPropagatesTraceID(t *testing.T) {
	ctx := context.Background()

	server, _ := newTestContainer(t, 45607)
	svc := &traceService{}
	if err := server.Install(svc); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := server.Start(ctx, false); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop(ctx)

	client, _ := newTestContainer(t, 45608)
	if err := client.Start(ctx, false); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer client.Stop(ctx)

	rc, err := client.SendRequest(ctx, server.Endpoint(), "tracer.whoami", nil, map[string]interface{}{"trace_id": "fixed-trace-id"})
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	reply, err := rc.Get(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if reply.Body["trace_id"] != "fixed-trace-id" {
		t.Fatalf("expected trace id to propagate, got %v", reply.Body["trace_id"])
	}
}

// countingService counts how many times OnConnect fires per peer
// endpoint, to catch a hook fan-out that is wired per-call instead of
// once per container lifetime.
type countingService struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *countingService) ServiceType() string              { return "counter" }
func (s *countingService) OnStart(ctx context.Context) error { return nil }
func (s *countingService) OnStop(ctx context.Context) error  { return nil }
func (s *countingService) OnConnect(ctx context.Context, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[endpoint]++
}
func (s *countingService) OnDisconnect(ctx context.Context, endpoint string) {}
func (s *countingService) Configure(settings map[string]interface{}) error   { return nil }
func (s *countingService) EventSubscriptions() []EventSubscription          { return nil }
func (s *countingService) DispatchEvent(ctx context.Context, ev events.Event) bool {
	return false
}
func (s *countingService) RegisterWithCoordinator() bool { return false }
func (s *countingService) Stats() map[string]interface{} { return nil }
func (s *countingService) HandleRequest(ctx context.Context, method string, ch *channel.RequestChannel) error {
	return ch.Nack(ctx, false)
}

func TestContainerFiresOnConnectExactlyOncePerPeer(t *testing.T) {
	ctx := context.Background()

	c, _ := newTestContainer(t, 45610)
	svc := &countingService{}
	if err := c.Install(svc); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Start(ctx, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	peers := []string{
		"tcp://127.0.0.1:45701",
		"tcp://127.0.0.1:45702",
		"tcp://127.0.0.1:45703",
	}
	for _, p := range peers {
		if _, err := c.Connect(ctx, p); err != nil {
			t.Fatalf("connect %s: %v", p, err)
		}
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	for _, p := range peers {
		if svc.calls[p] != 1 {
			t.Fatalf("expected OnConnect fired exactly once for %s, got %d (calls=%v)", p, svc.calls[p], svc.calls)
		}
	}
}

func TestContainerBindRetriesOnPortInUse(t *testing.T) {
	ctx := context.Background()

	// Bind one container on a fixed port; a direct bind of another socket
	// to the same address then collides, and so does every retry of the
	// second New() call, which must exhaust its retry budget.
	first, _ := newTestContainer(t, 45609)
	defer first.Stop(ctx)

	sock := transport.NewFakeSocket()
	if err := sock.Bind(ctx, "tcp://127.0.0.1:45609", "collider"); err == nil {
		t.Fatal("expected collide bind to fail: the address is held by the first container")
	}
	defer sock.Close()

	reg := &fakeRegistry{}
	_, err := New(ctx, "127.0.0.1", transport.NewFakeSocket(), reg, WithPort(45609))
	if err == nil {
		t.Fatal("expected bind to fail: fixed port retries the same in-use address")
	}
}
