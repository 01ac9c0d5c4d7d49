package registry

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"k8s.io/client-go/kubernetes/fake"
)

func newTestK8sRegistry() *K8sRegistry {
	return &K8sRegistry{
		clientset: fake.NewSimpleClientset(),
		namespace: "default",
		rng:       rand.New(rand.NewSource(1)),
	}
}

type fakeContainer struct {
	endpoint string
	identity string
}

func (f fakeContainer) Endpoint() string { return f.endpoint }
func (f fakeContainer) Identity() string { return f.identity }

func TestK8sRegistryRegisterAndGet(t *testing.T) {
	reg := newTestK8sRegistry()
	ctx := context.Background()

	c := fakeContainer{endpoint: "tcp://10.0.0.1:4000", identity: "node-a"}
	if err := reg.Register(ctx, c, "echo"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	inst, err := reg.Get(ctx, c, "echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	endpoint, err := inst.Endpoint(ctx)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if endpoint != "tcp://10.0.0.1:4000" {
		t.Fatalf("got endpoint %q, want tcp://10.0.0.1:4000", endpoint)
	}
}

func TestK8sRegistryGetUnknownServiceType(t *testing.T) {
	reg := newTestK8sRegistry()
	ctx := context.Background()

	if _, err := reg.Get(ctx, fakeContainer{}, "nope"); err == nil {
		t.Fatal("expected error for unregistered service type")
	}
}

func TestK8sRegistryRegisterIsIdempotentPerEndpoint(t *testing.T) {
	reg := newTestK8sRegistry()
	ctx := context.Background()
	c := fakeContainer{endpoint: "tcp://10.0.0.1:4000", identity: "node-a"}

	if err := reg.Register(ctx, c, "echo"); err != nil {
		t.Fatalf("Register 1: %v", err)
	}
	if err := reg.Register(ctx, c, "echo"); err != nil {
		t.Fatalf("Register 2: %v", err)
	}

	dir, _, err := reg.readDirectory(ctx)
	if err != nil {
		t.Fatalf("readDirectory: %v", err)
	}
	if got := len(dir["echo"]); got != 1 {
		t.Fatalf("got %d entries for echo, want 1 (re-register must not duplicate)", got)
	}
}

func TestK8sRegistryDiscoverListsRegisteredTypes(t *testing.T) {
	reg := newTestK8sRegistry()
	ctx := context.Background()

	if err := reg.Register(ctx, fakeContainer{endpoint: "tcp://a:1"}, "echo"); err != nil {
		t.Fatalf("Register echo: %v", err)
	}
	if err := reg.Register(ctx, fakeContainer{endpoint: "tcp://b:1"}, "upper"); err != nil {
		t.Fatalf("Register upper: %v", err)
	}

	types, err := reg.Discover(ctx, fakeContainer{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	sort.Strings(types)
	if len(types) != 2 || types[0] != "echo" || types[1] != "upper" {
		t.Fatalf("got %v, want [echo upper]", types)
	}
}
