package partition

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oakmesh/iris/coordinator"
	"github.com/oakmesh/iris/events"
)

// testEmitter forwards EmitEvent straight into an events.System, standing
// in for container.Container.EmitEvent in these tests.
type testEmitter struct {
	sys events.System
}

func (t *testEmitter) EmitEvent(ctx context.Context, eventType string, payload []byte) error {
	return t.sys.Emit(ctx, events.Event{Type: eventType, Payload: payload, Timestamp: time.Now()})
}

func orderIDKey(ev events.Event) (string, error) {
	var body map[string]string
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		return "", err
	}
	return body["order_id"], nil
}

func TestNewRejectsMissingKeyFunc(t *testing.T) {
	sys := events.NewInProc()
	_, err := New("orders", []string{"order.created"}, nil, func(context.Context, events.Event) {}, &testEmitter{sys: sys}, sys, nil)
	if err == nil {
		t.Fatal("expected construction to fail without a key function")
	}
}

func TestHandlerRoutesAndConsumesOwnedPartitions(t *testing.T) {
	ctx := context.Background()
	cluster := coordinator.NewFakeCluster()
	coord := coordinator.NewFakeCoordinator(cluster, "node-a")
	sys := events.NewInProc()

	var mu sync.Mutex
	var consumed []string
	consume := func(ctx context.Context, ev events.Event) {
		mu.Lock()
		consumed = append(consumed, string(ev.Payload))
		mu.Unlock()
	}

	h, err := New("orders", []string{"order.created"}, orderIDKey, consume, &testEmitter{sys: sys}, sys, coord, WithPartitionCount(4))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	h.Start(ctx)
	defer h.Stop()

	deadline := time.Now().Add(time.Second)
	for len(h.Owned()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if owned := h.Owned(); len(owned) != 4 {
		t.Fatalf("expected sole participant to own all 4 partitions, got %v", owned)
	}

	payload, _ := json.Marshal(map[string]string{"order_id": "order-42"})
	if err := sys.Emit(ctx, events.Event{Type: "order.created", Payload: payload}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(consumed) != 1 {
		t.Fatalf("expected event consumed exactly once, got %v", consumed)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(consumed[0]), &got); err != nil {
		t.Fatalf("unmarshal consumed payload: %v", err)
	}
	if got["order_id"] != "order-42" {
		t.Fatalf("expected original event payload round-tripped, got %v", got)
	}
}

func TestHandlerOnlyConsumesOwnedQueueOnTwoNodes(t *testing.T) {
	ctx := context.Background()
	cluster := coordinator.NewFakeCluster()

	sysA := events.NewInProc()
	sysB := events.NewInProc()

	var muA, muB sync.Mutex
	var consumedA, consumedB int

	hA, err := New("orders", nil, orderIDKey, func(context.Context, events.Event) {
		muA.Lock()
		consumedA++
		muA.Unlock()
	}, &testEmitter{sys: sysA}, sysA, coordinator.NewFakeCoordinator(cluster, "node-a"), WithPartitionCount(2))
	if err != nil {
		t.Fatalf("new hA: %v", err)
	}
	hB, err := New("orders", nil, orderIDKey, func(context.Context, events.Event) {
		muB.Lock()
		consumedB++
		muB.Unlock()
	}, &testEmitter{sys: sysB}, sysB, coordinator.NewFakeCoordinator(cluster, "node-b"), WithPartitionCount(2))
	if err != nil {
		t.Fatalf("new hB: %v", err)
	}

	hA.Start(ctx)
	defer hA.Stop()
	hB.Start(ctx)
	defer hB.Stop()

	deadline := time.Now().Add(time.Second)
	for (len(hA.Owned())+len(hB.Owned())) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if total := len(hA.Owned()) + len(hB.Owned()); total != 2 {
		t.Fatalf("expected the 2 partitions split across both nodes, got a=%v b=%v", hA.Owned(), hB.Owned())
	}

	// Deliver directly to each node's owned queues only, mirroring the
	// fan-out a shared broker would perform; each node's own partition
	// set governs how many of its local deliveries actually consume.
	for _, q := range hA.Owned() {
		_ = sysA.Emit(ctx, events.Event{Type: q, Payload: []byte(`{"order_id":"x"}`)})
	}
	for _, q := range hB.Owned() {
		_ = sysB.Emit(ctx, events.Event{Type: q, Payload: []byte(`{"order_id":"y"}`)})
	}

	muA.Lock()
	gotA := consumedA
	muA.Unlock()
	muB.Lock()
	gotB := consumedB
	muB.Unlock()

	if gotA+gotB != 2 {
		t.Fatalf("expected exactly 2 total deliveries across both nodes, got a=%d b=%d", gotA, gotB)
	}
}
