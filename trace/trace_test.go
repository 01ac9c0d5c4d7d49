package trace

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSpawnSnapshotsTraceMapIndependently(t *testing.T) {
	parent := Update(context.Background(), map[string]interface{}{"trace_id": "root", "who": "parent"})

	results := make(chan map[string]interface{}, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	Spawn(parent, func(ctx context.Context) {
		defer wg.Done()
		child := Update(ctx, map[string]interface{}{"who": "child-a"})
		results <- Get(child)
	})
	Spawn(parent, func(ctx context.Context) {
		defer wg.Done()
		child := Update(ctx, map[string]interface{}{"who": "child-b"})
		results <- Get(child)
	})
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for m := range results {
		who, _ := m["who"].(string)
		seen[who] = true
		if m["trace_id"] != "root" {
			t.Fatalf("expected inherited trace_id, got %v", m["trace_id"])
		}
	}
	if !seen["child-a"] || !seen["child-b"] {
		t.Fatalf("expected each spawned goroutine to see its own update, got %v", seen)
	}

	if who, _ := Get(parent)["who"].(string); who != "parent" {
		t.Fatalf("parent trace map mutated by a spawned goroutine's update: got %q", who)
	}
}

func TestEnterFiresExitHookOnCleanup(t *testing.T) {
	const id = "test-enter-exit-hook-id"
	fired := make(chan string, 1)
	OnExit(func(gotID string) {
		if gotID == id {
			fired <- gotID
		}
	})

	_, done := Enter(context.Background(), id)

	select {
	case <-fired:
		t.Fatal("exit hook fired before cleanup was called")
	default:
	}

	done()

	select {
	case gotID := <-fired:
		if gotID != id {
			t.Fatalf("exit hook fired with id %q, want %q", gotID, id)
		}
	case <-time.After(time.Second):
		t.Fatal("exit hook did not fire after cleanup")
	}
}

func TestEnterGeneratesTraceIDWhenNoneGiven(t *testing.T) {
	ctx, done := Enter(context.Background(), "")
	defer done()
	if ID(ctx) == "" {
		t.Fatal("expected a generated trace id, got empty string")
	}
}
