package leader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oakmesh/iris/coordinator"
)

func TestJobRunsFuncWhileHoldingLeadership(t *testing.T) {
	cluster := coordinator.NewFakeCluster()
	coord := coordinator.NewFakeCoordinator(cluster, "node-a")

	var calls int64
	done := make(chan struct{})
	fn := func(ctx context.Context) error {
		if atomic.AddInt64(&calls, 1) >= 3 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
		return nil
	}

	job := New(coord, "echo", "1.0", "node-a", fn, nil)
	job.Start(context.Background())
	defer job.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected fn to be invoked repeatedly while leader")
	}
	if atomic.LoadInt64(&calls) < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls)
	}
}

func TestJobStopEndsCampaigning(t *testing.T) {
	cluster := coordinator.NewFakeCluster()
	coord := coordinator.NewFakeCoordinator(cluster, "node-a")

	var calls int64
	fn := func(ctx context.Context) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}

	job := New(coord, "echo", "1.0", "node-a", fn, nil)
	job.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	job.Stop()

	after := atomic.LoadInt64(&calls)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&calls) != after {
		t.Fatalf("expected no further calls after Stop, before=%d after=%d", after, calls)
	}
}
