package conn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oakmesh/iris/transport"
)

func TestMain(m *testing.M) {
	dialYield = time.Millisecond
	m.Run()
}

func TestConnectIdempotent(t *testing.T) {
	sock := transport.NewFakeSocket()
	_ = sock.Bind(context.Background(), "tcp://me:1", "tcp://me:1")
	defer sock.Close()

	dst := transport.NewFakeSocket()
	_ = dst.Bind(context.Background(), "tcp://peer:1", "tcp://peer:1")
	defer dst.Close()

	table := NewTable(sock)

	var calls int32
	table.OnConnect(func(endpoint string) { atomic.AddInt32(&calls, 1) })

	c1, err := table.Connect(context.Background(), "tcp://peer:1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c2, err := table.Connect(context.Background(), "tcp://peer:1")
	if err != nil {
		t.Fatalf("connect again: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected same Connection instance")
	}
	if calls != 1 {
		t.Fatalf("expected on_connect fired once, got %d", calls)
	}
	if len(table.Stats()) != 1 {
		t.Fatalf("expected exactly one connection, got %d", len(table.Stats()))
	}
}

func TestDisconnectFiresHookAndRemoves(t *testing.T) {
	sock := transport.NewFakeSocket()
	_ = sock.Bind(context.Background(), "tcp://me:2", "tcp://me:2")
	defer sock.Close()
	dst := transport.NewFakeSocket()
	_ = dst.Bind(context.Background(), "tcp://peer:2", "tcp://peer:2")
	defer dst.Close()

	table := NewTable(sock)
	var disconnected string
	table.OnDisconnect(func(endpoint string) { disconnected = endpoint })

	if _, err := table.Connect(context.Background(), "tcp://peer:2"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := table.Disconnect(context.Background(), "tcp://peer:2", true); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if disconnected != "tcp://peer:2" {
		t.Fatalf("expected on_disconnect fired with endpoint, got %q", disconnected)
	}
	if _, ok := table.Get("tcp://peer:2"); ok {
		t.Fatal("expected connection removed")
	}
}
