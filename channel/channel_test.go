package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oakmesh/iris/ierr"
	"github.com/oakmesh/iris/message"
)

func TestReplyChannelRecvInOrder(t *testing.T) {
	req := message.New(message.REQ, "echo.pong", "src", nil, nil)
	var closed bool
	rc := NewReplyChannel(req, func() { closed = true })

	r1 := message.New(message.REP, req.ID, "peer", map[string]interface{}{"n": 1}, nil)
	r2 := message.New(message.REP, req.ID, "peer", map[string]interface{}{"n": 2}, nil)
	rc.Deliver(r1)
	rc.Deliver(r2)

	got1, err := rc.Recv(context.Background(), time.Second)
	if err != nil || got1.Body["n"] != 1 {
		t.Fatalf("expected first reply, got %v err=%v", got1, err)
	}
	got2, err := rc.Recv(context.Background(), time.Second)
	if err != nil || got2.Body["n"] != 2 {
		t.Fatalf("expected second reply, got %v err=%v", got2, err)
	}

	rc.Close()
	if !closed {
		t.Fatal("expected onClose fired")
	}
}

func TestReplyChannelTimeout(t *testing.T) {
	req := message.New(message.REQ, "echo.pong", "src", nil, nil)
	rc := NewReplyChannel(req, func() {})

	_, err := rc.Recv(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ierr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReplyChannelGetClosesAfterOne(t *testing.T) {
	req := message.New(message.REQ, "echo.pong", "src", nil, nil)
	rc := NewReplyChannel(req, func() {})
	rc.Deliver(message.New(message.REP, req.ID, "peer", nil, nil))

	_, err := rc.Get(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := rc.Recv(context.Background(), time.Millisecond); !errors.Is(err, ierr.ErrChannelClosed) {
		t.Fatalf("expected closed after Get, got %v", err)
	}
}

type fakeReplier struct {
	sent []message.Type
}

func (f *fakeReplier) SendReply(ctx context.Context, req *message.Message, t message.Type, body map[string]interface{}) error {
	f.sent = append(f.sent, t)
	return nil
}

func TestRequestChannelClosesAfterTerminal(t *testing.T) {
	req := message.New(message.REQ, "echo.pong", "src", nil, nil)
	fr := &fakeReplier{}
	rc := NewRequestChannel(req, fr)

	if err := rc.Reply(context.Background(), map[string]interface{}{"ok": true}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !rc.Closed() {
		t.Fatal("expected closed after reply")
	}
	if err := rc.Nack(context.Background(), true); !errors.Is(err, ierr.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed on second terminal op, got %v", err)
	}
	if len(fr.sent) != 1 || fr.sent[0] != message.REP {
		t.Fatalf("expected exactly one REP sent, got %v", fr.sent)
	}
}

func TestRequestChannelAckDoesNotClose(t *testing.T) {
	req := message.New(message.REQ, "echo.pong", "src", nil, nil)
	fr := &fakeReplier{}
	rc := NewRequestChannel(req, fr)

	if err := rc.Ack(context.Background()); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if rc.Closed() {
		t.Fatal("expected ack to not close the channel")
	}
	if err := rc.Reply(context.Background(), nil); err != nil {
		t.Fatalf("reply after ack: %v", err)
	}
}
