package channel

import (
	"context"
	"sync"

	"github.com/oakmesh/iris/ierr"
	"github.com/oakmesh/iris/message"
)

// Replier is the container capability a RequestChannel needs to deliver
// its terminal operation: constructing and sending a response message
// addressed back to the originating request's source.
type Replier interface {
	SendReply(ctx context.Context, req *message.Message, t message.Type, body map[string]interface{}) error
}

// RequestChannel is the server-side handle to an inbound request. After
// the first terminal operation (Reply/Nack/Error) it is closed; further
// operations fail with ierr.ErrChannelClosed. Ack does not terminate the
// channel.
type RequestChannel struct {
	Msg *message.Message

	container Replier

	mu     sync.Mutex
	closed bool
}

// NewRequestChannel constructs a RequestChannel for an inbound REQ.
func NewRequestChannel(msg *message.Message, container Replier) *RequestChannel {
	return &RequestChannel{Msg: msg, container: container}
}

func (c *RequestChannel) terminate() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ierr.ErrChannelClosed
	}
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Reply sends a successful REP and closes the channel.
func (c *RequestChannel) Reply(ctx context.Context, body map[string]interface{}) error {
	if err := c.terminate(); err != nil {
		return err
	}
	return c.container.SendReply(ctx, c.Msg, message.REP, body)
}

// Nack sends a NACK, optionally asking the sender to requeue, and closes
// the channel.
func (c *RequestChannel) Nack(ctx context.Context, requeue bool) error {
	if err := c.terminate(); err != nil {
		return err
	}
	return c.container.SendReply(ctx, c.Msg, message.NACK, map[string]interface{}{"requeue": requeue})
}

// Error sends an ERR carrying kind/detail in the body and closes the
// channel.
func (c *RequestChannel) Error(ctx context.Context, kind, detail string) error {
	if err := c.terminate(); err != nil {
		return err
	}
	return c.container.SendReply(ctx, c.Msg, message.ERR, map[string]interface{}{
		"kind":   kind,
		"detail": detail,
	})
}

// Ack sends an ACK without closing the channel (a handler may ack receipt
// before doing further work and later reply/nack).
func (c *RequestChannel) Ack(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ierr.ErrChannelClosed
	}
	c.mu.Unlock()
	return c.container.SendReply(ctx, c.Msg, message.ACK, nil)
}

// Closed reports whether a terminal operation has already run.
func (c *RequestChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
