// Package channel implements the client-side and server-side handles of
// a single RPC exchange: ReplyChannel (outbound request) and
// RequestChannel (inbound request).
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/oakmesh/iris/ierr"
	"github.com/oakmesh/iris/message"
)

// ReplyChannel represents an in-flight outbound request. It is created
// when send_request is called, registered in the container's pending
// table keyed by request id, and removed when terminated: Get returning
// its single reply, Recv returning a NACK or ERR, Recv timing out, or an
// explicit Close.
type ReplyChannel struct {
	RequestID string
	Request   *message.Message

	mu       sync.Mutex
	replies  []*message.Message
	waiters  []chan struct{}
	closed   bool
	deadline time.Time
	onClose  func()
}

// NewReplyChannel constructs a ReplyChannel for req. onClose is invoked
// exactly once, when the channel is removed from the pending table
// (terminal receipt, timeout, or explicit Close).
func NewReplyChannel(req *message.Message, onClose func()) *ReplyChannel {
	return &ReplyChannel{
		RequestID: req.ID,
		Request:   req,
		onClose:   onClose,
	}
}

// Deliver appends an inbound reply and wakes any waiting Recv. Replies
// arriving after Close are silently dropped (the caller may have
// cancelled).
func (r *ReplyChannel) Deliver(m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.replies = append(r.replies, m)
	for _, w := range r.waiters {
		close(w)
	}
	r.waiters = nil
}

// Recv waits for the next reply in arrival order. If timeout is zero,
// Recv waits until ctx is done.
func (r *ReplyChannel) Recv(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		r.mu.Lock()
		if r.closed && len(r.replies) == 0 {
			r.mu.Unlock()
			return nil, ierr.ErrChannelClosed
		}
		if len(r.replies) > 0 {
			m := r.replies[0]
			r.replies = r.replies[1:]
			r.mu.Unlock()
			if m.Type == message.NACK || m.Type == message.ERR {
				r.Close()
			}
			return m, nil
		}
		wake := make(chan struct{})
		r.waiters = append(r.waiters, wake)
		r.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			r.Close()
			return nil, ierr.ErrTimeout
		}
	}
}

// Get waits for a single reply and then closes the channel.
func (r *ReplyChannel) Get(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	m, err := r.Recv(ctx, timeout)
	r.Close()
	return m, err
}

// Close removes the channel from the pending table. Safe to call more
// than once.
func (r *ReplyChannel) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	waiters := r.waiters
	r.waiters = nil
	onClose := r.onClose
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if onClose != nil {
		onClose()
	}
}
