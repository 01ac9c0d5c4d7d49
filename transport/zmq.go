package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// ZMQSocket implements Socket over a pair of ZeroMQ ROUTER sockets,
// mirroring original_source/iris/core/container.py's zmq.ROUTER send_sock
// / recv_sock pair. go-zeromq/zmq4 is a pure-Go implementation (no cgo),
// the closest Go analogue of the original's pyzmq bindings.
type ZMQSocket struct {
	mu       sync.Mutex
	identity string
	recv     zmq4.Socket
	send     zmq4.Socket
	dialed   map[string]bool
}

// NewZMQSocket constructs an unbound socket pair.
func NewZMQSocket(ctx context.Context) *ZMQSocket {
	return &ZMQSocket{
		recv:   zmq4.NewRouter(ctx),
		send:   zmq4.NewRouter(ctx),
		dialed: map[string]bool{},
	}
}

// Bind implements Socket.
func (z *ZMQSocket) Bind(ctx context.Context, endpoint, identity string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.identity = identity
	if err := z.recv.SetOption(zmq4.OptionIdentity, identity); err != nil {
		return fmt.Errorf("set recv identity: %w", err)
	}
	if err := z.send.SetOption(zmq4.OptionIdentity, identity); err != nil {
		return fmt.Errorf("set send identity: %w", err)
	}
	return z.recv.Listen(endpoint)
}

// Connect implements Socket.
func (z *ZMQSocket) Connect(ctx context.Context, endpoint string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.dialed[endpoint] {
		return nil
	}
	if err := z.send.Dial(endpoint); err != nil {
		return err
	}
	z.dialed[endpoint] = true
	return nil
}

// Disconnect implements Socket by forgetting endpoint, so that a later
// Connect dials it again; the dial already made is not closed.
func (z *ZMQSocket) Disconnect(ctx context.Context, endpoint string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.dialed, endpoint)
	return nil
}

// SendMultipart implements Socket.
func (z *ZMQSocket) SendMultipart(ctx context.Context, identity string, frames [][]byte) error {
	msg := zmq4.NewMsgFrom(append([][]byte{[]byte(identity)}, frames...)...)
	return z.send.Send(msg)
}

// RecvMultipart implements Socket. A ROUTER socket prepends the sender's
// identity frame on every receive, mirroring the identity frame
// SendMultipart prepends on send; that routing frame is stripped here so
// callers only ever see the application's 6 payload frames.
func (z *ZMQSocket) RecvMultipart(ctx context.Context) ([][]byte, error) {
	msg, err := z.recv.Recv()
	if err != nil {
		return nil, err
	}
	if len(msg.Frames) < 1 {
		return nil, fmt.Errorf("recv: empty message")
	}
	return msg.Frames[1:], nil
}

// Close implements Socket.
func (z *ZMQSocket) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	err1 := z.recv.Close()
	err2 := z.send.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
