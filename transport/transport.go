// Package transport abstracts the message-oriented, peer-identified
// socket pair a container binds: one ROUTER-semantics socket to receive
// on, one to send on. Each peer is addressed by its endpoint-as-identity;
// a send prefixes the payload with the destination identity frame.
package transport

import "context"

// Socket is the minimal capability the container needs from a transport.
// The ZeroMQ implementation in zmq.go is the concrete default; tests use
// an in-process fake.
type Socket interface {
	// Bind binds the socket to endpoint, stamping identity as its ROUTER
	// identity.
	Bind(ctx context.Context, endpoint, identity string) error

	// Connect dials a peer exactly once; safe to call redundantly by the
	// caller's own idempotency (conn.Table enforces the "exactly once"
	// invariant, not the socket).
	Connect(ctx context.Context, endpoint string) error

	// Disconnect tears down a dial.
	Disconnect(ctx context.Context, endpoint string) error

	// SendMultipart sends identity followed by frames as a single
	// atomic multi-part message: identity frame and payload frames go
	// out without interleaving from another concurrent send.
	SendMultipart(ctx context.Context, identity string, frames [][]byte) error

	// RecvMultipart blocks for the next inbound multi-frame message.
	RecvMultipart(ctx context.Context) ([][]byte, error)

	// Close releases the socket.
	Close() error
}
