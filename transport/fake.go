package transport

import (
	"context"
	"fmt"
	"sync"
)

// FakeSocket is an in-process Socket used by tests: endpoints are
// registered in a package-level directory so that two containers bound
// in the same test process can exchange messages without a real network
// socket.
type FakeSocket struct {
	mu       sync.Mutex
	identity string
	inbox    chan [][]byte
	closed   bool
}

var (
	fakeDirMu sync.Mutex
	fakeDir   = map[string]*FakeSocket{}
)

// NewFakeSocket constructs an unbound fake socket.
func NewFakeSocket() *FakeSocket {
	return &FakeSocket{inbox: make(chan [][]byte, 256)}
}

// Bind implements Socket.
func (f *FakeSocket) Bind(ctx context.Context, endpoint, identity string) error {
	f.mu.Lock()
	f.identity = identity
	f.mu.Unlock()

	fakeDirMu.Lock()
	defer fakeDirMu.Unlock()
	if _, exists := fakeDir[endpoint]; exists {
		return fmt.Errorf("address in use: %s", endpoint)
	}
	fakeDir[endpoint] = f
	return nil
}

// Connect implements Socket; the fake directory makes dialing a no-op
// beyond existence.
func (f *FakeSocket) Connect(ctx context.Context, endpoint string) error {
	return nil
}

// Disconnect implements Socket.
func (f *FakeSocket) Disconnect(ctx context.Context, endpoint string) error {
	return nil
}

// SendMultipart implements Socket: identity names the destination
// endpoint's bound fake socket.
func (f *FakeSocket) SendMultipart(ctx context.Context, identity string, frames [][]byte) error {
	fakeDirMu.Lock()
	dst, ok := fakeDir[identity]
	fakeDirMu.Unlock()
	if !ok {
		return fmt.Errorf("no such peer: %s", identity)
	}
	cp := make([][]byte, len(frames))
	copy(cp, frames)
	select {
	case dst.inbox <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecvMultipart implements Socket.
func (f *FakeSocket) RecvMultipart(ctx context.Context) ([][]byte, error) {
	select {
	case frames := <-f.inbox:
		return frames, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Socket and removes the endpoint from the directory.
func (f *FakeSocket) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	id := f.identity
	f.mu.Unlock()

	fakeDirMu.Lock()
	delete(fakeDir, id)
	fakeDirMu.Unlock()
	return nil
}
