// Package conn tracks per-peer connection state for a container: send/recv
// counters, liveness timestamps, and the on-connect/on-disconnect hooks
// installed services observe. See original_source/iris/core/container.py
// connect()/disconnect() for the behavior this mirrors.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/oakmesh/iris/transport"
)

// Connection is per-peer state. At most one exists per peer endpoint per
// container at any time.
type Connection struct {
	Endpoint string

	mu         sync.Mutex
	sendCount  uint64
	recvCount  uint64
	createdAt  time.Time
	lastSendAt time.Time
	lastRecvAt time.Time
}

// Stats is a point-in-time snapshot of a Connection.
type Stats struct {
	Endpoint   string
	SendCount  uint64
	RecvCount  uint64
	CreatedAt  time.Time
	LastSendAt time.Time
	LastRecvAt time.Time
}

func newConnection(endpoint string) *Connection {
	return &Connection{Endpoint: endpoint, createdAt: time.Now()}
}

// OnSend records an outbound send on this connection.
func (c *Connection) OnSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCount++
	c.lastSendAt = time.Now()
}

// OnRecv records an inbound message on this connection.
func (c *Connection) OnRecv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvCount++
	c.lastRecvAt = time.Now()
}

// Stats snapshots this connection's counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Endpoint:   c.Endpoint,
		SendCount:  c.sendCount,
		RecvCount:  c.recvCount,
		CreatedAt:  c.createdAt,
		LastSendAt: c.lastSendAt,
		LastRecvAt: c.lastRecvAt,
	}
}

// dialYield is the brief cooperative pause connect() gives the transport
// to complete a dial, matching the original's gevent.sleep(0.02).
var dialYield = 20 * time.Millisecond

// Table is the container's connection table. Mutated only from the
// container's own goroutines.
type Table struct {
	sock transport.Socket

	mu          sync.Mutex
	conns       map[string]*Connection
	onConnect   []func(endpoint string)
	onDisconnect []func(endpoint string)
}

// NewTable constructs a Table bound to a transport socket.
func NewTable(sock transport.Socket) *Table {
	return &Table{sock: sock, conns: map[string]*Connection{}}
}

// OnConnect registers a hook fired after every successful new dial, once
// per peer per container lifetime.
func (t *Table) OnConnect(fn func(endpoint string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

// OnDisconnect registers a hook fired on Disconnect.
func (t *Table) OnDisconnect(fn func(endpoint string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

// Connect is idempotent: it returns the existing Connection or creates
// one, dials the peer exactly once, fires on-connect hooks, and yields
// briefly so the transport can complete the dial.
func (t *Table) Connect(ctx context.Context, endpoint string) (*Connection, error) {
	t.mu.Lock()
	if c, ok := t.conns[endpoint]; ok {
		t.mu.Unlock()
		return c, nil
	}
	c := newConnection(endpoint)
	t.conns[endpoint] = c
	hooks := append([]func(string){}, t.onConnect...)
	t.mu.Unlock()

	if err := t.sock.Connect(ctx, endpoint); err != nil {
		t.mu.Lock()
		delete(t.conns, endpoint)
		t.mu.Unlock()
		return nil, err
	}

	for _, h := range hooks {
		fireHook(h, endpoint)
	}

	select {
	case <-time.After(dialYield):
	case <-ctx.Done():
	}

	return c, nil
}

// Disconnect removes the entry, optionally disconnects the socket, and
// fires on-disconnect hooks.
func (t *Table) Disconnect(ctx context.Context, endpoint string, hard bool) error {
	t.mu.Lock()
	_, ok := t.conns[endpoint]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.conns, endpoint)
	hooks := append([]func(string){}, t.onDisconnect...)
	t.mu.Unlock()

	var err error
	if hard {
		err = t.sock.Disconnect(ctx, endpoint)
	}

	for _, h := range hooks {
		fireHook(h, endpoint)
	}

	return err
}

// Get returns the Connection for endpoint if one exists.
func (t *Table) Get(endpoint string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[endpoint]
	return c, ok
}

// Stats returns a snapshot per peer.
func (t *Table) Stats() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Stats, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.Stats())
	}
	return out
}

// CloseAll disconnects every tracked peer, used during container Stop.
func (t *Table) CloseAll(ctx context.Context) {
	t.mu.Lock()
	endpoints := make([]string, 0, len(t.conns))
	for e := range t.conns {
		endpoints = append(endpoints, e)
	}
	t.mu.Unlock()

	for _, e := range endpoints {
		_ = t.Disconnect(ctx, e, false)
	}
}

func fireHook(h func(string), endpoint string) {
	defer func() { _ = recover() }()
	h(endpoint)
}
