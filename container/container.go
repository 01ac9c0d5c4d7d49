// Package container implements the service container: the runtime that
// binds a transport socket pair, hosts installed services, dispatches
// inbound requests and events, and drives request/reply RPC to peers.
// Grounded on original_source/iris/core/container.py's ServiceContainer
// almost line-for-line for control flow, and on machine.go's
// goroutine/select idiom and OpenTelemetry instrumentation style for the
// Go rendering.
package container

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oakmesh/iris/channel"
	"github.com/oakmesh/iris/conn"
	"github.com/oakmesh/iris/events"
	"github.com/oakmesh/iris/ierr"
	"github.com/oakmesh/iris/message"
	"github.com/oakmesh/iris/registry"
	"github.com/oakmesh/iris/storage"
	"github.com/oakmesh/iris/trace"
	"github.com/oakmesh/iris/transport"
)

func init() {
	defaultLogger.AddHook(trace.NewLogrusHook())
}

// EventSubscription pairs a pattern with the handler a service wants
// invoked for matching inbound events.
type EventSubscription struct {
	Pattern string
	Handler func(ctx context.Context, ev events.Event)
}

// Service is the pluggable capability set a container hosts: a named
// interface, resolved by string service type, installed before Start.
type Service interface {
	ServiceType() string

	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnConnect(ctx context.Context, endpoint string)
	OnDisconnect(ctx context.Context, endpoint string)
	Configure(settings map[string]interface{}) error

	// HandleRequest dispatches an inbound call to method via channel.
	// A panic or returned error triggers the container's error hook and
	// an automatic NACK.
	HandleRequest(ctx context.Context, method string, ch *channel.RequestChannel) error

	// DispatchEvent delivers ev if this service's declared subscriptions
	// match it, reporting whether it was handled.
	DispatchEvent(ctx context.Context, ev events.Event) bool

	// EventSubscriptions lists the patterns installed at Start.
	EventSubscriptions() []EventSubscription

	// RegisterWithCoordinator reports whether Start should advertise
	// this service type to the registry.
	RegisterWithCoordinator() bool

	Stats() map[string]interface{}
}

// Container is the C7 service container.
type Container struct {
	ip   string
	port int

	nodeEndpoint string
	endpoint     string
	identity     string
	bound        bool

	sock  transport.Socket
	conns *conn.Table

	registry registry.Registry
	events   events.System
	logger   *logrus.Logger

	mu              sync.Mutex
	installedOrder  []string
	installed       map[string]Service
	pendingChannels map[string]*channel.ReplyChannel
	running         bool

	// starting is true from the top of Start until the moment
	// subscriptions are installed; EmitEvent buffers into
	// pendingEvents during this window instead of publishing immediately,
	// closing the install-then-subscribe race (an OnStart hook that emits
	// would otherwise publish before any subscriber exists).
	starting      bool
	pendingEvents []events.Event

	errorHookMu sync.Mutex
	errorHooks  []func(err error)

	monitor   *Monitor
	eventSink storage.EventSink

	cancelRecv context.CancelFunc
	recvDone   chan struct{}
}

// Option configures a Container at construction.
type Option func(*Container)

// WithPort pins the container to a fixed port instead of a random one in
// [35536, 65536).
func WithPort(port int) Option {
	return func(c *Container) { c.port = port }
}

// WithLogger overrides the default logrus logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Container) { c.logger = logger }
}

// WithEvents installs the event system. Defaults to events.NewInProc().
func WithEvents(sys events.System) Option {
	return func(c *Container) { c.events = sys }
}

// WithEventSink archives every event EmitEvent publishes, independent of
// delivery to local subscribers.
func WithEventSink(sink storage.EventSink) Option {
	return func(c *Container) { c.eventSink = sink }
}

// defaultLogger is an info-level text-formatted logrus.Logger used when
// the caller supplies none.
var defaultLogger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.InfoLevel,
}

// New constructs, binds, and wires a Container. The registry is
// installed immediately, matching
// original_source/iris/core/container.py's __init__.
func New(ctx context.Context, ip string, sock transport.Socket, reg registry.Registry, opts ...Option) (*Container, error) {
	c := &Container{
		ip:              ip,
		sock:            sock,
		registry:        reg,
		logger:          defaultLogger,
		installed:       map[string]Service{},
		pendingChannels: map[string]*channel.ReplyChannel{},
	}
	c.monitor = newMonitor(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = events.NewInProc()
	}

	if err := c.bind(ctx, 2, 0); err != nil {
		return nil, err
	}
	c.identity = identityOf(c.endpoint)
	c.conns = conn.NewTable(c.sock)

	if err := c.registry.Install(c); err != nil {
		return nil, err
	}

	if err := c.Install(irisService{}); err != nil {
		return nil, err
	}

	c.conns.OnConnect(func(e string) {
		for _, svc := range c.servicesSnapshot() {
			svc.OnConnect(context.Background(), e)
		}
	})
	c.conns.OnDisconnect(func(e string) {
		for _, svc := range c.servicesSnapshot() {
			svc.OnDisconnect(context.Background(), e)
		}
	})

	return c, nil
}

func identityOf(endpoint string) string {
	sum := md5.Sum([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}

// Endpoint implements registry.Container.
func (c *Container) Endpoint() string { return c.endpoint }

// Identity implements registry.Container.
func (c *Container) Identity() string { return c.identity }

// Install registers svc before Start; duplicate service types are
// rejected.
func (c *Container) Install(svc Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := svc.ServiceType()
	if _, exists := c.installed[t]; exists {
		return fmt.Errorf("service type already installed: %s", t)
	}
	c.installed[t] = svc
	c.installedOrder = append(c.installedOrder, t)
	return nil
}

// OnError registers a hook invoked whenever a request handler fails.
// Hook panics are recovered and ignored, matching the original's
// defensive error_hook wrapping.
func (c *Container) OnError(fn func(err error)) {
	c.errorHookMu.Lock()
	defer c.errorHookMu.Unlock()
	c.errorHooks = append(c.errorHooks, fn)
}

func (c *Container) fireErrorHook(err error) {
	c.errorHookMu.Lock()
	hooks := append([]func(error){}, c.errorHooks...)
	c.errorHookMu.Unlock()
	for _, h := range hooks {
		func() {
			defer func() { _ = recover() }()
			h(err)
		}()
	}
}

// Start spawns the receive loop and starts the monitor, starts the
// registry and the event system, then runs OnStart and Configure on
// every installed service in install order. With register set, each
// service whose RegisterWithCoordinator is true is advertised; a
// registration failure stops the container and is returned. Event
// subscriptions are installed last, and events emitted since Start
// began are then published.
func (c *Container) Start(ctx context.Context, register bool) error {
	c.mu.Lock()
	c.running = true
	c.starting = true
	services := c.servicesSnapshot()
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"endpoint": c.endpoint,
		"services": c.installedOrder,
	}).Info("starting container")

	recvCtx, cancel := context.WithCancel(ctx)
	c.cancelRecv = cancel
	c.recvDone = make(chan struct{})
	trace.Spawn(recvCtx, func(spawnCtx context.Context) { c.recvLoop(spawnCtx) })

	c.monitor.Start(recvCtx)

	if err := c.registry.OnStart(ctx); err != nil {
		return err
	}
	if err := c.events.OnStart(ctx); err != nil {
		return err
	}

	for _, svc := range services {
		if err := svc.OnStart(ctx); err != nil {
			return err
		}
		if err := svc.Configure(map[string]interface{}{}); err != nil {
			return err
		}
	}

	if register {
		for _, svc := range services {
			if !svc.RegisterWithCoordinator() {
				continue
			}
			if err := c.registry.Register(ctx, c, svc.ServiceType()); err != nil {
				c.logger.WithError(err).WithField("service_type", svc.ServiceType()).Info("registration failed")
				_ = c.Stop(ctx)
				return fmt.Errorf("%w: %s", ierr.ErrRegistrationFailure, svc.ServiceType())
			}
		}
	}

	// Subscriptions are installed only now, after every service's
	// on_start has run. Installing them earlier would otherwise let an
	// on_start hook's emitted event publish before any subscriber
	// exists; events emitted during this window were buffered into
	// pendingEvents instead (see EmitEvent), so they are replayed once
	// subscriptions are live.
	for _, svc := range services {
		for _, sub := range svc.EventSubscriptions() {
			if err := c.events.Subscribe(sub.Pattern, sub.Handler); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.starting = false
	buffered := c.pendingEvents
	c.pendingEvents = nil
	c.mu.Unlock()

	for _, ev := range buffered {
		if err := c.events.Emit(ctx, ev); err != nil {
			c.logger.WithError(err).WithField("event_type", ev.Type).Warn("buffered event emit failed")
		}
	}

	return nil
}

func (c *Container) servicesSnapshot() []Service {
	out := make([]Service, 0, len(c.installedOrder))
	for _, t := range c.installedOrder {
		out = append(out, c.installed[t])
	}
	return out
}

// Stop tears services down in reverse install order, each step isolated
// so one failure does not block the rest.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	services := c.servicesSnapshot()
	c.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		c.isolate(func() error { return services[i].OnStop(ctx) })
	}
	c.isolate(func() error { return c.events.OnStop(ctx) })
	c.isolate(func() error { return c.registry.OnStop(ctx) })
	c.monitor.Stop()

	c.conns.CloseAll(ctx)

	if c.cancelRecv != nil {
		c.cancelRecv()
		<-c.recvDone
	}

	return c.sock.Close()
}

func (c *Container) isolate(step func() error) {
	defer func() { _ = recover() }()
	if err := step(); err != nil {
		c.logger.WithError(err).Warn("teardown step failed")
	}
}

// Connect ensures a peer connection exists, firing on_connect hooks on
// every installed service exactly once per new peer. The fan-out hooks
// themselves are registered once, at construction time, in New.
func (c *Container) Connect(ctx context.Context, endpoint string) (*conn.Connection, error) {
	existing, ok := c.conns.Get(endpoint)
	if ok {
		return existing, nil
	}
	return c.conns.Connect(ctx, endpoint)
}

// Disconnect tears down a peer connection, firing on_disconnect hooks.
func (c *Container) Disconnect(ctx context.Context, endpoint string, hard bool) error {
	return c.conns.Disconnect(ctx, endpoint, hard)
}

// lookup resolves address to a connectable endpoint, either via the
// registry (iris://<service_type>) or as a literal endpoint.
func (c *Container) lookup(ctx context.Context, address string) (string, error) {
	if serviceType, ok := registry.ParseAddress(address); ok {
		inst, err := c.registry.Get(ctx, c, serviceType)
		if err != nil {
			return "", err
		}
		return inst.Endpoint(ctx)
	}
	return address, nil
}

func (c *Container) prepareHeaders(ctx context.Context, headers map[string]interface{}) map[string]interface{} {
	h := trace.Headers(ctx)
	for k, v := range headers {
		h[k] = v
	}
	return h
}

// SendMessage resolves address, ensures a connection, and atomically
// sends the peer identity frame followed by msg's packed frames. Sends
// while not running are dropped with a log line.
func (c *Container) SendMessage(ctx context.Context, address string, msg *message.Message) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		c.logger.WithField("msg", msg.String()).Info("cannot send message (container not started)")
		return nil
	}

	endpoint, err := c.lookup(ctx, address)
	if err != nil {
		return err
	}
	connection, err := c.Connect(ctx, endpoint)
	if err != nil {
		return err
	}

	frames, err := msg.PackFrames()
	if err != nil {
		return err
	}
	if err := c.sock.SendMultipart(ctx, endpoint, frames); err != nil {
		return err
	}
	connection.OnSend()
	return nil
}

// SendRequest constructs a REQ, registers a ReplyChannel in the pending
// table keyed by the new message's id, and dispatches the send.
func (c *Container) SendRequest(ctx context.Context, address, subject string, body, headers map[string]interface{}) (*channel.ReplyChannel, error) {
	msg := message.New(message.REQ, subject, c.endpoint, body, c.prepareHeaders(ctx, headers))

	rc := channel.NewReplyChannel(msg, func() {
		c.mu.Lock()
		delete(c.pendingChannels, msg.ID)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.pendingChannels[msg.ID] = rc
	c.mu.Unlock()

	if err := c.SendMessage(ctx, address, msg); err != nil {
		rc.Close()
		return nil, err
	}
	return rc, nil
}

// SendReply implements channel.Replier: builds a response addressed to
// req.Source with subject = req.ID and sends it.
func (c *Container) SendReply(ctx context.Context, req *message.Message, t message.Type, body map[string]interface{}) error {
	reply := message.New(t, req.ID, c.endpoint, body, c.prepareHeaders(ctx, nil))
	return c.SendMessage(ctx, req.Source, reply)
}

// recvLoop is the container's single receive goroutine: it blocks on
// the socket and dispatches each inbound frame set until Stop closes it.
func (c *Container) recvLoop(ctx context.Context) {
	defer close(c.recvDone)
	for {
		frames, err := c.sock.RecvMultipart(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Warn("recv failed")
			continue
		}

		msg, err := message.UnpackFrames(frames)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("msg_id", message.FrameID(frames)).Warn("bad message format")
			continue
		}
		c.recvMessage(ctx, msg)
	}
}

func (c *Container) recvMessage(ctx context.Context, msg *message.Message) {
	msgCtx, done := trace.FromHeaders(ctx, msg.Headers)
	defer done()

	connection, err := c.Connect(msgCtx, msg.Source)
	if err == nil {
		connection.OnRecv()
	}

	switch {
	case msg.IsRequest():
		trace.Spawn(msgCtx, func(spawnCtx context.Context) { c.dispatchRequest(spawnCtx, msg) })
	case msg.IsReply():
		c.mu.Lock()
		rc, ok := c.pendingChannels[msg.Subject]
		c.mu.Unlock()
		if !ok {
			c.logger.WithContext(msgCtx).WithField("subject", msg.Subject).Debug("reply to unknown subject")
			return
		}
		rc.Deliver(msg)
	default:
		c.logger.WithContext(msgCtx).WithField("type", msg.Type).Warn("unknown message type")
	}
}

func (c *Container) dispatchRequest(ctx context.Context, msg *message.Message) {
	ch := channel.NewRequestChannel(msg, c)

	serviceName, method, ok := splitSubject(msg.Subject)
	if !ok {
		c.logger.WithContext(ctx).WithField("subject", msg.Subject).Warn("malformed subject")
		return
	}

	c.mu.Lock()
	svc, exists := c.installed[serviceName]
	c.mu.Unlock()
	if !exists {
		c.logger.WithContext(ctx).WithField("service_type", serviceName).Warn("unsupported service type")
		return
	}

	err := c.invokeHandler(ctx, svc, method, ch)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("handler failed")
		c.fireErrorHook(err)
		if nackErr := ch.Nack(ctx, true); nackErr != nil && nackErr != ierr.ErrChannelClosed {
			c.logger.WithContext(ctx).WithError(nackErr).Warn("failed to send automatic NACK")
		}
	}
}

// invokeHandler recovers a handler panic into an error so a single
// service bug cannot take down the receive loop, matching the source's
// bare except around handle_request.
func (c *Container) invokeHandler(ctx context.Context, svc Service, method string, ch *channel.RequestChannel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return svc.HandleRequest(ctx, method, ch)
}

// splitSubject splits "service_type.method" at the last '.'.
func splitSubject(subject string) (serviceType, method string, ok bool) {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[:i], subject[i+1:], true
		}
	}
	return "", "", false
}

// EmitEvent wraps payload in an Event with source=identity and hands it
// to the event system, archiving it through the configured event sink
// first when one is set.
func (c *Container) EmitEvent(ctx context.Context, eventType string, payload []byte) error {
	if c.eventSink != nil {
		if err := c.eventSink.WriteEvent(ctx, eventType, c.identity, payload); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("event sink write failed")
		}
	}

	ev := events.Event{
		Type:      eventType,
		Source:    c.identity,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	if c.starting {
		c.pendingEvents = append(c.pendingEvents, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.events.Emit(ctx, ev)
}

// DispatchEvent delivers ev to every installed service whose
// subscriptions match; an event handled by none is logged as unhandled.
// Installed services register their own subscriptions directly with the
// event system at Start, so this is exercised indirectly via each
// service's own EventSubscriptions handlers — kept here for services
// that want the container's own cross-cutting fan-out semantics.
func (c *Container) DispatchEvent(ctx context.Context, ev events.Event) {
	handled := false
	for _, svc := range c.servicesSnapshot() {
		if svc.DispatchEvent(ctx, ev) {
			handled = true
		}
	}
	if !handled {
		c.logger.WithField("event_type", ev.Type).Warn("unhandled event")
	}
}

// Ping sends iris.ping to address, the original's smoke-test RPC.
func (c *Container) Ping(ctx context.Context, address string) (*channel.ReplyChannel, error) {
	return c.SendRequest(ctx, address, "iris.ping", map[string]interface{}{"payload": ""}, nil)
}

// Stats snapshots connection and installed-service state, mirroring
// original_source/iris/core/container.py's stats().
func (c *Container) Stats() map[string]interface{} {
	c.mu.Lock()
	services := c.servicesSnapshot()
	c.mu.Unlock()

	s := map[string]interface{}{
		"endpoint":    c.endpoint,
		"identity":    c.identity,
		"connections": c.conns.Stats(),
	}
	for _, svc := range services {
		s[svc.ServiceType()] = svc.Stats()
	}
	return s
}

// Discover implements the container's discover() passthrough.
func (c *Container) Discover(ctx context.Context) ([]string, error) {
	return c.registry.Discover(ctx, c)
}
