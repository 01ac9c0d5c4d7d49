package container

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oakmesh/iris/storage"
)

// monitorInterval is how often the monitor snapshots container state,
// matching the polling cadence of original_source/iris/core/monitoring.py.
const monitorInterval = 10 * time.Second

// Monitor periodically records OpenTelemetry metrics for a container's
// connection and service stats, and optionally persists a snapshot row
// through a storage.StatsSink. Grounded on machine.go's
// metric.Must(meter) instrumentation style, generalized from per-vertex
// throughput counters to per-container connection/service gauges.
type Monitor struct {
	container *Container
	sink      storage.StatsSink

	connGauge     metric.Int64ObservableGauge
	servicesGauge metric.Int64ObservableGauge

	cancel context.CancelFunc
	done   chan struct{}
}

// WithStatsSink attaches a storage.StatsSink the monitor writes periodic
// snapshots to.
func WithStatsSink(sink storage.StatsSink) Option {
	return func(c *Container) {
		if c.monitor != nil {
			c.monitor.sink = sink
		}
	}
}

func newMonitor(c *Container) *Monitor {
	meter := otel.Meter("iris.container")

	m := &Monitor{container: c}

	connGauge, _ := meter.Int64ObservableGauge(
		"iris.container.connections",
		metric.WithDescription("number of live peer connections"),
	)
	servicesGauge, _ := meter.Int64ObservableGauge(
		"iris.container.services",
		metric.WithDescription("number of installed services"),
	)
	m.connGauge = connGauge
	m.servicesGauge = servicesGauge

	_, _ = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		labels := metric.WithAttributes(attribute.String("endpoint", c.endpoint))
		o.ObserveInt64(connGauge, int64(len(c.conns.Stats())), labels)
		o.ObserveInt64(servicesGauge, int64(len(c.installedOrder)), labels)
		return nil
	}, connGauge, servicesGauge)

	return m
}

// Start begins the periodic snapshot loop.
func (m *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.snapshot(loopCtx)
			}
		}
	}()
}

func (m *Monitor) snapshot(ctx context.Context) {
	if m.sink == nil {
		return
	}
	stats := m.container.Stats()
	if err := m.sink.WriteStats(ctx, m.container.endpoint, stats); err != nil {
		m.container.logger.WithError(err).Warn("stats sink write failed")
	}
}

// Stop ends the periodic snapshot loop. Safe to call even if Start was
// never called.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}
