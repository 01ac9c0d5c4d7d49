// Package storage provides optional write-only sinks the container's
// monitor and event system can persist through: periodic connection
// stats to Cassandra, event archive rows to BigQuery. Neither is part
// of the wire protocol; a container with no sink configured behaves
// identically.
package storage

import "context"

// StatsSink persists a point-in-time container stats snapshot.
type StatsSink interface {
	WriteStats(ctx context.Context, endpoint string, stats map[string]interface{}) error
	Close() error
}

// EventSink archives an emitted event.
type EventSink interface {
	WriteEvent(ctx context.Context, eventType, source string, payload []byte) error
	Close() error
}
