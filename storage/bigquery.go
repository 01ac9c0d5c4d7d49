package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
)

// eventRow is the schema an archived event is inserted under: one row
// per emitted event, keyed by (event_type, source, recorded_at).
type eventRow struct {
	EventType  string    `bigquery:"event_type"`
	Source     string    `bigquery:"source"`
	Payload    string    `bigquery:"payload"`
	RecordedAt time.Time `bigquery:"recorded_at"`
}

// Save implements bigquery.ValueSaver.
func (r eventRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"event_type":  r.EventType,
		"source":      r.Source,
		"payload":     r.Payload,
		"recorded_at": r.RecordedAt,
	}, "", nil
}

// BigQueryEventSink archives every emitted event as a row, the
// spec's-own "event archive" enrichment onto C6. Grounded on
// components/bigquery's client/dataset/table setup, adapted from a
// polling Initium into a write-only Terminus-style sink.
type BigQueryEventSink struct {
	table *bigquery.Table
}

// NewBigQueryEventSink dials projectID and resolves the target table.
func NewBigQueryEventSink(ctx context.Context, projectID, dataset, table string) (*BigQueryEventSink, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	return &BigQueryEventSink{table: client.Dataset(dataset).Table(table)}, nil
}

// WriteEvent implements EventSink.
func (b *BigQueryEventSink) WriteEvent(ctx context.Context, eventType, source string, payload []byte) error {
	row := eventRow{
		EventType:  eventType,
		Source:     source,
		Payload:    string(payload),
		RecordedAt: time.Now(),
	}
	return b.table.Inserter().Put(ctx, row)
}

// Close implements EventSink. BigQuery's client has no per-table close;
// the dataset-level client outlives individual sinks in practice, so
// this is a no-op kept for interface symmetry with CassandraStatsSink.
func (b *BigQueryEventSink) Close() error {
	return nil
}
