package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// CassandraStatsSink writes one row per snapshot into a keyspace table
// shaped (endpoint text, recorded_at timestamp, stats text). Grounded on
// components/cassandra's gocql.NewCluster/CreateSession setup.
type CassandraStatsSink struct {
	session *gocql.Session
	table   string
}

// CassandraConfig mirrors the fields components/cassandra reads off a
// viper config.
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Table    string
}

// NewCassandraStatsSink opens a session against cfg.
func NewCassandraStatsSink(cfg CassandraConfig) (*CassandraStatsSink, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandra session: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "container_stats"
	}
	return &CassandraStatsSink{session: session, table: table}, nil
}

// WriteStats implements StatsSink.
func (c *CassandraStatsSink) WriteStats(ctx context.Context, endpoint string, stats map[string]interface{}) error {
	encoded, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (endpoint, recorded_at, stats) VALUES (?, ?, ?)", c.table)
	return c.session.Query(query, endpoint, time.Now(), string(encoded)).WithContext(ctx).Exec()
}

// Close implements StatsSink.
func (c *CassandraStatsSink) Close() error {
	c.session.Close()
	return nil
}
