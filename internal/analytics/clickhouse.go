package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/shipyard-dev/shipyard/internal/domain"
)

// Config carries analytics store connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Store persists build-log events into ClickHouse.
type Store struct {
	conn   driver.Conn
	logger *slog.Logger
}

// New connects to ClickHouse and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Store{conn: conn, logger: logger}, nil
}

// EnsureSchema creates the log_events table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS log_events (
		event_id UUID,
		deployment_id String,
		log String,
		timestamp DateTime64(3) DEFAULT now64()
	) ENGINE = MergeTree
	ORDER BY (deployment_id, timestamp)`
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure log_events schema: %w", err)
	}
	return nil
}

// InsertLogEvent appends one row. One row per call keeps the insert the unit
// the drain loop commits against.
func (s *Store) InsertLogEvent(ctx context.Context, event domain.LogEvent) error {
	const query = `INSERT INTO log_events (event_id, deployment_id, log, timestamp) VALUES (?, ?, ?, ?)`
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	if err := s.conn.Exec(ctx, query, event.EventID, event.DeploymentID, event.Log, timestamp); err != nil {
		return fmt.Errorf("insert log event: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
