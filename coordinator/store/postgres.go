package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const eventLogSchema = `
CREATE TABLE IF NOT EXISTS task_events (
	event_id   TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	stage      TEXT NOT NULL,
	device_id  TEXT,
	occurred_at TIMESTAMPTZ NOT NULL,
	metadata   JSONB
);
CREATE INDEX IF NOT EXISTS task_events_task_id_idx ON task_events (task_id);
`

// PostgresEventLog appends task lifecycle events to a Postgres table.
// It is write-only from the coordinator's point of view; queries belong
// to external reporting tools.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

// NewPostgresEventLog connects, sizes the pool for a background writer,
// and ensures the schema exists.
func NewPostgresEventLog(ctx context.Context, connString string) (*PostgresEventLog, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("event log: parse dsn: %w", err)
	}
	config.MaxConns = 4
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("event log: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("event log: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, eventLogSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("event log: ensure schema: %w", err)
	}
	return &PostgresEventLog{pool: pool}, nil
}

func (l *PostgresEventLog) Append(ctx context.Context, e TaskEvent) error {
	query := `
		INSERT INTO task_events (event_id, task_id, stage, device_id, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := l.pool.Exec(ctx, query,
		e.EventID, e.TaskID, e.Stage, e.DeviceID, e.Timestamp, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("event log: append %s/%s: %w", e.TaskID, e.Stage, err)
	}
	return nil
}

func (l *PostgresEventLog) Close() error {
	l.pool.Close()
	return nil
}
