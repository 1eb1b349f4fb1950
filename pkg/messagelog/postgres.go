package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wehubfusion/conduit/pkg/dispatch"
)

// Schema creates the audit table used by PostgresLog
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id             BIGSERIAL PRIMARY KEY,
	message_id     TEXT        NOT NULL,
	correlation_id TEXT        NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL,
	trail          TEXT        NOT NULL,
	label          TEXT        NOT NULL DEFAULT '',
	unit           TEXT        NOT NULL,
	metadata       JSONB,
	payload        BYTEA
);
CREATE INDEX IF NOT EXISTS audit_records_correlation_idx ON audit_records (correlation_id);
`

const insertRecord = `
	INSERT INTO audit_records (message_id, correlation_id, recorded_at, trail, label, unit, metadata, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// Execer is the part of *pgxpool.Pool the log uses
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresLog stores audit records in PostgreSQL
type PostgresLog struct {
	db Execer
}

// NewPostgresLog creates a log writing through db
func NewPostgresLog(db Execer) *PostgresLog {
	return &PostgresLog{db: db}
}

// NewPool opens and pings a connection pool for dsn
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the audit table when it does not exist
func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Store inserts rec
func (l *PostgresLog) Store(ctx context.Context, rec dispatch.AuditRecord) error {
	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := l.db.Exec(ctx, insertRecord,
		rec.MessageID,
		rec.CorrelationID,
		rec.Timestamp,
		rec.Trail,
		rec.Label,
		rec.Unit,
		metadata,
		rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
