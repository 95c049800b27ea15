package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/audiocast/internal/pipeline"
)

// Schema is the SQL DDL for the session journal. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS audiocast_sessions (
    id             TEXT PRIMARY KEY,
    transport      TEXT NOT NULL,
    remote_addr    TEXT NOT NULL DEFAULT '',
    opened_at      TIMESTAMPTZ NOT NULL,
    closed_at      TIMESTAMPTZ NOT NULL,
    frames_sent    BIGINT NOT NULL DEFAULT 0,
    frames_dropped BIGINT NOT NULL DEFAULT 0,
    last_sequence  BIGINT NOT NULL DEFAULT 0,
    close_reason   TEXT NOT NULL DEFAULT '',
    last_error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audiocast_sessions_closed_at ON audiocast_sessions(closed_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL table.
type PostgresStore struct {
	db     DB
	retain int
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on db. When retain is positive,
// every write prunes the table down to the retain most recently closed
// sessions. The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB, retain int) *PostgresStore {
	return &PostgresStore{db: db, retain: retain}
}

// OpenPool connects to the database at dsn and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Record implements [Store]. Recording the same session twice keeps the
// first row.
func (s *PostgresStore) Record(ctx context.Context, info pipeline.SessionInfo) error {
	const insert = `
		INSERT INTO audiocast_sessions (
			id, transport, remote_addr, opened_at, closed_at,
			frames_sent, frames_dropped, last_sequence, close_reason, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, insert,
		info.ID, info.Transport, info.RemoteAddr, info.OpenedAt, info.ClosedAt,
		int64(info.FramesSent), int64(info.FramesDropped), int64(info.LastSequence),
		info.CloseReason, info.LastError,
	)
	if err != nil {
		return fmt.Errorf("journal: record %q: %w", info.ID, err)
	}

	if s.retain <= 0 {
		return nil
	}
	const prune = `
		DELETE FROM audiocast_sessions
		WHERE id IN (
			SELECT id FROM audiocast_sessions
			ORDER BY closed_at DESC
			OFFSET $1
		)`
	if _, err := s.db.Exec(ctx, prune, s.retain); err != nil {
		return fmt.Errorf("journal: prune: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]pipeline.SessionInfo, error) {
	const query = `
		SELECT id, transport, remote_addr, opened_at, closed_at,
		       frames_sent, frames_dropped, last_sequence, close_reason, last_error
		FROM audiocast_sessions
		ORDER BY closed_at DESC
		LIMIT $1`

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []pipeline.SessionInfo
	for rows.Next() {
		var (
			info                  pipeline.SessionInfo
			openedAt, closedAt    time.Time
			sent, dropped, lastSq int64
		)
		if err := rows.Scan(
			&info.ID, &info.Transport, &info.RemoteAddr, &openedAt, &closedAt,
			&sent, &dropped, &lastSq, &info.CloseReason, &info.LastError,
		); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		info.OpenedAt, info.ClosedAt = openedAt, closedAt
		info.FramesSent, info.FramesDropped, info.LastSequence = uint64(sent), uint64(dropped), uint64(lastSq)
		info.State = pipeline.StateClosed.String()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return out, nil
}
