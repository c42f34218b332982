// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/chunkwatch/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "drift_events"

const defaultListLimit = 100

// EventStoreConfig controls the Postgres connection pool used for drift events.
type EventStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// EventStore implements store.EventRepository on Postgres.
type EventStore struct {
	pool  pool
	table string
}

var _ store.EventRepository = (*EventStore)(nil)

// NewEventStore connects to Postgres using cfg.
func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewEventStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewEventStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEventStoreWithPool(p pool, table string) (*EventStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EventStore{pool: p, table: table}, nil
}

// EnsureSchema creates the events table when missing.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          BIGSERIAL PRIMARY KEY,
	cycle_id    UUID        NOT NULL,
	stage       TEXT        NOT NULL,
	target      TEXT        NOT NULL,
	replica     TEXT        NOT NULL DEFAULT '',
	url         TEXT        NOT NULL DEFAULT '',
	hash        TEXT        NOT NULL DEFAULT '',
	outcome     TEXT        NOT NULL DEFAULT '',
	note        TEXT        NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_occurred_at_idx ON %[1]s (occurred_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordEvents inserts the batch in one transaction.
func (s *EventStore) RecordEvents(ctx context.Context, events []store.DriftEvent) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("event store is not configured")
	}
	if len(events) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	cycle_id,
	stage,
	target,
	replica,
	url,
	hash,
	outcome,
	note,
	occurred_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, evt := range events {
		_, err := tx.Exec(ctx, query,
			evt.CycleID,
			evt.Stage,
			evt.Target,
			evt.Replica,
			evt.URL,
			evt.Hash,
			evt.Outcome,
			evt.Note,
			evt.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("insert drift event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListEvents returns events matching filter, newest first.
func (s *EventStore) ListEvents(ctx context.Context, filter store.EventFilter) ([]store.DriftEvent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("event store is not configured")
	}
	var (
		where []string
		args  []any
	)
	if filter.Stage != "" {
		args = append(args, filter.Stage)
		where = append(where, fmt.Sprintf("stage = $%d", len(args)))
	}
	if filter.Replica != "" {
		args = append(args, filter.Replica)
		where = append(where, fmt.Sprintf("replica = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT cycle_id, stage, target, replica, url, hash, outcome, note, occurred_at FROM %s`, s.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list drift events: %w", err)
	}
	defer rows.Close()

	var out []store.DriftEvent
	for rows.Next() {
		var evt store.DriftEvent
		if err := rows.Scan(
			&evt.CycleID,
			&evt.Stage,
			&evt.Target,
			&evt.Replica,
			&evt.URL,
			&evt.Hash,
			&evt.Outcome,
			&evt.Note,
			&evt.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan drift event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drift events: %w", err)
	}
	return out, nil
}
