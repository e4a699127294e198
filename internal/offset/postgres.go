package offset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTable = "s3stream_offsets"

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

// pgxQuerier abstracts the pgxpool methods used by PostgresStore for testing.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps offsets in a table keyed by (connector, partition_key).
type PostgresStore struct {
	db        pgxQuerier
	closeFn   func()
	table     string
	connector string
}

// OpenPostgres connects to dsn, creates the offsets table if needed, and
// returns a store scoped to connector.
func OpenPostgres(ctx context.Context, dsn, table, connector string) (*PostgresStore, error) {
	if table == "" {
		table = defaultTable
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := NewPostgresStore(pool, table, connector)
	s.closeFn = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool or connection.
func NewPostgresStore(db pgxQuerier, table, connector string) *PostgresStore {
	if table == "" {
		table = defaultTable
	}
	return &PostgresStore{
		db:        db,
		table:     pgx.Identifier{table}.Sanitize(),
		connector: connector,
	}
}

// Migrate creates the offsets table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	connector     TEXT        NOT NULL,
	partition_key TEXT        NOT NULL,
	offset_value  JSONB       NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (connector, partition_key)
)`
	if _, err := s.db.Exec(ctx, q); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) Offset(ctx context.Context, p Partition) (Offset, error) {
	q := `SELECT offset_value FROM ` + s.table + ` WHERE connector = $1 AND partition_key = $2`

	var raw []byte
	err := s.db.QueryRow(ctx, q, s.connector, p.Key()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select offset: %w", err)
	}
	return decodeOffset(raw)
}

func (s *PostgresStore) Commit(ctx context.Context, p Partition, o Offset) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode offset: %w", err)
	}

	q := `INSERT INTO ` + s.table + ` (connector, partition_key, offset_value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (connector, partition_key) DO UPDATE SET offset_value = EXCLUDED.offset_value, updated_at = now()`

	if _, err := s.db.Exec(ctx, q, s.connector, p.Key(), data); err != nil {
		return fmt.Errorf("upsert offset: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
