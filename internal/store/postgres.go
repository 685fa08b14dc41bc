package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the registry, wait lists and migration snapshots in
// PostgreSQL so every feature server in the cluster sees the same state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conferences (
			key TEXT PRIMARY KEY,
			descriptor JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conference_waitlist (
			list_key TEXT NOT NULL,
			member TEXT NOT NULL,
			seq BIGSERIAL,
			added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (list_key, member)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conference_waitlist_seq ON conference_waitlist (list_key, seq);`,
		`CREATE TABLE IF NOT EXISTS migration_snapshots (
			token TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_migration_snapshots_expires ON migration_snapshots (expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init store schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Backend() string { return "postgres" }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, key string, d ConferenceDescriptor) (bool, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal descriptor: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conferences (key, descriptor) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, raw,
	)
	if err != nil {
		return false, fmt.Errorf("create conference: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Read(ctx context.Context, key string) (ConferenceDescriptor, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT descriptor FROM conferences WHERE key=$1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConferenceDescriptor{}, ErrNotFound
		}
		return ConferenceDescriptor{}, fmt.Errorf("read conference: %w", err)
	}
	var d ConferenceDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return ConferenceDescriptor{}, fmt.Errorf("decode conference: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conferences WHERE key=$1`, key)
	if err != nil {
		return false, fmt.Errorf("delete conference: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Add(ctx context.Context, key, member string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conference_waitlist (list_key, member) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		key, member,
	)
	if err != nil {
		return 0, fmt.Errorf("add to wait list: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) List(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member FROM conference_waitlist WHERE list_key=$1 ORDER BY seq`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("list wait list: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan wait list: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wait list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Remove(ctx context.Context, key, member string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conference_waitlist WHERE list_key=$1 AND member=$2`,
		key, member,
	)
	if err != nil {
		return 0, fmt.Errorf("remove from wait list: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Clear(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conference_waitlist WHERE list_key=$1`, key); err != nil {
		return fmt.Errorf("clear wait list: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO migration_snapshots (token, payload, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET payload=EXCLUDED.payload, expires_at=EXCLUDED.expires_at`,
		token, payload, time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Take(ctx context.Context, token string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`DELETE FROM migration_snapshots WHERE token=$1 AND expires_at > $2 RETURNING payload`,
		token, time.Now().UTC(),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("take snapshot: %w", err)
	}
	return payload, nil
}

func (s *PostgresStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM migration_snapshots WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("reap snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
