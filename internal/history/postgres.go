package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres connects to Postgres and verifies the connection.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS learning_history (
	user_id      TEXT NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	speaker      TEXT NOT NULL DEFAULT '',
	result_count INTEGER NOT NULL DEFAULT 0,
	results      JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, url)
);

CREATE INDEX IF NOT EXISTS idx_learning_history_user_updated ON learning_history(user_id, updated_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO learning_history (user_id, url, title, speaker, result_count, results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (user_id, url) DO UPDATE SET
			title = EXCLUDED.title,
			speaker = EXCLUDED.speaker,
			result_count = EXCLUDED.result_count,
			results = EXCLUDED.results,
			updated_at = EXCLUDED.updated_at`,
		rec.UserID, rec.URL, rec.Title, rec.Speaker, rec.ResultCount, results, now,
	)
	return eris.Wrapf(err, "postgres: save history %s", rec.URL)
}

func (s *PostgresStore) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, url, title, speaker, result_count, created_at, updated_at
		FROM learning_history WHERE user_id = $1
		ORDER BY updated_at DESC, url ASC LIMIT $2`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list history")
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.UserID, &r.URL, &r.Title, &r.Speaker, &r.ResultCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate history")
}

func (s *PostgresStore) Seen(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM learning_history WHERE user_id = $1`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: seen urls")
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan url")
		}
		seen[u] = true
	}
	return seen, eris.Wrap(rows.Err(), "postgres: iterate urls")
}
