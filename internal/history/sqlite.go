package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS learning_history (
	user_id      TEXT NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	speaker      TEXT NOT NULL DEFAULT '',
	result_count INTEGER NOT NULL DEFAULT 0,
	results      TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (user_id, url)
);

CREATE INDEX IF NOT EXISTS idx_learning_history_user_updated ON learning_history(user_id, updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal results")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_history (user_id, url, title, speaker, result_count, results, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, url) DO UPDATE SET
			title = excluded.title,
			speaker = excluded.speaker,
			result_count = excluded.result_count,
			results = excluded.results,
			updated_at = excluded.updated_at`,
		rec.UserID, rec.URL, rec.Title, rec.Speaker, rec.ResultCount, string(results), now, now,
	)
	return eris.Wrapf(err, "sqlite: save history %s", rec.URL)
}

func (s *SQLiteStore) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, url, title, speaker, result_count, created_at, updated_at
		FROM learning_history WHERE user_id = ?
		ORDER BY updated_at DESC, url ASC LIMIT ?`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list history")
	}
	defer rows.Close() //nolint:errcheck

	out := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.UserID, &r.URL, &r.Title, &r.Speaker, &r.ResultCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate history")
}

func (s *SQLiteStore) Seen(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM learning_history WHERE user_id = ?`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: seen urls")
	}
	defer rows.Close() //nolint:errcheck

	seen := make(map[string]bool)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan url")
		}
		seen[u] = true
	}
	return seen, eris.Wrap(rows.Err(), "sqlite: iterate urls")
}
