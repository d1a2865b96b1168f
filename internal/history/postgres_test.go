package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return &PostgresStore{pool: mock}, mock
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS learning_history`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Save(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO learning_history .* ON CONFLICT \(user_id, url\) DO UPDATE`).
		WithArgs("u1", "https://ted.com/talks/a", "T https://ted.com/talks/a", "S", 2, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), sampleRecord("u1", "https://ted.com/talks/a", 2)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO learning_history`).
		WillReturnError(errors.New("connection refused"))

	err := s.Save(context.Background(), sampleRecord("u1", "https://ted.com/talks/a", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save history")
}

func TestPostgres_Recent(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"user_id", "url", "title", "speaker", "result_count", "created_at", "updated_at"}).
		AddRow("u1", "https://ted.com/talks/b", "B", "S", 3, now, now).
		AddRow("u1", "https://ted.com/talks/a", "A", "S", 1, now, now)
	mock.ExpectQuery(`SELECT user_id, url, title, speaker, result_count, created_at, updated_at FROM learning_history`).
		WithArgs("u1", 10).
		WillReturnRows(rows)

	recs, err := s.Recent(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "https://ted.com/talks/b", recs[0].URL)
	assert.Equal(t, 3, recs[0].ResultCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Seen(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT url FROM learning_history WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://ted.com/talks/a"))

	seen, err := s.Seen(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"https://ted.com/talks/a": true}, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
