// Package history persists what each user has studied. Writes are best
// effort: the pipeline never fails because history is unavailable.
package history

import (
	"context"
	"time"

	"github.com/sells-group/shadow-cli/internal/model"
)

// Record is one processed document for one user. (UserID, URL) is unique;
// saving again replaces the earlier record.
type Record struct {
	UserID      string              `json:"user_id"`
	URL         string              `json:"url"`
	Title       string              `json:"title"`
	Speaker     string              `json:"speaker"`
	ResultCount int                 `json:"result_count"`
	Results     []model.FinalResult `json:"results,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// NewRecord builds a record from a finished document.
func NewRecord(userID string, res model.DocumentResult) Record {
	return Record{
		UserID:      userID,
		URL:         res.Info.URL,
		Title:       res.Info.Title,
		Speaker:     res.Info.Speaker,
		ResultCount: res.ResultCount(),
		Results:     res.Results,
	}
}

// Store is the persistence interface for learning history.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// Recent lists a user's records, newest first. Results are omitted.
	Recent(ctx context.Context, userID string, limit int) ([]Record, error)
	// Seen returns the URLs a user has already processed.
	Seen(ctx context.Context, userID string) (map[string]bool, error)
	Migrate(ctx context.Context) error
	Close() error
}

// Nop discards writes and reports no history.
type Nop struct{}

func (Nop) Save(context.Context, Record) error { return nil }
func (Nop) Recent(context.Context, string, int) ([]Record, error) {
	return []Record{}, nil
}
func (Nop) Seen(context.Context, string) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (Nop) Migrate(context.Context) error { return nil }
func (Nop) Close() error                  { return nil }

const defaultLimit = 50

func clampLimit(n int) int {
	if n <= 0 || n > 500 {
		return defaultLimit
	}
	return n
}
