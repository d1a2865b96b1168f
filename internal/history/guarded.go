package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/resilience"
)

// Guarded wraps a Store with a circuit breaker. Save never returns an
// error; failures are logged and dropped.
type Guarded struct {
	store   Store
	breaker *resilience.Breaker
}

// NewGuarded wraps store. threshold and reset configure the breaker.
func NewGuarded(store Store, threshold int, reset time.Duration) *Guarded {
	return &Guarded{
		store: store,
		breaker: resilience.NewBreaker("history", threshold, reset,
			resilience.OnStateChange(func(name string, from, to resilience.State) {
				zap.L().Warn("history: breaker state change",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			}),
		),
	}
}

// Save persists rec if possible. Records without a user are skipped.
func (g *Guarded) Save(ctx context.Context, rec Record) error {
	if rec.UserID == "" || rec.URL == "" {
		return nil
	}
	if err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.store.Save(ctx, rec)
	}); err != nil {
		zap.L().Warn("history: save failed",
			zap.String("user_id", rec.UserID),
			zap.String("url", rec.URL),
			zap.Error(err),
		)
	}
	return nil
}

func (g *Guarded) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	return resilience.Guard(ctx, g.breaker, func(ctx context.Context) ([]Record, error) {
		return g.store.Recent(ctx, userID, limit)
	})
}

func (g *Guarded) Seen(ctx context.Context, userID string) (map[string]bool, error) {
	return resilience.Guard(ctx, g.breaker, func(ctx context.Context) (map[string]bool, error) {
		return g.store.Seen(ctx, userID)
	})
}

func (g *Guarded) Migrate(ctx context.Context) error { return g.store.Migrate(ctx) }
func (g *Guarded) Close() error                      { return g.store.Close() }

// State reports the breaker position.
func (g *Guarded) State() resilience.State { return g.breaker.State() }
