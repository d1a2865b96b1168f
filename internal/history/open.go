package history

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shadow-cli/internal/config"
)

// Open builds the configured store, migrates it, and wraps it in a Guarded
// store.
func Open(ctx context.Context, cfg config.HistoryConfig) (*Guarded, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL)
	case "none", "":
		st = Nop{}
	default:
		return nil, eris.Errorf("history: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "history: open")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "history: migrate")
	}
	return NewGuarded(st, cfg.BreakerThreshold, time.Duration(cfg.BreakerResetSecs)*time.Second), nil
}
