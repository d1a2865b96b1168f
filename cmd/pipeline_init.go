package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/chunker"
	"github.com/sells-group/shadow-cli/internal/cost"
	"github.com/sells-group/shadow-cli/internal/gateway"
	"github.com/sells-group/shadow-cli/internal/history"
	"github.com/sells-group/shadow-cli/internal/keypool"
	"github.com/sells-group/shadow-cli/internal/pipeline"
	"github.com/sells-group/shadow-cli/internal/progress"
	"github.com/sells-group/shadow-cli/internal/prompts"
	"github.com/sells-group/shadow-cli/internal/source"
	"github.com/sells-group/shadow-cli/internal/stage"
	"github.com/sells-group/shadow-cli/internal/task"
	anthropicpkg "github.com/sells-group/shadow-cli/pkg/anthropic"
	"github.com/sells-group/shadow-cli/pkg/jina"
)

// pipelineEnv holds the initialized clients, stores and schedulers shared
// by the run, batch and serve commands.
type pipelineEnv struct {
	Pool     *keypool.Pool
	Gateway  *gateway.Gateway
	Costs    *cost.Tracker
	History  *history.Guarded
	Pipeline *pipeline.Pipeline
	Registry *task.Registry
	Hub      *progress.Hub
	Source   *source.Jina    // nil without a Jina key
	Batch    *pipeline.Batch // nil without a Jina key
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.History != nil {
		if err := pe.History.Close(); err != nil {
			zap.L().Warn("close history store", zap.Error(err))
		}
	}
}

// initPipeline validates cfg for mode and builds the environment. llm may
// be nil, in which case the SDK client is used. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string, llm anthropicpkg.Client) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := keypool.New(cfg.Anthropic.Credentials(),
		keypool.WithCooldown(time.Duration(cfg.KeyPool.CooldownSecs)*time.Second),
		keypool.WithClassifier(keypool.NewKeywordClassifier(cfg.KeyPool.RateLimitKeywords...)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "init key pool")
	}

	if llm == nil {
		opts := []anthropicpkg.Option{
			anthropicpkg.WithTimeout(time.Duration(cfg.Anthropic.TimeoutSecs) * time.Second),
		}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		llm = anthropicpkg.NewClient(opts...)
	}

	costs := cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))
	gw := gateway.New(llm, pool, gateway.Settings{
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Temperature: cfg.Anthropic.Temperature,
		CacheTTL:    cfg.Anthropic.CacheTTL,
	}, costs)

	catalog, err := prompts.Default()
	if err != nil {
		return nil, eris.Wrap(err, "load prompts")
	}
	agents := stage.New(gw, catalog, stage.Rules{
		MinWords:         cfg.Pipeline.MinWords,
		MinMapEntries:    cfg.Pipeline.MinMapEntries,
		QualityThreshold: cfg.Pipeline.QualityThreshold,
		VetoLogicMax:     cfg.Pipeline.VetoLogicMax,
	})

	hist, err := history.Open(ctx, cfg.History)
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(agents, hist, pipeline.Options{
		Concurrency: cfg.Pipeline.MaxConcurrentChunks,
		Chunker: chunker.Options{
			TargetChars: cfg.Chunker.TargetChars,
			MaxChars:    cfg.Chunker.MaxChars,
			MinChars:    cfg.Chunker.MinChars,
		},
	})

	hub := progress.NewHub(progress.WithCapacity(cfg.Progress.MaxEventsPerJob))
	env := &pipelineEnv{
		Pool:     pool,
		Gateway:  gw,
		Costs:    costs,
		History:  hist,
		Pipeline: pipe,
		Registry: task.NewRegistry(task.OnCreate(hub.Open), task.OnRemove(hub.Drop)),
		Hub:      hub,
	}

	if cfg.Jina.Key != "" {
		jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
		if cfg.Jina.SearchBaseURL != "" {
			jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		env.Source = source.NewJina(jina.NewClient(cfg.Jina.Key, jinaOpts...), source.JinaOptions{
			Site:           cfg.Jina.SiteFilter,
			RequestsPerSec: cfg.Jina.RequestsPerSec,
			MinChars:       cfg.Pipeline.MinDocumentChars,
			Costs:          costs,
		})
		env.Batch = pipeline.NewBatch(pipe, env.Source, env.Registry, hub, pipeline.BatchOptions{
			MaxDocuments: cfg.Batch.MaxDocuments,
			Concurrency:  cfg.Batch.MaxConcurrentDocuments,
		})
	} else {
		zap.L().Debug("SHADOW_JINA_KEY not set, search and batch fetching disabled")
	}

	zap.L().Info("pipeline ready",
		zap.String("mode", mode),
		zap.Int("keys", pool.Size()),
		zap.String("model", cfg.Anthropic.Model),
		zap.String("history", cfg.History.Driver),
	)
	return env, nil
}

// runSweeper expires old jobs and their progress logs until ctx ends.
func (pe *pipelineEnv) runSweeper(ctx context.Context) {
	interval := time.Duration(cfg.Tasks.SweepIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	maxAge := time.Duration(cfg.Tasks.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	pe.Registry.RunSweeper(ctx, interval, maxAge)
}
