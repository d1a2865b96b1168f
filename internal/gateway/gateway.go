// Package gateway issues completion calls through the credential pool and
// turns replies into structured field maps.
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/cost"
	"github.com/sells-group/shadow-cli/internal/keypool"
	"github.com/sells-group/shadow-cli/pkg/anthropic"
)

// Request is one structured completion.
type Request struct {
	// Stage names the caller for logs and cost attribution.
	Stage       string
	System      string
	Prompt      string
	Schema      Schema
	Temperature *float64
	MaxTokens   int64
}

// Result is a successful completion.
type Result struct {
	Fields   map[string]any
	Raw      string
	Usage    anthropic.TokenUsage
	Attempts int
	KeyID    string
	CostUSD  float64
}

// Settings holds model defaults applied to every request.
type Settings struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// CacheTTL marks system prompts for prompt caching ("5m" or "1h").
	// Empty disables caching.
	CacheTTL    string
}

// Gateway wraps one completion call with credential rotation on rate limits.
type Gateway struct {
	client   anthropic.Client
	pool     *keypool.Pool
	settings Settings
	costs    *cost.Tracker
}

// New creates a Gateway. costs may be nil.
func New(client anthropic.Client, pool *keypool.Pool, settings Settings, costs *cost.Tracker) *Gateway {
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = 4096
	}
	return &Gateway{client: client, pool: pool, settings: settings, costs: costs}
}

// Complete sends req and parses the reply against req.Schema. Only
// rate-limit failures are retried, each time with a freshly acquired
// credential, for at most pool-size attempts. Every error returned is a
// *Failure.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Result, error) {
	log := zap.L().With(zap.String("stage", req.Stage))

	maxAttempts := g.pool.Size()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred, err := g.pool.Acquire(ctx)
		if err != nil {
			return nil, &Failure{Kind: Canceled, Message: "waiting for credential", Attempts: attempt - 1, Err: err}
		}

		g.pool.RecordCall()
		start := time.Now()
		resp, err := g.client.CreateMessage(ctx, g.buildRequest(req, cred.Secret))
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Failure{Kind: Canceled, Message: "call interrupted", Attempts: attempt, Err: ctx.Err()}
			}
			if g.pool.MarkFailure(cred, err.Error()) {
				log.Warn("gateway: rate limited, rotating credential",
					zap.String("key", cred.ID),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", maxAttempts),
				)
				lastErr = err
				continue
			}
			log.Error("gateway: provider error",
				zap.String("key", cred.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, &Failure{Kind: ProviderError, Message: "completion call failed", Attempts: attempt, Err: err}
		}

		res := &Result{Raw: resp.Text(), Usage: resp.Usage, Attempts: attempt, KeyID: cred.ID}
		if g.costs != nil {
			res.CostUSD = g.costs.AddClaude(g.settings.Model,
				resp.Usage.InputTokens, resp.Usage.OutputTokens,
				resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)
		}

		fields, err := Parse(res.Raw, req.Schema)
		if err != nil {
			log.Warn("gateway: unparseable response",
				zap.String("stop_reason", resp.StopReason),
				zap.Error(err),
			)
			return nil, &Failure{Kind: ParseError, Message: "response did not match schema", Attempts: attempt, Err: err}
		}
		res.Fields = fields

		log.Debug("gateway: completion ok",
			zap.String("key", cred.ID),
			zap.Int("attempt", attempt),
			zap.Int64("input_tokens", resp.Usage.InputTokens),
			zap.Int64("output_tokens", resp.Usage.OutputTokens),
			zap.Duration("elapsed", time.Since(start)),
		)
		return res, nil
	}

	return nil, &Failure{Kind: ExhaustedRetries, Message: "every attempt was rate limited", Attempts: maxAttempts, Err: lastErr}
}

func (g *Gateway) buildRequest(req Request, apiKey string) anthropic.MessageRequest {
	temp := g.settings.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	maxTokens := g.settings.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	prompt := req.Prompt
	if instr := req.Schema.Instructions(); instr != "" {
		prompt += "\n\n" + instr
	}

	mr := anthropic.MessageRequest{
		APIKey:      apiKey,
		Model:       g.settings.Model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	}
	if req.System != "" {
		block := anthropic.SystemBlock{Text: req.System}
		if g.settings.CacheTTL != "" {
			block.CacheControl = &anthropic.CacheControl{TTL: g.settings.CacheTTL}
		}
		mr.System = []anthropic.SystemBlock{block}
	}
	return mr
}

// PoolStats exposes the credential pool snapshot.
func (g *Gateway) PoolStats() keypool.Stats {
	return g.pool.Stats()
}
