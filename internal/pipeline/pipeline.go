// Package pipeline runs documents through the per-chunk stage graph and
// drives batch jobs over several documents.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/shadow-cli/internal/chunker"
	"github.com/sells-group/shadow-cli/internal/gateway"
	"github.com/sells-group/shadow-cli/internal/history"
	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/stage"
)

// KindCanceled marks a chunk that stopped because its context ended.
const KindCanceled = string(gateway.Canceled)

// StepFunc observes a chunk entering a stage. It may be called from many
// goroutines at once.
type StepFunc func(chunk model.Chunk, st stage.Name)

// Options configures a Pipeline.
type Options struct {
	// Concurrency bounds the chunks of one document in flight at once.
	Concurrency int
	Chunker     chunker.Options
}

// Pipeline composes the stage agents into the per-chunk graph.
type Pipeline struct {
	agents  *stage.Agents
	history history.Store
	opts    Options
}

// New creates a Pipeline. A nil store disables history.
func New(agents *stage.Agents, hist history.Store, opts Options) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if hist == nil {
		hist = history.Nop{}
	}
	return &Pipeline{agents: agents, history: hist, opts: opts}
}

type runConfig struct {
	userID string
	step   StepFunc
}

// RunOption configures a single RunDocument call.
type RunOption func(*runConfig)

// ForUser saves the document's results to the user's history.
func ForUser(userID string) RunOption {
	return func(c *runConfig) { c.userID = userID }
}

// OnStep registers a per-chunk stage observer.
func OnStep(fn StepFunc) RunOption {
	return func(c *runConfig) { c.step = fn }
}

// RunDocument splits doc into chunks, runs each through the stage graph
// with bounded concurrency, and collects results in completion order.
// Every chunk contributes either a FinalResult or a ChunkError.
func (p *Pipeline) RunDocument(ctx context.Context, doc model.Document, opts ...RunOption) model.DocumentResult {
	rc := runConfig{step: func(model.Chunk, stage.Name) {}}
	for _, o := range opts {
		o(&rc)
	}

	log := zap.L().With(zap.String("url", doc.URL), zap.String("title", doc.Title))
	start := time.Now()

	chunks := chunker.Split(doc.Transcript, p.opts.Chunker)
	out := model.DocumentResult{
		Info:    doc.Info(),
		Results: []model.FinalResult{},
		Chunks:  len(chunks),
	}
	log.Info("pipeline: document split", zap.Int("chunks", len(chunks)))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.opts.Concurrency)
	for _, c := range chunks {
		g.Go(func() error {
			res, cerr := p.runChunk(ctx, c, rc.step)

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				out.Results = append(out.Results, *res)
			}
			if cerr != nil {
				out.Errors = append(out.Errors, *cerr)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("pipeline: document complete",
		zap.Int("results", len(out.Results)),
		zap.Int("errors", len(out.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if rc.userID != "" && len(out.Results) > 0 {
		if err := p.history.Save(context.WithoutCancel(ctx), history.NewRecord(rc.userID, out)); err != nil {
			log.Warn("pipeline: history save failed", zap.Error(err))
		}
	}
	return out
}

// runChunk walks one chunk through generate, validate, assess, the
// optional correct, and finalize. Exactly one of the returns is non-nil.
func (p *Pipeline) runChunk(ctx context.Context, c model.Chunk, step StepFunc) (*model.FinalResult, *model.ChunkError) {
	enter := func(st stage.Name) *model.ChunkError {
		if err := ctx.Err(); err != nil {
			return &model.ChunkError{ChunkIndex: c.Index, Stage: string(st), Kind: KindCanceled, Message: err.Error()}
		}
		step(c, st)
		return nil
	}

	if cerr := enter(stage.Generate); cerr != nil {
		return nil, cerr
	}
	draft := p.agents.Generate(ctx, c)
	if !draft.OK() {
		return nil, chunkError(c, draft.Failure)
	}

	if cerr := enter(stage.Validate); cerr != nil {
		return nil, cerr
	}
	validated := p.agents.Validate(draft.Value)
	if !validated.OK() {
		return nil, chunkError(c, validated.Failure)
	}

	if cerr := enter(stage.Assess); cerr != nil {
		return nil, cerr
	}
	assessed := p.agents.Assess(ctx, validated.Value)
	if !assessed.OK() {
		zap.L().Debug("pipeline: assessment failed, treating as not passed",
			zap.Int("chunk", c.Index),
			zap.String("kind", assessed.Failure.Kind),
		)
	}

	var corrected stage.Outcome[model.Shadow]
	if !assessed.OK() || !assessed.Value.Pass {
		if cerr := enter(stage.Correct); cerr != nil {
			return nil, cerr
		}
		corrected = p.agents.Correct(ctx, validated.Value, assessed.Value)
		if !corrected.OK() {
			zap.L().Debug("pipeline: correction failed, keeping validated shadow",
				zap.Int("chunk", c.Index),
				zap.String("kind", corrected.Failure.Kind),
			)
		}
	}

	// Finalize is pure and cheap; it runs even if ctx ended during
	// correction so the validated shadow is not lost.
	step(c, stage.Finalize)
	final := stage.FinalizeResult(validated.Value, assessed.Value, corrected)
	if !final.OK() {
		return nil, chunkError(c, final.Failure)
	}
	return final.Value, nil
}

func chunkError(c model.Chunk, f *stage.Failure) *model.ChunkError {
	kind := f.Kind
	if errors.Is(f.Err, context.Canceled) || errors.Is(f.Err, context.DeadlineExceeded) {
		kind = KindCanceled
	}
	return &model.ChunkError{
		ChunkIndex: c.Index,
		Stage:      string(f.Stage),
		Kind:       kind,
		Message:    f.Message,
	}
}
