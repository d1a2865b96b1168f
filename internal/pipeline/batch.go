package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/progress"
	"github.com/sells-group/shadow-cli/internal/stage"
	"github.com/sells-group/shadow-cli/internal/task"
)

// Step names carried by document-level step events.
const (
	StepExtracting = "extracting_transcript"
	StepGenerating = "shadow_writing"
)

// Fetcher loads a document by URL.
type Fetcher interface {
	Fetch(ctx context.Context, docURL string) (*model.Document, error)
}

// BatchOptions configures a Batch.
type BatchOptions struct {
	// MaxDocuments caps the URLs accepted per job.
	MaxDocuments int
	// Concurrency bounds documents of one job in flight at once.
	Concurrency int
}

// Batch runs jobs over lists of document URLs, recording state in the
// registry and publishing progress events.
type Batch struct {
	pipe     *Pipeline
	src      Fetcher
	registry *task.Registry
	hub      *progress.Hub
	opts     BatchOptions

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewBatch creates a Batch.
func NewBatch(pipe *Pipeline, src Fetcher, registry *task.Registry, hub *progress.Hub, opts BatchOptions) *Batch {
	if opts.MaxDocuments < 1 {
		opts.MaxDocuments = 10
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Batch{
		pipe:     pipe,
		src:      src,
		registry: registry,
		hub:      hub,
		opts:     opts,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// ErrBatchSize is returned for an empty or oversized URL list.
var ErrBatchSize = eris.New("pipeline: batch size out of range")

// Create validates urls and registers a pending job without starting it.
func (b *Batch) Create(urls []string, userID string) (string, error) {
	if len(urls) == 0 || len(urls) > b.opts.MaxDocuments {
		return "", eris.Wrapf(ErrBatchSize, "got %d, allowed 1-%d", len(urls), b.opts.MaxDocuments)
	}
	return b.registry.Create(urls, userID), nil
}

// Start creates a job and runs it in the background under ctx. The job id
// is returned immediately.
func (b *Batch) Start(ctx context.Context, urls []string, userID string) (string, error) {
	id, err := b.Create(urls, userID)
	if err != nil {
		return "", err
	}
	go b.Run(ctx, id)
	return id, nil
}

// Cancel fails a running job and cancels its work. In-flight chunks stop
// at their next stage boundary; their late reports are dropped.
func (b *Batch) Cancel(jobID, reason string) bool {
	if !b.registry.Fail(jobID, reason) {
		return false
	}
	b.mu.Lock()
	cancel, ok := b.cancels[jobID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return true
}

// Run processes a created job to completion and returns its final
// snapshot. The job always ends with a completed event.
func (b *Batch) Run(ctx context.Context, jobID string) model.Job {
	job, ok := b.registry.Get(jobID)
	if !ok {
		return model.Job{}
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels[jobID] = cancel
	b.mu.Unlock()
	defer func() {
		cancel()
		b.mu.Lock()
		delete(b.cancels, jobID)
		b.mu.Unlock()
	}()

	log := zap.L().With(zap.String("job_id", jobID))
	total := len(job.Items)
	b.registry.Start(jobID)
	b.emit(jobID, model.EventStarted, map[string]any{
		"total":   total,
		"message": fmt.Sprintf("processing %d documents", total),
	})
	log.Info("pipeline: batch started", zap.Int("total", total))

	g := new(errgroup.Group)
	g.SetLimit(b.opts.Concurrency)
	for i, u := range job.Items {
		g.Go(func() error {
			b.runItem(ctx, job, i+1, u)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		b.registry.Fail(jobID, "canceled: "+context.Cause(ctx).Error())
	}
	b.registry.Complete(jobID)

	final, _ := b.registry.Get(jobID)
	payload := map[string]any{
		"status":     string(final.Status),
		"total":      total,
		"successful": len(final.Results),
		"failed":     len(final.Errors),
		"message":    fmt.Sprintf("done: %d/%d succeeded", len(final.Results), total),
	}
	if final.Reason != "" {
		payload["reason"] = final.Reason
	}
	b.hub.Publish(jobID, model.EventCompleted, payload)

	log.Info("pipeline: batch finished",
		zap.String("status", string(final.Status)),
		zap.Int("successful", len(final.Results)),
		zap.Int("failed", len(final.Errors)),
	)
	return final
}

func (b *Batch) runItem(ctx context.Context, job model.Job, current int, docURL string) {
	if !b.registry.Active(job.ID) || ctx.Err() != nil {
		return
	}
	total := len(job.Items)
	base := func(extra map[string]any) map[string]any {
		m := map[string]any{"current": current, "total": total, "url": docURL}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	b.registry.UpdateProgress(job.ID, current, docURL)
	b.emit(job.ID, model.EventProgress, base(map[string]any{
		"status": fmt.Sprintf("Processing %d/%d", current, total),
	}))
	b.emit(job.ID, model.EventStep, base(map[string]any{"step": StepExtracting}))

	doc, err := b.src.Fetch(ctx, docURL)
	if err != nil {
		msg := fmt.Sprintf("Error processing %s: %v", docURL, err)
		zap.L().Warn("pipeline: fetch failed", zap.String("job_id", job.ID), zap.String("url", docURL), zap.Error(err))
		b.registry.AddError(job.ID, docURL, msg)
		b.emit(job.ID, model.EventError, base(map[string]any{"error": msg}))
		return
	}

	b.emit(job.ID, model.EventStep, base(map[string]any{"step": StepGenerating}))

	res := b.pipe.RunDocument(ctx, *doc,
		ForUser(job.UserID),
		OnStep(func(c model.Chunk, st stage.Name) {
			b.emit(job.ID, model.EventStep, base(map[string]any{
				"step":        StepGenerating,
				"chunk_index": c.Index,
				"chunk_total": c.Total,
				"stage":       string(st),
			}))
		}),
	)
	res.SortByChunk()

	b.registry.AddResult(job.ID, model.ItemResult{
		URL:         docURL,
		Info:        res.Info,
		Results:     res.Results,
		ResultCount: res.ResultCount(),
		ChunkErrors: res.Errors,
	})
	for _, ce := range res.Errors {
		ie := model.ChunkFailure(docURL, ce)
		b.registry.AddItemError(job.ID, ie)
		b.emit(job.ID, model.EventError, base(map[string]any{
			"error":       ie.Message,
			"chunk_index": ce.ChunkIndex,
			"stage":       ce.Stage,
			"kind":        ce.Kind,
		}))
	}
	b.emit(job.ID, model.EventItemCompleted, base(map[string]any{
		"result_count": res.ResultCount(),
		"chunk_errors": len(res.Errors),
		"message":      fmt.Sprintf("done (%d/%d): %d results", current, total, res.ResultCount()),
	}))
}

// emit publishes unless the job is already terminal.
func (b *Batch) emit(jobID string, typ model.EventType, payload map[string]any) {
	if !b.registry.Active(jobID) {
		return
	}
	b.hub.Publish(jobID, typ, payload)
}
