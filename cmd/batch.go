package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/model"
)

var (
	batchURLs []string
	batchUser string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process several talk URLs as one job, printing progress events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "batch", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := runBatch(ctx, env, batchURLs, batchUser, os.Stdout)
		if err != nil {
			return err
		}
		if job.Status == model.JobFailed {
			return eris.Errorf("batch %s failed: %s", job.ID, job.Reason)
		}
		return nil
	},
}

// runBatch runs one job to completion, writing each progress event to w
// as a JSON line. Canceling ctx fails the job.
func runBatch(ctx context.Context, env *pipelineEnv, urls []string, userID string, w io.Writer) (model.Job, error) {
	id, err := env.Batch.Create(urls, userID)
	if err != nil {
		return model.Job{}, err
	}
	log := zap.L().With(zap.String("task_id", id))

	interrupt := func() {
		if env.Batch.Cancel(id, "interrupted") {
			log.Warn("batch interrupted")
		}
	}
	if ctx.Err() != nil {
		interrupt()
	}
	stop := context.AfterFunc(ctx, interrupt)
	defer stop()

	// The job itself runs detached so cancellation goes through Cancel and
	// still ends with a completed event.
	done := make(chan model.Job, 1)
	go func() { done <- env.Batch.Run(context.WithoutCancel(ctx), id) }()

	enc := json.NewEncoder(w)
	for ev := range env.Hub.Subscribe(context.WithoutCancel(ctx), id, 0) {
		if err := enc.Encode(ev); err != nil {
			log.Warn("write event", zap.Error(err))
		}
	}

	job := <-done
	log.Info("batch finished",
		zap.String("status", string(job.Status)),
		zap.Int("successful", len(job.Results)),
		zap.Int("failed", len(job.Errors)),
	)
	return job, nil
}

func init() {
	batchCmd.Flags().StringArrayVar(&batchURLs, "url", nil, "talk URL (repeatable)")
	batchCmd.Flags().StringVar(&batchUser, "user", "", "user id for learning history")
	_ = batchCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(batchCmd)
}
