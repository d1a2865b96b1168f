package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for processing, batch jobs and progress streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		go env.runSweeper(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newAPIServer(ctx, env).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newAPIServer wires env into the HTTP handlers. Batch jobs run under ctx
// so they stop with the process rather than with the submitting request.
func newAPIServer(ctx context.Context, env *pipelineEnv) *api.Server {
	deps := api.Deps{
		Processor: env.Pipeline,
		Registry:  env.Registry,
		Hub:       env.Hub,
		History:   env.History,
		KeyStats:  env.Pool.Stats,
		Costs:     env.Costs,
	}
	if env.Batch != nil {
		deps.Jobs = env.Batch
	}
	if env.Source != nil {
		deps.Search = env.Source
	}
	return api.New(ctx, deps, api.Options{
		Model:            cfg.Anthropic.Model,
		MinDocumentChars: cfg.Pipeline.MinDocumentChars,
		CORSOrigins:      cfg.Server.CORSOrigins,
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
