package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/config"
)

var (
	cfg      *config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "shadow-cli",
	Short: "Shadow-writing exercise pipeline",
	Long: `Turns talk transcripts into sentence imitation exercises. Each transcript
is split into chunks; every chunk is drafted, checked, scored and, when
weak, corrected by Claude, rotating API keys on rate limits.

  run     process one transcript from a file or talk URL
  batch   process several talk URLs as one job, streaming progress
  serve   expose processing, jobs and progress over HTTP
  keys    show the configured API keys (masked)

Configuration comes from config.yaml and SHADOW_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c

		return eris.Wrap(config.InitLogger(cfg.Log), "init logger")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
