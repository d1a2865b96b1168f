package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/pipeline"
	"github.com/sells-group/shadow-cli/internal/source"
)

var (
	runFile string
	runURL  string
	runUser string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the shadow-writing pipeline over a single transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (runFile == "") == (runURL == "") {
			return eris.New("exactly one of --file or --url is required")
		}

		ctx := cmd.Context()
		env, err := initPipeline(ctx, "run", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		doc, err := loadDocument(ctx, env, runFile, runURL)
		if err != nil {
			return err
		}
		return runDocument(ctx, env, *doc, runUser, os.Stdout)
	},
}

// loadDocument reads a transcript file or fetches a talk page.
func loadDocument(ctx context.Context, env *pipelineEnv, path, docURL string) (*model.Document, error) {
	if path != "" {
		doc, err := source.ReadFile(path, cfg.Pipeline.MinDocumentChars)
		return doc, eris.Wrap(err, "read transcript")
	}
	if env.Source == nil {
		return nil, eris.New("--url requires jina.key")
	}
	doc, err := env.Source.Fetch(ctx, docURL)
	return doc, eris.Wrap(err, "fetch transcript")
}

// runDocument processes doc and writes the chunk-ordered result as JSON.
func runDocument(ctx context.Context, env *pipelineEnv, doc model.Document, userID string, w io.Writer) error {
	res := env.Pipeline.RunDocument(ctx, doc, pipeline.ForUser(userID))
	res.SortByChunk()

	zap.L().Info("run complete",
		zap.String("title", doc.Title),
		zap.Int("chunks", res.Chunks),
		zap.Int("results", res.ResultCount()),
		zap.Int("errors", len(res.Errors)),
		zap.Float64("cost_usd", env.Costs.Summary().TotalUSD),
	)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(res), "encode result")
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "transcript text file")
	runCmd.Flags().StringVar(&runURL, "url", "", "talk page URL (requires jina.key)")
	runCmd.Flags().StringVar(&runUser, "user", "", "user id for learning history")
	rootCmd.AddCommand(runCmd)
}
