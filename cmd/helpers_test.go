package main

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/shadow-cli/internal/config"
	"github.com/sells-group/shadow-cli/pkg/anthropic"
)

const (
	draftJSON = `{"original": "When we learn something new our brain builds fresh connections every day",
		"imitation": "When we travel somewhere new our heart collects fresh memories every single day",
		"map": {"learn": ["travel"], "brain": ["heart"]}}`
	assessJSON = `{"step1_grammar": 3, "step2_content": 3, "step3_logic": 2, "step3_issues": [],
		"step4_topic": 2, "step5_learning": 1, "logic_veto": false, "reasoning": "solid"}`
)

// scriptedLLM answers every stage with a passing exercise.
type scriptedLLM struct {
	calls atomic.Int32
}

func (s *scriptedLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	s.calls.Add(1)
	body := draftJSON
	if strings.Contains(req.Messages[0].Content, "step1_grammar") {
		body = assessJSON
	}
	return &anthropic.MessageResponse{
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   anthropic.TokenUsage{InputTokens: 400, OutputTokens: 60},
	}, nil
}

// testConfig installs a config backed by a temp sqlite history.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg = &config.Config{
		Anthropic: config.AnthropicConfig{
			Keys:        []string{"sk-ant-test-key-aaaaaaaa", "sk-ant-test-key-bbbbbbbb"},
			Model:       "claude-haiku-4-5-20251001",
			MaxTokens:   1024,
			TimeoutSecs: 5,
		},
		KeyPool: config.KeyPoolConfig{
			CooldownSecs:      60,
			RateLimitKeywords: []string{"rate", "limit"},
		},
		Pipeline: config.PipelineConfig{
			MaxConcurrentChunks: 2,
			QualityThreshold:    6,
			MinWords:            8,
			MinMapEntries:       2,
			MinDocumentChars:    50,
		},
		Chunker:  config.ChunkerConfig{TargetChars: 120, MaxChars: 200, MinChars: 20},
		Batch:    config.BatchConfig{MaxDocuments: 5, MaxConcurrentDocuments: 1},
		Tasks:    config.TasksConfig{MaxAgeHours: 24, SweepIntervalMins: 30},
		Progress: config.ProgressConfig{MaxEventsPerJob: 100},
		History: config.HistoryConfig{
			Driver:           "sqlite",
			DatabaseURL:      filepath.Join(t.TempDir(), "history.db"),
			BreakerThreshold: 3,
			BreakerResetSecs: 30,
		},
		Server: config.ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
	return cfg
}

func newTestEnv(t *testing.T, mode string) (*pipelineEnv, *scriptedLLM) {
	t.Helper()
	llm := &scriptedLLM{}
	env, err := initPipeline(context.Background(), mode, llm)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env, llm
}

const talkText = `Title: How we learn
Speaker: Ada Example
URL: https://www.ted.com/talks/ada_example_how_we_learn
Transcript:
When we learn something new, our brain builds fresh connections every day.

Practice turns those fragile connections into habits that last for years.`
