package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shadow-cli/internal/chunker"
	"github.com/sells-group/shadow-cli/internal/gateway"
	"github.com/sells-group/shadow-cli/internal/history"
	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/prompts"
	"github.com/sells-group/shadow-cli/internal/stage"
)

// Markers in chunk text steer the fake backend.
const (
	markMalformed = "MALFORMED"
	markWeak      = "WEAK"
	markBroken    = "BROKEN"
)

// fakeLLM answers by stage, echoing the chunk as the original sentence so
// later prompts still carry the markers.
type fakeLLM struct {
	mu    sync.Mutex
	calls map[string]int
}

func newFakeLLM() *fakeLLM { return &fakeLLM{calls: make(map[string]int)} }

func (f *fakeLLM) count(st string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[st]
}

func (f *fakeLLM) Complete(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	f.mu.Lock()
	f.calls[req.Stage]++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &gateway.Failure{Kind: gateway.Canceled, Message: "context done", Err: err}
	}

	switch req.Stage {
	case "generate":
		if strings.Contains(req.Prompt, markMalformed) {
			return nil, &gateway.Failure{Kind: gateway.ParseError, Message: "decode json", Attempts: 1}
		}
		passage := req.Prompt[strings.Index(req.Prompt, "PASSAGE:")+len("PASSAGE:"):]
		return &gateway.Result{Fields: map[string]any{
			"original":  strings.TrimSpace(passage),
			"imitation": "The more we explore the ocean the more we realize how much remains unseen",
			"map":       map[string]any{"learn": []any{"explore"}, "brain": []any{"ocean", "sky"}},
		}}, nil
	case "assess":
		score := 3.0
		if strings.Contains(req.Prompt, markWeak) || strings.Contains(req.Prompt, markBroken) {
			score = 0
		}
		return &gateway.Result{Fields: map[string]any{
			"step1_grammar": score, "step2_content": score, "step3_logic": min(score, 2),
			"step4_topic": min(score, 2), "step5_learning": min(score, 1),
			"step3_issues": []any{"logic drifts"}, "logic_veto": false, "reasoning": "ok",
		}}, nil
	case "correct":
		if strings.Contains(req.Prompt, markBroken) {
			return nil, &gateway.Failure{Kind: gateway.ProviderError, Message: "overloaded"}
		}
		return &gateway.Result{Fields: map[string]any{
			"imitation": "The more we travel the world the more we realize how much we have missed",
			"map":       map[string]any{"learn": []any{"travel"}, "brain": []any{"world"}},
		}}, nil
	}
	return nil, fmt.Errorf("unexpected stage %q", req.Stage)
}

var smallChunks = chunker.Options{TargetChars: 80, MaxChars: 120, MinChars: 10}

func para(i int, marker string) string {
	return fmt.Sprintf("Paragraph %d %s talks about how we learn with the brain every day.", i, marker)
}

func document(paras ...string) model.Document {
	return model.Document{
		Title:      "Test talk",
		Speaker:    "Tester",
		URL:        "https://www.ted.com/talks/test",
		Transcript: strings.Join(paras, "\n\n"),
	}
}

func newPipeline(t *testing.T, llm stage.Completer, hist history.Store, concurrency int) *Pipeline {
	t.Helper()
	catalog, err := prompts.Default()
	require.NoError(t, err)
	agents := stage.New(llm, catalog, stage.DefaultRules())
	return New(agents, hist, Options{Concurrency: concurrency, Chunker: smallChunks})
}

func TestRunDocument_MalformedChunk(t *testing.T) {
	llm := newFakeLLM()
	p := newPipeline(t, llm, nil, 3)

	res := p.RunDocument(context.Background(), document(para(0, ""), para(1, markMalformed), para(2, "")))

	require.Equal(t, 3, res.Chunks)
	assert.Len(t, res.Results, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].ChunkIndex)
	assert.Equal(t, string(stage.Generate), res.Errors[0].Stage)
	assert.Equal(t, string(gateway.ParseError), res.Errors[0].Kind)
	assert.Equal(t, "Test talk", res.Info.Title)
	assert.Equal(t, 0, llm.count("correct"))
}

func TestRunDocument_CorrectionBranch(t *testing.T) {
	p := newPipeline(t, newFakeLLM(), nil, 2)

	res := p.RunDocument(context.Background(), document(para(0, ""), para(1, markWeak)))
	res.SortByChunk()

	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Corrected)
	assert.True(t, res.Results[0].Assessment.Pass)

	weak := res.Results[1]
	assert.True(t, weak.Corrected)
	assert.Equal(t, 1, weak.Shadow.Revision)
	assert.Contains(t, weak.Shadow.Imitation, "travel the world")
	assert.False(t, weak.Assessment.Pass)
	assert.True(t, weak.Assessment.Veto)
}

func TestRunDocument_CorrectionFailureKeepsValidated(t *testing.T) {
	llm := newFakeLLM()
	p := newPipeline(t, llm, nil, 1)

	res := p.RunDocument(context.Background(), document(para(0, markBroken)))

	require.Len(t, res.Results, 1)
	assert.Empty(t, res.Errors)
	assert.False(t, res.Results[0].Corrected)
	assert.Equal(t, 0, res.Results[0].Shadow.Revision)
	assert.Contains(t, res.Results[0].Shadow.Imitation, "explore the ocean")
	assert.Equal(t, 1, llm.count("correct"))
}

func TestRunDocument_ConcurrencyDoesNotChangeResults(t *testing.T) {
	var paras []string
	for i := 0; i < 9; i++ {
		marker := ""
		switch i % 3 {
		case 1:
			marker = markWeak
		case 2:
			marker = markMalformed
		}
		paras = append(paras, para(i, marker))
	}
	doc := document(paras...)

	summarize := func(r model.DocumentResult) []string {
		var out []string
		for _, fr := range r.Results {
			out = append(out, fmt.Sprintf("ok:%d:%v:%s", fr.ChunkIndex, fr.Corrected, fr.Shadow.Imitation))
		}
		for _, ce := range r.Errors {
			out = append(out, fmt.Sprintf("err:%d:%s", ce.ChunkIndex, ce.Kind))
		}
		slices.Sort(out)
		return out
	}

	serial := newPipeline(t, newFakeLLM(), nil, 1).RunDocument(context.Background(), doc)
	parallel := newPipeline(t, newFakeLLM(), nil, 6).RunDocument(context.Background(), doc)

	assert.Len(t, serial.Results, 6)
	assert.Len(t, serial.Errors, 3)
	assert.Equal(t, summarize(serial), summarize(parallel))
}

func TestRunDocument_CanceledChunksReportStage(t *testing.T) {
	p := newPipeline(t, newFakeLLM(), nil, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.RunDocument(ctx, document(para(0, ""), para(1, ""), para(2, "")))

	assert.Empty(t, res.Results)
	require.Len(t, res.Errors, 3)
	for _, e := range res.Errors {
		assert.Equal(t, KindCanceled, e.Kind)
		assert.Equal(t, string(stage.Generate), e.Stage)
	}
}

func TestRunDocument_EmptyTranscript(t *testing.T) {
	res := newPipeline(t, newFakeLLM(), nil, 2).RunDocument(context.Background(), document())
	assert.Equal(t, 0, res.Chunks)
	assert.NotNil(t, res.Results)
	assert.Empty(t, res.Errors)
}

func TestRunDocument_StepHook(t *testing.T) {
	p := newPipeline(t, newFakeLLM(), nil, 2)

	var mu sync.Mutex
	seen := map[int][]stage.Name{}
	p.RunDocument(context.Background(), document(para(0, ""), para(1, markWeak)),
		OnStep(func(c model.Chunk, st stage.Name) {
			mu.Lock()
			seen[c.Index] = append(seen[c.Index], st)
			mu.Unlock()
		}),
	)

	assert.Equal(t, []stage.Name{stage.Generate, stage.Validate, stage.Assess, stage.Finalize}, seen[0])
	assert.Equal(t, []stage.Name{stage.Generate, stage.Validate, stage.Assess, stage.Correct, stage.Finalize}, seen[1])
}

type recordingStore struct {
	history.Nop
	mu    sync.Mutex
	saved []history.Record
}

func (r *recordingStore) Save(_ context.Context, rec history.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec)
	return nil
}

func TestRunDocument_SavesHistoryForUser(t *testing.T) {
	st := &recordingStore{}
	p := newPipeline(t, newFakeLLM(), st, 2)

	p.RunDocument(context.Background(), document(para(0, "")))
	assert.Empty(t, st.saved)

	p.RunDocument(context.Background(), document(para(0, ""), para(1, "")), ForUser("u1"))
	require.Len(t, st.saved, 1)
	assert.Equal(t, "u1", st.saved[0].UserID)
	assert.Equal(t, "https://www.ted.com/talks/test", st.saved[0].URL)
	assert.Equal(t, 2, st.saved[0].ResultCount)
}
