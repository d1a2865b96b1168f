package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shadow-cli/internal/cost"
	"github.com/sells-group/shadow-cli/internal/keypool"
	"github.com/sells-group/shadow-cli/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 100},
	}
}

func withKey(key string) any {
	return mock.MatchedBy(func(r anthropic.MessageRequest) bool { return r.APIKey == key })
}

func newPool(t *testing.T, keys ...string) *keypool.Pool {
	t.Helper()
	p, err := keypool.New(keys, keypool.WithCooldown(time.Hour))
	require.NoError(t, err)
	return p
}

var testSchema = Schema{"original": "the sentence", "imitation": "the rewrite"}

func TestComplete_Success(t *testing.T) {
	client := new(mockClient)
	pool := newPool(t, "key-a", "key-b")
	tracker := cost.NewTracker(cost.NewCalculator(cost.Rates{
		Anthropic: map[string]cost.ModelRate{"m": {Input: 1, Output: 5}},
	}))
	gw := New(client, pool, Settings{Model: "m", MaxTokens: 512, Temperature: 0.1}, tracker)

	client.On("CreateMessage", mock.Anything, withKey("key-a")).
		Return(textResponse("```json\n{\"original\": \"a\", \"imitation\": \"b\"}\n```"), nil).Once()

	res, err := gw.Complete(context.Background(), Request{Stage: "generate", Prompt: "go", Schema: testSchema})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Fields["original"])
	assert.Equal(t, "b", res.Fields["imitation"])
	assert.Equal(t, 1, res.Attempts)
	assert.InDelta(t, 0.0015, res.CostUSD, 1e-9)
	assert.Equal(t, int64(1), pool.Stats().TotalCalls)
	assert.Equal(t, int64(1), tracker.Summary().Claude["m"].Calls)
	client.AssertExpectations(t)
}

func TestComplete_BuildsRequest(t *testing.T) {
	client := new(mockClient)
	gw := New(client, newPool(t, "key-a"), Settings{Model: "m", MaxTokens: 512, Temperature: 0.1}, nil)

	override := 0.7
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "m" &&
			r.MaxTokens == 512 &&
			r.Temperature != nil && *r.Temperature == 0.7 &&
			len(r.System) == 1 && r.System[0].Text == "sys" && r.System[0].CacheControl == nil &&
			len(r.Messages) == 1 &&
			strings.HasPrefix(r.Messages[0].Content, "prompt body") &&
			strings.Contains(r.Messages[0].Content, "- imitation: the rewrite")
	})).Return(textResponse(`{"original": "a", "imitation": "b"}`), nil).Once()

	_, err := gw.Complete(context.Background(), Request{
		System: "sys", Prompt: "prompt body", Schema: testSchema, Temperature: &override,
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestComplete_CachesSystemPrompt(t *testing.T) {
	client := new(mockClient)
	gw := New(client, newPool(t, "key-a"), Settings{Model: "m", CacheTTL: "1h"}, nil)

	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return len(r.System) == 1 && r.System[0].CacheControl != nil && r.System[0].CacheControl.TTL == "1h"
	})).Return(textResponse(`{"original": "a", "imitation": "b"}`), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return len(r.System) == 0
	})).Return(textResponse(`{"original": "a", "imitation": "b"}`), nil).Once()

	_, err := gw.Complete(context.Background(), Request{System: "sys", Prompt: "p", Schema: testSchema})
	require.NoError(t, err)
	_, err = gw.Complete(context.Background(), Request{Prompt: "p", Schema: testSchema})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestComplete_ParseErrorNotRetried(t *testing.T) {
	client := new(mockClient)
	pool := newPool(t, "key-a", "key-b")
	gw := New(client, pool, Settings{Model: "m"}, nil)

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("I cannot help with that."), nil).Once()

	_, err := gw.Complete(context.Background(), Request{Schema: testSchema})
	require.Error(t, err)
	assert.Equal(t, ParseError, KindOf(err))
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
	assert.Equal(t, int64(1), pool.Stats().TotalCalls)
}

func TestComplete_MissingFieldIsParseError(t *testing.T) {
	client := new(mockClient)
	gw := New(client, newPool(t, "key-a"), Settings{Model: "m"}, nil)

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"original": "a", "imitation": null}`), nil).Once()

	_, err := gw.Complete(context.Background(), Request{Schema: testSchema})
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ParseError, f.Kind)
	assert.Contains(t, f.Error(), "imitation")
}

func TestComplete_ProviderErrorNotRetried(t *testing.T) {
	client := new(mockClient)
	pool := newPool(t, "key-a", "key-b")
	gw := New(client, pool, Settings{Model: "m"}, nil)

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("401 invalid x-api-key")).Once()

	_, err := gw.Complete(context.Background(), Request{Schema: testSchema})
	assert.Equal(t, ProviderError, KindOf(err))
	client.AssertNumberOfCalls(t, "CreateMessage", 1)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Keys[0].Failures)
	assert.False(t, stats.Keys[0].CoolingDown)
}

func TestComplete_RateLimitRotates(t *testing.T) {
	client := new(mockClient)
	pool := newPool(t, "key-a", "key-b")
	gw := New(client, pool, Settings{Model: "m"}, nil)

	client.On("CreateMessage", mock.Anything, withKey("key-a")).
		Return(nil, errors.New("429 Too Many Requests")).Once()
	client.On("CreateMessage", mock.Anything, withKey("key-b")).
		Return(textResponse(`{"original": "a", "imitation": "b"}`), nil).Once()

	res, err := gw.Complete(context.Background(), Request{Schema: testSchema})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(2), pool.Stats().TotalCalls)
	assert.True(t, pool.Stats().Keys[0].CoolingDown)
	client.AssertExpectations(t)
}

func TestComplete_AllRateLimitedExhausts(t *testing.T) {
	client := new(mockClient)
	pool := newPool(t, "key-a", "key-b")
	gw := New(client, pool, Settings{Model: "m"}, nil)

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("rate_limit_error: quota exceeded"))

	done := make(chan error, 1)
	go func() {
		_, err := gw.Complete(context.Background(), Request{Schema: testSchema})
		done <- err
	}()

	select {
	case err := <-done:
		var f *Failure
		require.True(t, errors.As(err, &f))
		assert.Equal(t, ExhaustedRetries, f.Kind)
		assert.Equal(t, 2, f.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway retried past the pool size")
	}
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
	assert.Equal(t, int64(2), pool.Stats().TotalCalls)
}

func TestComplete_CanceledBeforeCall(t *testing.T) {
	client := new(mockClient)
	gw := New(client, newPool(t, "key-a"), Settings{Model: "m"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Complete(ctx, Request{Schema: testSchema})
	assert.Equal(t, Canceled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestComplete_CanceledWhileCoolingDown(t *testing.T) {
	client := new(mockClient)
	pool := newPool(t, "key-a")
	pool.MarkFailure(keypool.Credential{Secret: "key-a"}, "rate limit")
	gw := New(client, pool, Settings{Model: "m"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.Complete(ctx, Request{Schema: testSchema})
	assert.Equal(t, Canceled, KindOf(err))
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestComplete_CanceledDuringCall(t *testing.T) {
	client := new(mockClient)
	gw := New(client, newPool(t, "key-a", "key-b"), Settings{Model: "m"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, errors.New("context canceled")).Once()

	_, err := gw.Complete(ctx, Request{Schema: testSchema})
	assert.Equal(t, Canceled, KindOf(err))
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}
