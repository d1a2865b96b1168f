package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/pkg/jina"
)

// newReaderServer serves the good talk's transcript and 404s everything else.
func newReaderServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/talks/good/transcript") {
			http.Error(w, `{"code":404}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jina.ReadResponse{
			Code: 200,
			Data: jina.ReadData{
				Title:   "Ada Example: How we learn | TED Talk",
				URL:     "https://www.ted.com/talks/good/transcript",
				Content: talkText[strings.Index(talkText, "When we learn"):],
				Usage:   jina.ReadUsage{Tokens: 900},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunBatch_StreamsEvents(t *testing.T) {
	c := testConfig(t)
	c.Jina.Key = "jina-test"
	c.Jina.BaseURL = newReaderServer(t).URL
	c.Jina.RequestsPerSec = 50
	env, _ := newTestEnv(t, "batch")

	urls := []string{"https://www.ted.com/talks/good", "https://www.ted.com/talks/missing"}
	var buf bytes.Buffer
	job, err := runBatch(context.Background(), env, urls, "u1", &buf)
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, job.Status)
	require.Len(t, job.Results, 1)
	assert.Equal(t, "How we learn", job.Results[0].Info.Title)
	assert.Equal(t, 2, job.Results[0].ResultCount)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "https://www.ted.com/talks/missing", job.Errors[0].URL)

	var events []model.Event
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var ev model.Event
		require.NoError(t, dec.Decode(&ev))
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventStarted, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, model.EventCompleted, last.Type)
	assert.EqualValues(t, 1, last.Payload["successful"])
	assert.EqualValues(t, 1, last.Payload["failed"])
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].ID+1, events[i].ID)
	}
}

func TestRunBatch_InterruptFailsJob(t *testing.T) {
	c := testConfig(t)
	c.Jina.Key = "jina-test"
	c.Jina.BaseURL = newReaderServer(t).URL
	env, _ := newTestEnv(t, "batch")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	job, err := runBatch(ctx, env, []string{"https://www.ted.com/talks/good"}, "", &buf)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, "interrupted", job.Reason)
	assert.Contains(t, buf.String(), `"type":"completed"`)
}

func TestRunBatch_RejectsEmpty(t *testing.T) {
	c := testConfig(t)
	c.Jina.Key = "jina-test"
	env, _ := newTestEnv(t, "batch")

	_, err := runBatch(context.Background(), env, nil, "", &bytes.Buffer{})
	require.Error(t, err)
}
