package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shadow-cli/internal/model"
)

type frame struct {
	id    int64
	event string
	data  model.Event
}

// readFrames parses SSE frames until the body ends, skipping comments.
func readFrames(t *testing.T, body io.Reader) []frame {
	t.Helper()
	var (
		out []frame
		cur frame
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				out = append(out, cur)
			}
			cur = frame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			cur.id = id
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data))
		}
	}
	return out
}

func streamURL(ts *httptest.Server, id string) string {
	return ts.URL + "/api/v1/task/" + id + "/stream"
}

func TestStream_ReplayThenLive(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	id := f.reg.Create([]string{"a"}, "")
	f.hub.Publish(id, model.EventStarted, map[string]any{"total": 1})
	f.hub.Publish(id, model.EventProgress, map[string]any{"current": 1})

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.hub.Publish(id, model.EventItemCompleted, map[string]any{"result_count": 2})
		f.hub.Publish(id, model.EventCompleted, map[string]any{"total": 1})
	}()

	resp, err := http.Get(streamURL(ts, id))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 5)
	assert.Equal(t, "connected", frames[0].event)
	assert.Zero(t, frames[0].id)
	for i, fr := range frames[1:] {
		assert.EqualValues(t, i+1, fr.id)
		assert.Equal(t, fr.id, fr.data.ID)
	}
	assert.Equal(t, "completed", frames[4].event)
}

func TestStream_ResumeFromLastEventID(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	id := f.reg.Create([]string{"a"}, "")
	for range 4 {
		f.hub.Publish(id, model.EventStep, nil)
	}
	f.hub.Publish(id, model.EventCompleted, nil)

	req, err := http.NewRequest(http.MethodGet, streamURL(ts, id)+"?after=1", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 3)
	assert.EqualValues(t, 4, frames[1].id)
	assert.EqualValues(t, 5, frames[2].id)
}

func TestStream_ClientDisconnect(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	id := f.reg.Create([]string{"a"}, "")
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL(ts, id), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	cancel()
	_, err = io.ReadAll(br)
	assert.Error(t, err)
	resp.Body.Close()
}

func TestStream_Errors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/task/missing/stream", nil).Code)

	id := f.reg.Create([]string{"a"}, "")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/task/"+id+"/stream", nil)
	req.Header.Set("Last-Event-ID", "abc")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteEvent(t *testing.T) {
	var b strings.Builder
	require.NoError(t, writeEvent(&b, model.Event{ID: 7, JobID: "j", Type: model.EventStep}))
	assert.True(t, strings.HasPrefix(b.String(), "id: 7\nevent: step\ndata: {"))
	assert.True(t, strings.HasSuffix(b.String(), "}\n\n"))
}
