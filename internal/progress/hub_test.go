package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shadow-cli/internal/model"
)

func ids(evs []model.Event) []int64 {
	out := make([]int64, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.ID)
	}
	return out
}

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	h := NewHub()
	for i := 0; i < 3; i++ {
		ev, ok := h.Publish("job", model.EventProgress, map[string]any{"current": i})
		require.True(t, ok)
		assert.Equal(t, int64(i+1), ev.ID)
		assert.Equal(t, "job", ev.JobID)
	}
	other, _ := h.Publish("other", model.EventStarted, nil)
	assert.Equal(t, int64(1), other.ID)
	latest, ok := h.Latest("job")
	require.True(t, ok)
	assert.Equal(t, int64(3), latest.ID)
	assert.Equal(t, 2, latest.Payload["current"])

	_, ok = h.Latest("missing")
	assert.False(t, ok)
	h.Open("empty")
	_, ok = h.Latest("empty")
	assert.False(t, ok)
}

func TestReplayAfter(t *testing.T) {
	h := NewHub()
	for i := 0; i < 5; i++ {
		h.Publish("job", model.EventStep, nil)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(h.Replay("job", 0)))
	assert.Equal(t, []int64{4, 5}, ids(h.Replay("job", 3)))
	assert.Empty(t, h.Replay("job", 5))
	assert.Empty(t, h.Replay("missing", 0))
}

func TestNothingAfterFinal(t *testing.T) {
	h := NewHub()
	h.Publish("job", model.EventStarted, nil)
	h.Publish("job", model.EventCompleted, map[string]any{"total": 1})
	_, ok := h.Publish("job", model.EventError, nil)
	assert.False(t, ok)
	latest, _ := h.Latest("job")
	assert.Equal(t, model.EventCompleted, latest.Type)
	assert.Equal(t, int64(2), latest.ID)
}

func TestCapacityDropsOldest(t *testing.T) {
	h := NewHub(WithCapacity(3))
	for i := 0; i < 5; i++ {
		h.Publish("job", model.EventStep, nil)
	}
	assert.Equal(t, []int64{3, 4, 5}, ids(h.Replay("job", 0)))
	ev, _ := h.Publish("job", model.EventStep, nil)
	assert.Equal(t, int64(6), ev.ID)
}

func TestWaitBlocksUntilPublish(t *testing.T) {
	h := NewHub()
	h.Open("job")
	got := make(chan []model.Event, 1)
	go func() {
		evs, err := h.Wait(context.Background(), "job", 0)
		assert.NoError(t, err)
		got <- evs
	}()

	time.Sleep(10 * time.Millisecond)
	h.Publish("job", model.EventStarted, nil)

	select {
	case evs := <-got:
		assert.Equal(t, []int64{1}, ids(evs))
	case <-time.After(time.Second):
		t.Fatal("wait did not wake")
	}
}

func TestWaitCanceled(t *testing.T) {
	h := NewHub()
	h.Open("job")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Wait(ctx, "job", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeReconnectDeliversExactlyOnce(t *testing.T) {
	h := NewHub()
	h.Publish("job", model.EventStarted, nil)
	h.Publish("job", model.EventProgress, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := h.Subscribe(ctx, "job", 0)
	var seen []int64
	for ev := range first {
		seen = append(seen, ev.ID)
		if ev.ID == 2 {
			break
		}
	}
	cancel()

	h.Publish("job", model.EventStep, nil)
	h.Publish("job", model.EventCompleted, nil)

	second := h.Subscribe(context.Background(), "job", seen[len(seen)-1])
	for ev := range second {
		seen = append(seen, ev.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, seen)
}

func TestSubscribeConcurrentPublishers(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.Open("job")
	sub := h.Subscribe(ctx, "job", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h.Publish("job", model.EventStep, nil)
			}
		}()
	}
	go func() {
		wg.Wait()
		h.Publish("job", model.EventCompleted, nil)
	}()

	var got []int64
	for ev := range sub {
		got = append(got, ev.ID)
	}
	require.Len(t, got, 201)
	for i, id := range got {
		assert.Equal(t, int64(i+1), id)
	}
}

func TestWaitUnopenedDoesNotCreate(t *testing.T) {
	h := NewHub()
	evs, err := h.Wait(context.Background(), "swept", 0)
	require.NoError(t, err)
	assert.Nil(t, evs)
	assert.Zero(t, h.Len())

	for range h.Subscribe(context.Background(), "swept", 0) {
		t.Fatal("unexpected event")
	}
	assert.Zero(t, h.Len())
}

func TestOpenIsIdempotent(t *testing.T) {
	h := NewHub()
	h.Open("job")
	h.Publish("job", model.EventStarted, nil)
	h.Open("job")
	assert.Equal(t, []int64{1}, ids(h.Replay("job", 0)))
	assert.Equal(t, 1, h.Len())
}

func TestDropReleasesWaiters(t *testing.T) {
	h := NewHub()
	h.Publish("job", model.EventStarted, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		evs, err := h.Wait(context.Background(), "job", 1)
		assert.NoError(t, err)
		assert.Empty(t, evs)
	}()
	time.Sleep(10 * time.Millisecond)
	h.Drop("job")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drop did not release waiter")
	}
	assert.Equal(t, 0, h.Len())
}
