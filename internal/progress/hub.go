// Package progress keeps an append-only event log per job and pushes new
// events to live subscribers. A reader that reconnects with the last id it
// saw gets every later event exactly once.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/shadow-cli/internal/model"
)

// DefaultCapacity bounds the events kept per job.
const DefaultCapacity = 5000

type stream struct {
	events  []model.Event
	nextID  int64
	final   bool
	changed chan struct{}
}

// Hub stores events for many jobs.
type Hub struct {
	mu       sync.Mutex
	streams  map[string]*stream
	capacity int
	now      func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithCapacity caps the events retained per job. Older events are dropped
// first; ids are never reused.
func WithCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{streams: make(map[string]*stream), capacity: DefaultCapacity, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) streamLocked(jobID string) *stream {
	s, ok := h.streams[jobID]
	if !ok {
		s = &stream{nextID: 1, changed: make(chan struct{})}
		h.streams[jobID] = s
	}
	return s
}

// Publish appends an event to the job's log and wakes waiting readers.
// Events published after the final event are discarded and Publish
// returns the zero event and false.
func (h *Hub) Publish(jobID string, typ model.EventType, payload map[string]any) (model.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamLocked(jobID)
	if s.final {
		return model.Event{}, false
	}

	ev := model.Event{
		ID:        s.nextID,
		JobID:     jobID,
		Type:      typ,
		Payload:   payload,
		Timestamp: h.now(),
	}
	s.nextID++
	s.events = append(s.events, ev)
	if over := len(s.events) - h.capacity; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	if ev.IsFinal() {
		s.final = true
	}

	close(s.changed)
	s.changed = make(chan struct{})
	return ev, true
}

// Replay returns the retained events with id greater than after, in order.
func (h *Hub) Replay(jobID string, after int64) []model.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[jobID]
	if !ok {
		return nil
	}
	return since(s.events, after)
}

// Latest returns the newest event of the job, if any.
func (h *Hub) Latest(jobID string) (model.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[jobID]
	if !ok || len(s.events) == 0 {
		return model.Event{}, false
	}
	return s.events[len(s.events)-1], true
}

// Open starts an empty log for the job so readers can wait on it before
// the first publish. Opening an existing log is a no-op.
func (h *Hub) Open(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streamLocked(jobID)
}

// Wait blocks until the job has events after the given id and returns
// them. It returns ctx.Err() when ctx ends first and (nil, nil) when the
// log is final with nothing left to deliver, was dropped, or was never
// opened.
func (h *Hub) Wait(ctx context.Context, jobID string, after int64) ([]model.Event, error) {
	h.mu.Lock()
	origin, ok := h.streams[jobID]
	h.mu.Unlock()
	if !ok {
		return nil, nil
	}

	for {
		h.mu.Lock()
		s, ok := h.streams[jobID]
		if !ok || s != origin {
			h.mu.Unlock()
			return nil, nil
		}
		evs := since(s.events, after)
		final := s.final
		changed := s.changed
		h.mu.Unlock()

		if len(evs) > 0 {
			return evs, nil
		}
		if final {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Subscribe delivers every event after the given id on the returned
// channel. The channel closes after the final event or when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, jobID string, after int64) <-chan model.Event {
	out := make(chan model.Event)
	go func() {
		defer close(out)
		cursor := after
		for {
			evs, err := h.Wait(ctx, jobID, cursor)
			if err != nil || len(evs) == 0 {
				return
			}
			for _, ev := range evs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				cursor = ev.ID
				if ev.IsFinal() {
					return
				}
			}
		}
	}()
	return out
}

// Drop forgets a job's log. Waiting readers are released.
func (h *Hub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[jobID]
	if !ok {
		return
	}
	s.final = true
	close(s.changed)
	s.changed = make(chan struct{})
	delete(h.streams, jobID)
}

// Len returns the number of jobs with a log.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func since(events []model.Event, after int64) []model.Event {
	for i, ev := range events {
		if ev.ID > after {
			out := make([]model.Event, len(events)-i)
			copy(out, events[i:])
			return out
		}
	}
	return nil
}
