package model

import "time"

// EventType enumerates progress event kinds.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventStarted       EventType = "started"
	EventProgress      EventType = "progress"
	EventStep          EventType = "step"
	EventItemCompleted EventType = "item-completed"
	EventError         EventType = "error"
	EventCompleted     EventType = "completed"
)

// Event is one entry in a job's progress log. ID is assigned on publish and
// increases strictly within a job.
type Event struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsFinal reports whether the event closes the job's stream.
func (e Event) IsFinal() bool {
	return e.Type == EventCompleted
}
