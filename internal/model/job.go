package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further updates are accepted.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ItemResult is the outcome of one document in a batch job.
type ItemResult struct {
	URL         string        `json:"url"`
	Info        DocumentInfo  `json:"ted_info"`
	Results     []FinalResult `json:"results"`
	ResultCount int           `json:"result_count"`
	ChunkErrors []ChunkError  `json:"chunk_errors,omitempty"`
}

// ItemError is a failure attributed to one item of a batch job. Chunk
// failures carry the chunk index and the stage they stopped at; a nil
// ChunkIndex means the whole document failed.
type ItemError struct {
	URL        string    `json:"url"`
	Message    string    `json:"error"`
	ChunkIndex *int      `json:"chunk_index,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChunkFailure converts a chunk error of the document at url.
func ChunkFailure(url string, ce ChunkError) ItemError {
	idx := ce.ChunkIndex
	return ItemError{
		URL:        url,
		Message:    fmt.Sprintf("chunk %d failed at %s: %s", ce.ChunkIndex, ce.Stage, ce.Message),
		ChunkIndex: &idx,
		Stage:      ce.Stage,
		Kind:       ce.Kind,
	}
}

// Job is a snapshot of a batch job's state.
type Job struct {
	ID          string       `json:"task_id"`
	UserID      string       `json:"user_id,omitempty"`
	Items       []string     `json:"urls"`
	Status      JobStatus    `json:"status"`
	Total       int          `json:"total"`
	Current     int          `json:"current"`
	CurrentItem string       `json:"current_url,omitempty"`
	Results     []ItemResult `json:"results"`
	Errors      []ItemError  `json:"errors"`
	Reason      string       `json:"reason,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
