package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in the jobs table.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job represents a unit of background work persisted in Postgres. ClaimID is
// stamped by each Dequeue; only the holder of the current claim may complete
// or fail the job.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"job_type"`
	Payload      map[string]any  `json:"payload"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
	Error        *string         `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ClaimID      string          `json:"claim_id,omitempty"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QueueStats counts jobs per status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
