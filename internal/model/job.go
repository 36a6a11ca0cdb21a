package model

import (
	"encoding/json"
	"time"
)

// Job status
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a status is final. A terminal job never changes again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job kinds
const (
	JobKindFanoutQuery = "fanout_query"
)

// ProgressEntry is one record in a job's append-only progress log
type ProgressEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Percentage int       `json:"percentage"`
	Message    string    `json:"message"`
}

// Job represents a background job in the system
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`

	// TargetCount is the number of independent backend calls this job makes.
	// It weights both progress reporting and the initial duration estimate.
	TargetCount int `json:"targetCount"`

	ProgressLog []ProgressEntry `json:"progressLog,omitempty"`

	// Adaptive time estimates, maintained by the scheduler while running.
	EstimatedTotalMs     int64 `json:"estimatedTotalDurationMs,omitempty"`
	EstimatedRemainingMs int64 `json:"estimatedRemainingMs,omitempty"`
}

// Clone returns a deep copy safe to hand outside the scheduler.
func (j *Job) Clone() *Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Input != nil {
		c.Input = append(json.RawMessage(nil), j.Input...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.ProgressLog != nil {
		c.ProgressLog = append([]ProgressEntry(nil), j.ProgressLog...)
	}
	return &c
}

// FanoutQueryPayload contains the data for a fan-out query job
type FanoutQueryPayload struct {
	Question string   `json:"question"`
	Backends []string `json:"backends,omitempty"` // empty means the whole panel
}

// TargetResult is one backend's outcome inside a fan-out aggregate.
// A failing target is recorded here, never escalated to a job failure.
type TargetResult struct {
	Target     string `json:"target"`
	Output     string `json:"output"`
	Err        bool   `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// FanoutQueryResult is the aggregate result of a fan-out query job
type FanoutQueryResult struct {
	Question  string         `json:"question"`
	Answers   []TargetResult `json:"answers"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}
