package model

import "time"

// QueryStartRequest starts a fan-out query job
type QueryStartRequest struct {
	Question string   `json:"question" validate:"required,min=1,max=8000"`
	Backends []string `json:"backends,omitempty" validate:"omitempty,min=1,dive,required"`
}

// QueryStartResponse is returned when a query job is accepted
type QueryStartResponse struct {
	JobID               string    `json:"jobId"`
	Status              JobStatus `json:"status"`
	TargetCount         int       `json:"targetCount"`
	EstimatedDurationMs int64     `json:"estimatedDurationMs"`
	CreatedAt           time.Time `json:"createdAt"`
}

// QueryStatusResponse reports a job's current state and progress
type QueryStatusResponse struct {
	JobID                string          `json:"jobId"`
	Status               JobStatus       `json:"status"`
	Progress             int             `json:"progress"`
	CurrentStep          string          `json:"currentStep,omitempty"`
	Error                *string         `json:"error,omitempty"`
	TargetCount          int             `json:"targetCount"`
	EstimatedTotalMs     int64           `json:"estimatedTotalDurationMs,omitempty"`
	EstimatedRemainingMs int64           `json:"estimatedRemainingMs,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	ProgressLog          []ProgressEntry `json:"progressLog,omitempty"`
}

// QueryResultResponse carries the aggregate of a completed query job
type QueryResultResponse struct {
	JobID  string            `json:"jobId"`
	Status JobStatus         `json:"status"`
	Result FanoutQueryResult `json:"result"`
}

// QueryCancelResponse acknowledges a cancellation request
type QueryCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// SchedulerStatsResponse exposes scheduler counters for observability
type SchedulerStatsResponse struct {
	Pending       int `json:"pending"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	MaxConcurrent int `json:"maxConcurrent"`
}
