package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/modelpanel/api/internal/model"
	"github.com/modelpanel/api/internal/scheduler"
	"github.com/modelpanel/api/internal/store"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCompleted   = errors.New("job not completed")
	ErrJobNotCancellable = errors.New("job already finished")
)

// QueryService handles fan-out query job management on top of the
// scheduler. Handlers talk to this layer only, never to the scheduler
// directly.
type QueryService struct {
	sched        *scheduler.Scheduler
	jobs         store.JobStore // optional, used by RestoreIncomplete
	backendNames []string
}

func NewQueryService(sched *scheduler.Scheduler, jobs store.JobStore, backendNames []string) *QueryService {
	return &QueryService{
		sched:        sched,
		jobs:         jobs,
		backendNames: backendNames,
	}
}

// BackendNames returns the configured panel, for health reporting
func (s *QueryService) BackendNames() []string {
	return append([]string(nil), s.backendNames...)
}

// StartQuery validates the requested panel subset and submits a fan-out
// query job. It returns as soon as the job is admitted.
func (s *QueryService) StartQuery(req *model.QueryStartRequest) (*model.QueryStartResponse, error) {
	targetCount, err := s.countTargets(req.Backends)
	if err != nil {
		return nil, err
	}

	payload := model.FanoutQueryPayload{
		Question: req.Question,
		Backends: req.Backends,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	jobID := s.sched.Submit(model.JobKindFanoutQuery, payloadBytes, targetCount)

	job, ok := s.sched.GetStatus(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}

	return &model.QueryStartResponse{
		JobID:               job.ID,
		Status:              job.Status,
		TargetCount:         job.TargetCount,
		EstimatedDurationMs: job.EstimatedTotalMs,
		CreatedAt:           job.CreatedAt,
	}, nil
}

// GetStatus returns the current status and progress of a query job
func (s *QueryService) GetStatus(jobID string) (*model.QueryStatusResponse, error) {
	job, ok := s.sched.GetStatus(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}

	return &model.QueryStatusResponse{
		JobID:                job.ID,
		Status:               job.Status,
		Progress:             job.Progress,
		CurrentStep:          job.CurrentStep,
		Error:                job.Error,
		TargetCount:          job.TargetCount,
		EstimatedTotalMs:     job.EstimatedTotalMs,
		EstimatedRemainingMs: job.EstimatedRemainingMs,
		CreatedAt:            job.CreatedAt,
		StartedAt:            job.StartedAt,
		CompletedAt:          job.CompletedAt,
		ProgressLog:          job.ProgressLog,
	}, nil
}

// GetResult returns the aggregate of a completed query job
func (s *QueryService) GetResult(jobID string) (*model.QueryResultResponse, error) {
	job, ok := s.sched.GetStatus(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrJobNotCompleted
	}

	var result model.FanoutQueryResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return &model.QueryResultResponse{
		JobID:  job.ID,
		Status: job.Status,
		Result: result,
	}, nil
}

// CancelQuery requests cancellation of a pending or running job.
// Cancellation of running work is cooperative: the response acknowledges
// the signal, not that in-flight calls have stopped.
func (s *QueryService) CancelQuery(jobID string) (*model.QueryCancelResponse, error) {
	if !s.sched.Cancel(jobID) {
		if _, ok := s.sched.GetStatus(jobID); !ok {
			return nil, ErrJobNotFound
		}
		return nil, ErrJobNotCancellable
	}

	return &model.QueryCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCancelled,
	}, nil
}

// Stats exposes scheduler counters
func (s *QueryService) Stats() *model.SchedulerStatsResponse {
	st := s.sched.Statistics()
	return &model.SchedulerStatsResponse{
		Pending:       st.Pending,
		Running:       st.Running,
		Completed:     st.Completed,
		Failed:        st.Failed,
		Cancelled:     st.Cancelled,
		MaxConcurrent: st.MaxConcurrent,
	}
}

// RestoreIncomplete resubmits persisted non-terminal jobs as fresh jobs.
// Called once at process start; the scheduler never does this on its own.
func (s *QueryService) RestoreIncomplete(ctx context.Context) int {
	if s.jobs == nil {
		return 0
	}

	persisted, err := s.jobs.ListJobs(ctx)
	if err != nil {
		log.Printf("Failed to list persisted jobs: %v", err)
		return 0
	}

	restored := 0
	for _, job := range persisted {
		if job.Status.Terminal() || job.Kind != model.JobKindFanoutQuery {
			continue
		}
		s.sched.Submit(job.Kind, job.Input, job.TargetCount)
		restored++
	}
	if restored > 0 {
		log.Printf("Restored %d incomplete jobs", restored)
	}
	return restored
}

// countTargets validates requested backend names against the panel and
// returns how many calls the job will fan out to.
func (s *QueryService) countTargets(names []string) (int, error) {
	if len(names) == 0 {
		if len(s.backendNames) == 0 {
			return 0, errors.New("no backends configured")
		}
		return len(s.backendNames), nil
	}

	known := make(map[string]bool, len(s.backendNames))
	for _, n := range s.backendNames {
		known[n] = true
	}

	seen := make(map[string]bool, len(names))
	count := 0
	for _, n := range names {
		if !known[n] {
			return 0, fmt.Errorf("unknown backend: %s", n)
		}
		if !seen[n] {
			seen[n] = true
			count++
		}
	}
	return count, nil
}
