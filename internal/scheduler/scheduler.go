package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelpanel/api/internal/model"
	"github.com/modelpanel/api/internal/store"
)

// StartHandler is invoked asynchronously when a job is promoted to running.
// The context is cancelled when the job is cancelled; the handler must
// observe it and finish by calling Complete or Fail.
type StartHandler func(ctx context.Context, job model.Job)

// DoneHandler is invoked after a job reaches a terminal state
type DoneHandler func(job model.Job)

// Config configures the scheduler
type Config struct {
	// MaxConcurrent is the number of jobs allowed to run at once.
	MaxConcurrent int

	// PerTargetEstimate seeds a new job's duration estimate as
	// TargetCount × PerTargetEstimate. The adaptive estimator only
	// ratchets the total upward from this initial guess.
	PerTargetEstimate time.Duration
}

// Stats is a snapshot of scheduler counters
type Stats struct {
	Pending       int
	Running       int
	Completed     int
	Failed        int
	Cancelled     int
	MaxConcurrent int
}

// Scheduler owns the full job lifecycle: it admits jobs, promotes them
// FIFO into a bounded set of running slots, tracks progress and adaptive
// time estimates, and drives terminal transitions. All job state is
// mutated only here; reads hand out deep copies.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	pending []*model.Job // FIFO order
	running map[string]*model.Job
	done    map[string]*model.Job
	cancels map[string]context.CancelFunc

	onStart StartHandler
	onDone  DoneHandler

	jobs store.JobStore // optional, best-effort

	now func() time.Time // overridable in tests
}

// Option configures optional collaborators at construction
type Option func(*Scheduler)

// WithStore attaches a persistence port. Every state transition is saved
// best-effort; persistence failures are logged, never propagated.
func WithStore(s store.JobStore) Option {
	return func(sc *Scheduler) { sc.jobs = s }
}

// WithDoneHandler registers the single job-completed subscriber
func WithDoneHandler(h DoneHandler) Option {
	return func(sc *Scheduler) { sc.onDone = h }
}

// New creates a scheduler. The start handler is the sole mechanism that
// wires an executor to the scheduler: exactly one, fixed at construction.
func New(cfg Config, onStart StartHandler, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.PerTargetEstimate <= 0 {
		cfg.PerTargetEstimate = 20 * time.Second
	}
	s := &Scheduler{
		cfg:     cfg,
		running: make(map[string]*model.Job),
		done:    make(map[string]*model.Job),
		cancels: make(map[string]context.CancelFunc),
		onStart: onStart,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit admits a new job in pending state and immediately tries to
// promote it. It never blocks on the work itself and is safe for
// concurrent callers.
func (s *Scheduler) Submit(kind string, input json.RawMessage, targetCount int) string {
	if targetCount < 1 {
		targetCount = 1
	}
	job := &model.Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Status:      model.JobStatusPending,
		Input:       append(json.RawMessage(nil), input...),
		CreatedAt:   s.now(),
		TargetCount: targetCount,
	}

	s.mu.Lock()
	s.pending = append(s.pending, job)
	s.saveLocked(job)
	s.processQueueLocked()
	s.mu.Unlock()

	return job.ID
}

// GetStatus returns a snapshot of the job, or false if it is unknown to
// both the in-memory sets and the persistence port.
func (s *Scheduler) GetStatus(jobID string) (*model.Job, bool) {
	s.mu.Lock()
	if j := s.findLocked(jobID); j != nil {
		c := j.Clone()
		s.mu.Unlock()
		return c, true
	}
	s.mu.Unlock()

	if s.jobs != nil {
		if j, err := s.jobs.LoadJob(context.Background(), jobID); err == nil && j != nil {
			return j, true
		}
	}
	return nil, false
}

// UpdateProgress records progress for a running job: clamps the
// percentage, appends to the progress log, and recomputes the adaptive
// time estimate. No-op unless the job is running.
func (s *Scheduler) UpdateProgress(jobID string, percentage int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.running[jobID]
	if !ok || job.Status != model.JobStatusRunning {
		return
	}

	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	// Progress is monotonic within a run.
	if percentage < job.Progress {
		percentage = job.Progress
	}

	job.Progress = percentage
	job.CurrentStep = message
	job.ProgressLog = append(job.ProgressLog, model.ProgressEntry{
		Timestamp:  s.now(),
		Percentage: percentage,
		Message:    message,
	})

	if job.StartedAt != nil && percentage > 1 {
		elapsed := s.now().Sub(*job.StartedAt).Milliseconds()
		projected := int64(float64(elapsed) / (float64(percentage) / 100))
		// The estimate only ratchets upward: early low-confidence
		// percentages barely move it, and it never promises a
		// shrinking ETA below the initial guess.
		if projected > job.EstimatedTotalMs {
			job.EstimatedTotalMs = projected
		}
		remaining := job.EstimatedTotalMs - elapsed
		if remaining < 0 {
			remaining = 0
		}
		job.EstimatedRemainingMs = remaining
	}

	s.saveLocked(job)
}

// Complete finalizes a running job as completed with the given result and
// frees its slot. If the job was cancelled while running, the cancelled
// status is preserved and the result discarded.
func (s *Scheduler) Complete(jobID string, result json.RawMessage) bool {
	return s.finish(jobID, func(job *model.Job) {
		job.Status = model.JobStatusCompleted
		job.Progress = 100
		job.Result = append(json.RawMessage(nil), result...)
	})
}

// Fail finalizes a running job as failed with a human-readable message
// and frees its slot. Cancelled jobs keep their cancelled status.
func (s *Scheduler) Fail(jobID string, errMsg string) bool {
	return s.finish(jobID, func(job *model.Job) {
		job.Status = model.JobStatusFailed
		job.Error = &errMsg
	})
}

// finish moves a running job into the terminal set, applying mutate only
// if the job was not already cancelled, then promotes the next pending job.
func (s *Scheduler) finish(jobID string, mutate func(*model.Job)) bool {
	s.mu.Lock()

	job, ok := s.running[jobID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if job.Status != model.JobStatusCancelled {
		mutate(job)
	}
	now := s.now()
	if job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.EstimatedRemainingMs = 0

	delete(s.running, jobID)
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		delete(s.cancels, jobID)
	}
	s.done[jobID] = job
	s.saveLocked(job)
	s.processQueueLocked()

	snapshot := *job.Clone()
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(snapshot)
	}
	return true
}

// Cancel requests cancellation. A pending job is removed and marked
// cancelled outright. A running job is only marked: its context is
// cancelled and the executor is expected to stop cooperatively — the
// returned true means the signal was recorded, not that work stopped.
// Returns false for unknown or already-terminal jobs.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()

	for i, job := range s.pending {
		if job.ID != jobID {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		job.Status = model.JobStatusCancelled
		now := s.now()
		job.CompletedAt = &now
		s.done[jobID] = job
		s.saveLocked(job)
		snapshot := *job.Clone()
		s.mu.Unlock()

		if s.onDone != nil {
			s.onDone(snapshot)
		}
		return true
	}

	if job, ok := s.running[jobID]; ok && job.Status == model.JobStatusRunning {
		job.Status = model.JobStatusCancelled
		now := s.now()
		job.CompletedAt = &now
		if cancel, ok := s.cancels[jobID]; ok {
			cancel()
		}
		s.saveLocked(job)
		s.mu.Unlock()
		return true
	}

	s.mu.Unlock()
	return false
}

// Statistics returns current counters plus the configured concurrency cap
func (s *Scheduler) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Pending:       len(s.pending),
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
	for _, j := range s.running {
		// A cancelled job stays in the running set until its executor
		// finishes cooperatively.
		if j.Status == model.JobStatusCancelled {
			st.Cancelled++
		} else {
			st.Running++
		}
	}
	for _, j := range s.done {
		switch j.Status {
		case model.JobStatusCompleted:
			st.Completed++
		case model.JobStatusFailed:
			st.Failed++
		case model.JobStatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// processQueueLocked promotes pending jobs FIFO into free slots. It must
// be re-entrant-safe: it runs after Submit and after every terminal
// transition. The start handler is always invoked on a fresh goroutine so
// the scheduler itself never blocks on job work.
func (s *Scheduler) processQueueLocked() {
	for len(s.pending) > 0 && len(s.running) < s.cfg.MaxConcurrent {
		job := s.pending[0]
		s.pending = s.pending[1:]

		now := s.now()
		job.Status = model.JobStatusRunning
		job.StartedAt = &now
		job.EstimatedTotalMs = int64(job.TargetCount) * s.cfg.PerTargetEstimate.Milliseconds()
		job.EstimatedRemainingMs = job.EstimatedTotalMs
		s.running[job.ID] = job

		ctx, cancel := context.WithCancel(context.Background())
		s.cancels[job.ID] = cancel
		s.saveLocked(job)

		snapshot := *job.Clone()
		go s.onStart(ctx, snapshot)
	}
}

// findLocked searches all three in-memory sets
func (s *Scheduler) findLocked(jobID string) *model.Job {
	if j, ok := s.running[jobID]; ok {
		return j
	}
	if j, ok := s.done[jobID]; ok {
		return j
	}
	for _, j := range s.pending {
		if j.ID == jobID {
			return j
		}
	}
	return nil
}

// saveLocked persists best-effort; durability is never a correctness
// dependency of the in-memory scheduler.
func (s *Scheduler) saveLocked(job *model.Job) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.SaveJob(context.Background(), job.Clone()); err != nil {
		log.Printf("Failed to persist job %s: %v", job.ID, err)
	}
}
