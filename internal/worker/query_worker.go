package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/modelpanel/api/internal/client"
	"github.com/modelpanel/api/internal/model"
	"github.com/modelpanel/api/internal/resilience"
	"github.com/modelpanel/api/internal/scheduler"
	"github.com/modelpanel/api/internal/websocket"
)

// Fan-out progress band. Everything before the calls is 0-10, the calls
// themselves fill 10-80, aggregation takes the rest.
const (
	progressFanoutStart = 10
	progressFanoutEnd   = 80
)

// QueryWorker executes fan-out query jobs: one protected backend call per
// panel member, fully concurrent, aggregated into a single result that
// tolerates per-target failure.
type QueryWorker struct {
	sched    *scheduler.Scheduler
	backends []client.Backend
	hub      *websocket.Hub
}

// NewQueryWorker creates a query worker over the resilience-wrapped panel
func NewQueryWorker(backends []client.Backend, hub *websocket.Hub) *QueryWorker {
	return &QueryWorker{
		backends: backends,
		hub:      hub,
	}
}

// Bind attaches the scheduler after construction. The worker is the
// scheduler's start handler, so the two reference each other.
func (w *QueryWorker) Bind(s *scheduler.Scheduler) {
	w.sched = s
}

// Handle is registered as the scheduler's start handler. The context is
// cancelled when the job is cancelled; every backend call observes it.
func (w *QueryWorker) Handle(ctx context.Context, job model.Job) {
	if job.Kind != model.JobKindFanoutQuery {
		w.failJob(job.ID, fmt.Sprintf("Unknown job kind: %s", job.Kind))
		return
	}

	var payload model.FanoutQueryPayload
	if err := json.Unmarshal(job.Input, &payload); err != nil {
		w.failJob(job.ID, "Invalid job payload")
		return
	}
	if payload.Question == "" {
		w.failJob(job.ID, "Question is empty")
		return
	}

	targets := w.resolveTargets(payload.Backends)
	if len(targets) == 0 {
		w.failJob(job.ID, "No matching backends configured")
		return
	}

	log.Printf("Starting fan-out query job %s across %d backends", job.ID, len(targets))
	w.updateProgress(job.ID, 5, "Dispatching question to the panel...")

	answers := make([]model.TargetResult, len(targets))
	var (
		mu      sync.Mutex
		settled int
		wg      sync.WaitGroup
	)

	for i, backend := range targets {
		wg.Add(1)
		go func(idx int, b client.Backend) {
			defer wg.Done()

			started := time.Now()
			output, err := b.Generate(ctx, payload.Question)
			elapsed := time.Since(started).Milliseconds()

			result := model.TargetResult{
				Target:     b.Name(),
				Output:     output,
				DurationMs: elapsed,
			}
			if err != nil {
				// A failing target never aborts the others; it is
				// recorded as content in the aggregate.
				result.Err = true
				result.Output = describeTargetError(b.Name(), err)
			}

			mu.Lock()
			answers[idx] = result
			settled++
			done := settled
			mu.Unlock()

			if ctx.Err() == nil {
				pct := progressFanoutStart +
					(progressFanoutEnd-progressFanoutStart)*done/len(targets)
				w.updateProgress(job.ID, pct,
					fmt.Sprintf("Collected %d/%d answers...", done, len(targets)))
			}
		}(i, backend)
	}

	wg.Wait()

	if ctx.Err() != nil {
		// Cancelled while running: the scheduler keeps the cancelled
		// status; Complete only releases the slot.
		log.Printf("Fan-out query job %s cancelled", job.ID)
		w.sched.Complete(job.ID, nil)
		return
	}

	w.updateProgress(job.ID, 90, "Aggregating answers...")

	aggregate := model.FanoutQueryResult{
		Question: payload.Question,
		Answers:  answers,
	}
	for _, a := range answers {
		if a.Err {
			aggregate.Failed++
		} else {
			aggregate.Succeeded++
		}
	}

	resultBytes, err := json.Marshal(aggregate)
	if err != nil {
		w.failJob(job.ID, "Failed to encode aggregate result")
		return
	}

	// Even an all-targets-failed panel is a completed job: the act of
	// asking succeeded, the failures are part of the answer.
	w.sched.Complete(job.ID, resultBytes)
	w.hub.BroadcastComplete(job.ID, aggregate)
	log.Printf("Fan-out query job %s completed (%d ok, %d failed)",
		job.ID, aggregate.Succeeded, aggregate.Failed)
}

// resolveTargets maps requested backend names onto the configured panel.
// An empty request selects the whole panel.
func (w *QueryWorker) resolveTargets(names []string) []client.Backend {
	if len(names) == 0 {
		return w.backends
	}

	byName := make(map[string]client.Backend, len(w.backends))
	for _, b := range w.backends {
		byName[b.Name()] = b
	}

	seen := make(map[string]bool, len(names))
	var targets []client.Backend
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if b, ok := byName[name]; ok {
			targets = append(targets, b)
		}
	}
	return targets
}

// describeTargetError turns a resilience-layer error into the per-target
// output text. Breaker rejections read as temporary unavailability, not
// failure.
func describeTargetError(name string, err error) string {
	if errors.Is(err, resilience.ErrBreakerOpen) {
		return fmt.Sprintf("Backend %s is temporarily unavailable (circuit open)", name)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Sprintf("Backend %s call cancelled", name)
	}
	return fmt.Sprintf("Backend %s failed: %v", name, err)
}

func (w *QueryWorker) updateProgress(jobID string, progress int, step string) {
	w.sched.UpdateProgress(jobID, progress, step)
	w.hub.BroadcastProgress(jobID, progress, model.JobStatusRunning, step)
}

func (w *QueryWorker) failJob(jobID, errMsg string) {
	w.sched.Fail(jobID, errMsg)
	w.hub.BroadcastError(jobID, "QUERY_FAILED", errMsg)
}
