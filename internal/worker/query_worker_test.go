package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelpanel/api/internal/client"
	"github.com/modelpanel/api/internal/model"
	"github.com/modelpanel/api/internal/resilience"
	"github.com/modelpanel/api/internal/scheduler"
	"github.com/modelpanel/api/internal/websocket"
)

// fakeBackend answers or fails according to its script
type fakeBackend struct {
	name   string
	answer string
	err    error
	block  bool // block until the context is cancelled
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Generate(ctx context.Context, prompt string) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func setupWorker(t *testing.T, backends []client.Backend) (*QueryWorker, *scheduler.Scheduler) {
	t.Helper()

	hub := websocket.NewHub()
	go hub.Run()

	w := NewQueryWorker(backends, hub)
	s := scheduler.New(scheduler.Config{MaxConcurrent: 2}, w.Handle)
	w.Bind(s)
	return w, s
}

func submitQuery(t *testing.T, s *scheduler.Scheduler, payload model.FanoutQueryPayload, targetCount int) string {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return s.Submit(model.JobKindFanoutQuery, data, targetCount)
}

func waitTerminal(t *testing.T, s *scheduler.Scheduler, jobID string) *model.Job {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := s.GetStatus(jobID)
		if ok && job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return nil
}

func TestQueryWorker_PartialFailureStillCompletes(t *testing.T) {
	backends := []client.Backend{
		&fakeBackend{name: "alpha", answer: "42"},
		&fakeBackend{name: "beta", err: errors.New("connection refused")},
		&fakeBackend{name: "gamma", answer: "forty-two"},
	}
	_, s := setupWorker(t, backends)

	id := submitQuery(t, s, model.FanoutQueryPayload{Question: "meaning of life?"}, 3)
	job := waitTerminal(t, s, id)

	if job.Status != model.JobStatusCompleted {
		t.Fatalf("partial failure must still complete the job, got %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100, got %d", job.Progress)
	}

	var result model.FanoutQueryResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("expected 2 ok / 1 failed, got %d/%d", result.Succeeded, result.Failed)
	}
	if len(result.Answers) != 3 {
		t.Fatalf("aggregate must contain every target, got %d", len(result.Answers))
	}

	byTarget := make(map[string]model.TargetResult)
	for _, a := range result.Answers {
		byTarget[a.Target] = a
	}
	if a := byTarget["alpha"]; a.Err || a.Output != "42" {
		t.Errorf("alpha: %+v", a)
	}
	if b := byTarget["beta"]; !b.Err || b.Output == "" {
		t.Errorf("beta must carry a descriptive error entry: %+v", b)
	}
}

func TestQueryWorker_AllTargetsFailedStillCompletes(t *testing.T) {
	backends := []client.Backend{
		&fakeBackend{name: "alpha", err: errors.New("boom")},
		&fakeBackend{name: "beta", err: errors.New("boom")},
	}
	_, s := setupWorker(t, backends)

	id := submitQuery(t, s, model.FanoutQueryPayload{Question: "anyone there?"}, 2)
	job := waitTerminal(t, s, id)

	// "All targets failed" is a property of the result, not a job failure.
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}

	var result model.FanoutQueryResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 2 {
		t.Errorf("expected 0 ok / 2 failed, got %d/%d", result.Succeeded, result.Failed)
	}
}

func TestQueryWorker_BreakerOpenWordedAsUnavailable(t *testing.T) {
	openErr := fmt.Errorf("alpha: %w", resilience.ErrBreakerOpen)
	backends := []client.Backend{
		&fakeBackend{name: "alpha", err: openErr},
		&fakeBackend{name: "beta", answer: "hi"},
	}
	_, s := setupWorker(t, backends)

	id := submitQuery(t, s, model.FanoutQueryPayload{Question: "q"}, 2)
	job := waitTerminal(t, s, id)

	var result model.FanoutQueryResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	byTarget := make(map[string]model.TargetResult)
	for _, a := range result.Answers {
		byTarget[a.Target] = a
	}
	a := byTarget["alpha"]
	if !a.Err {
		t.Fatal("breaker-open target must be recorded as an error entry")
	}
	if a.Output != "Backend alpha is temporarily unavailable (circuit open)" {
		t.Errorf("breaker-open wording mismatch: %q", a.Output)
	}
}

func TestQueryWorker_InvalidPayloadFailsJob(t *testing.T) {
	_, s := setupWorker(t, []client.Backend{&fakeBackend{name: "alpha", answer: "a"}})

	id := s.Submit(model.JobKindFanoutQuery, json.RawMessage(`{not json`), 1)
	job := waitTerminal(t, s, id)

	if job.Status != model.JobStatusFailed {
		t.Fatalf("unparseable payload is an infrastructure failure, got %s", job.Status)
	}
	if job.Error == nil || *job.Error == "" {
		t.Error("failed job must carry a human-readable error")
	}
}

func TestQueryWorker_EmptyQuestionFailsJob(t *testing.T) {
	_, s := setupWorker(t, []client.Backend{&fakeBackend{name: "alpha", answer: "a"}})

	id := submitQuery(t, s, model.FanoutQueryPayload{}, 1)
	job := waitTerminal(t, s, id)

	if job.Status != model.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
}

func TestQueryWorker_BackendSubset(t *testing.T) {
	backends := []client.Backend{
		&fakeBackend{name: "alpha", answer: "a"},
		&fakeBackend{name: "beta", answer: "b"},
		&fakeBackend{name: "gamma", answer: "c"},
	}
	_, s := setupWorker(t, backends)

	id := submitQuery(t, s, model.FanoutQueryPayload{
		Question: "q",
		Backends: []string{"beta", "gamma", "beta"},
	}, 2)
	job := waitTerminal(t, s, id)

	var result model.FanoutQueryResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Answers) != 2 {
		t.Fatalf("duplicate names collapse, expected 2 answers, got %d", len(result.Answers))
	}
	if result.Answers[0].Target != "beta" || result.Answers[1].Target != "gamma" {
		t.Errorf("unexpected targets: %+v", result.Answers)
	}
}

func TestQueryWorker_CancelledJobKeepsCancelledStatus(t *testing.T) {
	backends := []client.Backend{
		&fakeBackend{name: "alpha", block: true},
		&fakeBackend{name: "beta", block: true},
	}
	_, s := setupWorker(t, backends)

	id := submitQuery(t, s, model.FanoutQueryPayload{Question: "q"}, 2)

	// Wait until the job is running, then cancel.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.GetStatus(id); ok && job.Status == model.JobStatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Cancel(id) {
		t.Fatal("cancel signal must be recorded")
	}

	job := waitTerminal(t, s, id)
	if job.Status != model.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.Result != nil {
		t.Error("cancelled job must not publish a result")
	}
}
