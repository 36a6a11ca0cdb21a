package store

import (
	"context"
	"errors"

	"github.com/modelpanel/api/internal/model"
)

// ErrNotFound is returned when a job id is unknown to the store
var ErrNotFound = errors.New("job not found")

// JobStore is the optional persistence port. The scheduler saves on every
// state transition when a store is configured; absence of a store must not
// break in-memory operation.
type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	LoadJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)
}
