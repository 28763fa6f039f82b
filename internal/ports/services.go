package ports

import (
	"context"

	"chime/internal/domain"
)

type JobService interface {
	// Create schedules a job and returns its id. Invalid requests and
	// already-expired jobs are rejected without touching the queue.
	Create(ctx context.Context, req domain.CreateJobRequest) (string, error)
	// Cancel deactivates a job. Occurrences already in the queue are
	// discarded when they surface.
	Cancel(ctx context.Context, ownerService, jobID string) bool
	// GetStatus returns one job's status, or every job of the owner when
	// jobID is empty.
	GetStatus(ctx context.Context, ownerService, jobID string) []domain.JobStatus
}

type SchedulerLoop interface {
	RegisterHandler(ownerService string, handler domain.JobHandler) error
	Start() error
	Stop(ctx context.Context) error
	State() domain.LoopState
}
