package domain

import "context"

// JobHandler processes one delivered occurrence. A returned error or a panic
// marks the occurrence as not processed; neither is retried.
type JobHandler func(ctx context.Context, envelope *JobEnvelope) error

type LoopState int32

const (
	LoopStopped LoopState = iota
	LoopRunning
)

func (s LoopState) String() string {
	if s == LoopRunning {
		return "running"
	}
	return "stopped"
}
