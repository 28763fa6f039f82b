package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chime/internal/domain"
	"chime/internal/logger"
	"chime/internal/ports"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type jobService struct {
	manager   *DispatchManager
	loop      ports.SchedulerLoop
	autoStart bool
	log       *zap.SugaredLogger
	now       func() time.Time
}

type JobServiceOption func(*jobService)

// WithAutoStart starts a stopped loop after each successful Create.
func WithAutoStart(enabled bool) JobServiceOption {
	return func(s *jobService) { s.autoStart = enabled }
}

func WithServiceClock(now func() time.Time) JobServiceOption {
	return func(s *jobService) { s.now = now }
}

// NewJobService builds the scheduling facade. loop may be nil for
// processes that only submit and query jobs.
func NewJobService(manager *DispatchManager, loop ports.SchedulerLoop, opts ...JobServiceOption) ports.JobService {
	s := &jobService{
		manager:   manager,
		loop:      loop,
		autoStart: true,
		log:       logger.ComponentLogger("jobs"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *jobService) Create(ctx context.Context, req domain.CreateJobRequest) (string, error) {
	if strings.TrimSpace(req.OwnerService) == "" {
		return "", errors.Wrap(domain.ErrInvalidRequest, "owner service is required")
	}
	if domain.EmptyPayload(req.Payload) {
		return "", domain.ErrInvalidPayload
	}
	// Unset means one-time, as for an empty recurrence name.
	if req.Recurrence == domain.RecurrenceUnknown {
		req.Recurrence = domain.RecurrenceNone
	}
	if !req.Recurrence.Valid() {
		return "", errors.Wrapf(domain.ErrInvalidRequest, "unsupported recurrence %d", req.Recurrence)
	}

	now := s.now()
	env := &domain.JobEnvelope{
		OwnerService: req.OwnerService,
		JobID:        req.JobID,
		ScheduledAt:  req.ScheduledAt.UTC(),
		Recurrence:   req.Recurrence,
		ExpiresAt:    req.ExpiresAt,
		Payload:      req.Payload,
	}
	if env.JobID == "" {
		env.JobID = uuid.NewString()
	}
	if req.ScheduledAt.IsZero() {
		env.ScheduledAt = now
	}
	if !env.ExpiresAt.IsZero() {
		env.ExpiresAt = env.ExpiresAt.UTC()
	}

	if env.Expired(now) {
		s.manager.audit.Log(ctx, "Create", domain.SeverityError, env.JobID,
			"job expiry already reached, nothing scheduled", envelopeParams(env))
		return "", domain.ErrJobExpired
	}

	messageID := s.manager.Enqueue(ctx, env)
	if messageID == "" {
		return "", errors.Wrapf(domain.ErrScheduleFailed, "enqueue job %s", env.JobID)
	}
	if !s.manager.RecordSubmission(ctx, env, messageID) {
		return "", errors.Wrapf(domain.ErrScheduleFailed, "record job %s", env.JobID)
	}

	s.manager.audit.Log(ctx, "Create", domain.SeverityVerbose, env.JobID,
		fmt.Sprintf("job scheduled for %s", env.ScheduledAt.Format(time.RFC3339)), envelopeParams(env))
	s.ensureLoopRunning()
	return env.JobID, nil
}

func (s *jobService) Cancel(ctx context.Context, ownerService, jobID string) bool {
	if ownerService == "" || jobID == "" {
		return false
	}
	return s.manager.Cancel(ctx, ownerService, jobID)
}

func (s *jobService) GetStatus(ctx context.Context, ownerService, jobID string) []domain.JobStatus {
	statuses := []domain.JobStatus{}
	if ownerService == "" {
		return statuses
	}

	if jobID != "" {
		if record := s.manager.GetRecord(ctx, ownerService, jobID); record != nil {
			statuses = append(statuses, record.Status())
		}
		return statuses
	}

	for _, record := range s.manager.GetAllRecords(ctx, ownerService) {
		statuses = append(statuses, record.Status())
	}
	return statuses
}

func (s *jobService) ensureLoopRunning() {
	if !s.autoStart || s.loop == nil {
		return
	}
	// Start is a no-op on a running loop and waits out a Stop that is
	// still draining, so the state is not checked here.
	if err := s.loop.Start(); err != nil {
		s.log.Warnw("Could not start scheduler loop", logger.FieldError, err)
	}
}
