package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chime/internal/domain"
	"chime/internal/logger"
	"chime/internal/metrics"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultCommentHistoryLimit = 100

// DispatchManager is the only component that talks to the delay queue and
// the record store. Collaborator failures never escape: they are audited
// and turned into zero values or false.
type DispatchManager struct {
	queue        domain.DelayQueue
	store        domain.JobRecordStore
	audit        *logger.AuditLogger
	log          *zap.SugaredLogger
	metrics      *metrics.Collector
	commentLimit int
	now          func() time.Time

	// Throttles process-log noise when a collaborator is down and every
	// poll fails the same way. The audit sink still gets every entry.
	errLimiter *rate.Limiter
}

type ManagerOption func(*DispatchManager)

func WithManagerMetrics(c *metrics.Collector) ManagerOption {
	return func(m *DispatchManager) { m.metrics = c }
}

func WithCommentHistoryLimit(limit int) ManagerOption {
	return func(m *DispatchManager) { m.commentLimit = limit }
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *DispatchManager) { m.now = now }
}

func NewDispatchManager(queue domain.DelayQueue, store domain.JobRecordStore, audit *logger.AuditLogger, opts ...ManagerOption) *DispatchManager {
	m := &DispatchManager{
		queue:        queue,
		store:        store,
		audit:        audit,
		log:          logger.ComponentLogger("dispatch"),
		commentLimit: DefaultCommentHistoryLimit,
		now:          func() time.Time { return time.Now().UTC() },
		errLimiter:   rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	if audit == nil {
		m.audit = logger.NewAuditLogger("dispatch", nil, m.log)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *DispatchManager) Enqueue(ctx context.Context, env *domain.JobEnvelope) string {
	body, err := json.Marshal(env)
	if err != nil {
		m.fail(ctx, "Enqueue", env.JobID, errors.Wrap(err, "encode envelope"), envelopeParams(env))
		return ""
	}
	id, err := m.queue.Enqueue(ctx, body, env.ScheduledAt, 0)
	if err != nil {
		m.metrics.RecordEnqueueFailure()
		m.fail(ctx, "Enqueue", env.JobID, err, envelopeParams(env))
		return ""
	}
	m.metrics.RecordEnqueue()
	m.log.Debugw("Job occurrence enqueued",
		logger.FieldJobID, env.JobID,
		logger.FieldOwnerService, env.OwnerService,
		logger.FieldMessageID, id,
		logger.FieldScheduledAt, env.ScheduledAt,
	)
	return id
}

// RecordSubmission upserts the record for an enqueued occurrence. It refuses
// to reactivate a cancelled job.
func (m *DispatchManager) RecordSubmission(ctx context.Context, env *domain.JobEnvelope, messageID string) bool {
	now := m.now()
	record, err := m.store.Get(ctx, env.OwnerService, env.JobID)
	if err != nil {
		m.fail(ctx, "RecordSubmission", env.JobID, err, envelopeParams(env))
		return false
	}
	existed := record != nil
	if !existed {
		record = domain.NewJobRecord(env.OwnerService, env.JobID, now)
	} else if !record.Active {
		m.audit.LogException(ctx, "RecordSubmission", domain.SeverityError, env.JobID,
			errors.Wrap(domain.ErrJobInactive, "cancelled jobs cannot be rescheduled"), envelopeParams(env))
		return false
	}
	record.ApplySubmission(env, messageID, existed, now)
	if err := m.store.Upsert(ctx, record); err != nil {
		// Cancelled between the read above and the write.
		if errors.Is(err, domain.ErrJobInactive) {
			m.audit.LogException(ctx, "RecordSubmission", domain.SeverityError, env.JobID,
				errors.Wrap(err, "cancelled jobs cannot be rescheduled"), envelopeParams(env))
			return false
		}
		m.fail(ctx, "RecordSubmission", env.JobID, err, envelopeParams(env))
		return false
	}
	return true
}

func (m *DispatchManager) Dequeue(ctx context.Context) *domain.QueueMessage {
	msg, err := m.queue.Dequeue(ctx)
	if err != nil {
		m.fail(ctx, "Dequeue", "", err, "")
		return nil
	}
	return msg
}

func (m *DispatchManager) DecodeEnvelope(msg *domain.QueueMessage) (*domain.JobEnvelope, error) {
	var env domain.JobEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "decode envelope"), "message %s", msg.ID)
	}
	if env.OwnerService == "" || env.JobID == "" {
		return nil, errors.Newf("envelope in message %s has no job key", msg.ID)
	}
	return &env, nil
}

func (m *DispatchManager) Ack(ctx context.Context, msg *domain.QueueMessage) bool {
	if err := m.queue.Ack(ctx, msg); err != nil {
		m.fail(ctx, "Ack", msg.ID, err, "")
		return false
	}
	return true
}

func (m *DispatchManager) Release(ctx context.Context, msg *domain.QueueMessage) bool {
	if err := m.queue.Release(ctx, msg); err != nil {
		m.fail(ctx, "Release", msg.ID, err, "")
		return false
	}
	m.metrics.RecordReleased()
	return true
}

func (m *DispatchManager) IsStillActive(ctx context.Context, env *domain.JobEnvelope) bool {
	record, err := m.store.Get(ctx, env.OwnerService, env.JobID)
	if err != nil {
		m.fail(ctx, "IsStillActive", env.JobID, err, envelopeParams(env))
		return false
	}
	return record != nil && record.Active
}

// Cancel marks the job inactive. Messages already in the queue are left in
// place and discarded when they surface.
func (m *DispatchManager) Cancel(ctx context.Context, ownerService, jobID string) bool {
	ok := m.mutate(ctx, "Cancel", ownerService, jobID, func(r *domain.JobRecord, now time.Time) {
		r.Cancel(now)
	})
	if ok {
		m.audit.Log(ctx, "Cancel", domain.SeverityVerbose, jobID, "job cancelled", "owner="+ownerService)
	}
	return ok
}

func (m *DispatchManager) RecordOutcome(ctx context.Context, ownerService, jobID string, outcome domain.DispatchOutcome) bool {
	return m.mutate(ctx, "RecordOutcome", ownerService, jobID, func(r *domain.JobRecord, now time.Time) {
		r.ApplyOutcome(outcome, m.commentLimit, now)
	})
}

func (m *DispatchManager) AppendComment(ctx context.Context, ownerService, jobID, comment string) bool {
	return m.mutate(ctx, "AppendComment", ownerService, jobID, func(r *domain.JobRecord, now time.Time) {
		r.AppendComment(comment, m.commentLimit, now)
	})
}

func (m *DispatchManager) GetRecord(ctx context.Context, ownerService, jobID string) *domain.JobRecord {
	record, err := m.store.Get(ctx, ownerService, jobID)
	if err != nil {
		m.fail(ctx, "GetRecord", jobID, err, "owner="+ownerService)
		return nil
	}
	return record
}

func (m *DispatchManager) GetAllRecords(ctx context.Context, ownerService string) []*domain.JobRecord {
	records, err := m.store.ListByOwner(ctx, ownerService)
	if err != nil {
		m.fail(ctx, "GetAllRecords", "", err, "owner="+ownerService)
		return nil
	}
	return records
}

func (m *DispatchManager) mutate(ctx context.Context, operation, ownerService, jobID string, apply func(*domain.JobRecord, time.Time)) bool {
	record, err := m.store.Get(ctx, ownerService, jobID)
	if err != nil {
		m.fail(ctx, operation, jobID, err, "owner="+ownerService)
		return false
	}
	if record == nil {
		m.audit.Log(ctx, operation, domain.SeverityVerbose, jobID, "no record for job", "owner="+ownerService)
		return false
	}
	apply(record, m.now())
	if err := m.store.Update(ctx, record); err != nil {
		m.fail(ctx, operation, jobID, err, "owner="+ownerService)
		return false
	}
	return true
}

func (m *DispatchManager) fail(ctx context.Context, operation, correlationID string, err error, params string) {
	m.metrics.RecordCollaboratorError(operation)
	if m.errLimiter.Allow() {
		m.audit.LogException(ctx, operation, domain.SeverityCritical, correlationID, err, params)
		return
	}
	m.audit.LogException(ctx, operation, domain.SeverityVerbose, correlationID, err, params)
}

func envelopeParams(env *domain.JobEnvelope) string {
	return fmt.Sprintf("owner=%s scheduled_at=%s recurrence=%s expires_at=%s",
		env.OwnerService, env.ScheduledAt.Format(time.RFC3339), env.Recurrence, formatExpiry(env.ExpiresAt))
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
