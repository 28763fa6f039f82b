package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chime/internal/adapters/memory"
	"chime/internal/domain"
	"chime/internal/logger"
	"chime/internal/testutil"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestManager(queue domain.DelayQueue, store domain.JobRecordStore, audit domain.AuditSink, clock *testutil.Clock, opts ...ManagerOption) *DispatchManager {
	opts = append([]ManagerOption{WithManagerClock(clock.Now)}, opts...)
	return NewDispatchManager(queue, store, logger.NewAuditLogger("test", audit, nil), opts...)
}

func testEnvelope(clock *testutil.Clock) *domain.JobEnvelope {
	return &domain.JobEnvelope{
		OwnerService: "billing",
		JobID:        "job-1",
		ScheduledAt:  clock.Now().Add(time.Hour),
		Recurrence:   domain.RecurrenceDaily,
		Payload:      []byte(`{"invoice":42}`),
	}
}

func TestDispatchManager_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("should submit the envelope visible at its scheduled time", func(t *testing.T) {
		clock := newTestClock()
		queue := &MockDelayQueue{}
		env := testEnvelope(clock)

		var body []byte
		queue.On("Enqueue", mock.Anything, mock.Anything, env.ScheduledAt, time.Duration(0)).
			Run(func(args mock.Arguments) { body = args.Get(1).([]byte) }).
			Return("msg-1", nil).Once()

		m := newTestManager(queue, memory.NewStorage(), nil, clock)
		assert.Equal(t, "msg-1", m.Enqueue(ctx, env))

		var decoded domain.JobEnvelope
		require.NoError(t, json.Unmarshal(body, &decoded))
		assert.Equal(t, env.JobID, decoded.JobID)
		assert.Equal(t, env.Payload, decoded.Payload)
		queue.AssertExpectations(t)
	})

	t.Run("should return empty and audit on queue failure", func(t *testing.T) {
		clock := newTestClock()
		queue := &MockDelayQueue{}
		queue.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("", errors.New("redis unavailable")).Once()

		audit := memory.NewStorage()
		m := newTestManager(queue, memory.NewStorage(), audit, clock)

		assert.Empty(t, m.Enqueue(ctx, testEnvelope(clock)))
		entries := audit.AuditEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, "Enqueue", entries[0].Operation)
		assert.Equal(t, "job-1", entries[0].CorrelationID)
		assert.Contains(t, entries[0].Message, "redis unavailable")
	})
}

func TestDispatchManager_RecordSubmission(t *testing.T) {
	ctx := context.Background()

	t.Run("should create an undelivered active record", func(t *testing.T) {
		clock := newTestClock()
		store := memory.NewStorage()
		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		env := testEnvelope(clock)

		require.True(t, m.RecordSubmission(ctx, env, "msg-1"))

		record, _ := store.Get(ctx, "billing", "job-1")
		require.NotNil(t, record)
		assert.True(t, record.Active)
		assert.False(t, record.Delivered)
		assert.Equal(t, env.ScheduledAt, record.ScheduledAt)
		assert.Equal(t, "msg-1", record.TransportMessageID)
		assert.Equal(t, clock.Now(), record.CreatedAt)
	})

	t.Run("should mark an existing record delivered and refresh the schedule", func(t *testing.T) {
		clock := newTestClock()
		store := memory.NewStorage()
		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		env := testEnvelope(clock)
		require.True(t, m.RecordSubmission(ctx, env, "msg-1"))

		clock.Advance(time.Hour)
		next, ok := env.Next()
		require.True(t, ok)
		require.True(t, m.RecordSubmission(ctx, next, "msg-2"))

		record, _ := store.Get(ctx, "billing", "job-1")
		assert.True(t, record.Delivered)
		assert.Equal(t, next.ScheduledAt, record.ScheduledAt)
		assert.Equal(t, "msg-2", record.TransportMessageID)
		assert.NotEqual(t, record.CreatedAt, record.UpdatedAt)
	})

	t.Run("should not reactivate a cancelled job", func(t *testing.T) {
		clock := newTestClock()
		store := memory.NewStorage()
		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		env := testEnvelope(clock)
		require.True(t, m.RecordSubmission(ctx, env, "msg-1"))
		require.True(t, m.Cancel(ctx, "billing", "job-1"))

		assert.False(t, m.RecordSubmission(ctx, env, "msg-2"))

		record, _ := store.Get(ctx, "billing", "job-1")
		assert.False(t, record.Active)
		assert.Equal(t, "msg-1", record.TransportMessageID)
	})

	t.Run("should not reactivate a job cancelled during the submission", func(t *testing.T) {
		clock := newTestClock()
		store := &cancelAfterReadStore{Storage: memory.NewStorage(), now: clock.Now}
		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		env := testEnvelope(clock)
		require.True(t, m.RecordSubmission(ctx, env, "msg-1"))

		store.armed = true
		next, ok := env.Next()
		require.True(t, ok)
		assert.False(t, m.RecordSubmission(ctx, next, "msg-2"))

		record, _ := store.Get(ctx, "billing", "job-1")
		assert.False(t, record.Active)
		assert.Equal(t, "msg-1", record.TransportMessageID)
	})

	t.Run("should return false when the store fails", func(t *testing.T) {
		clock := newTestClock()
		store := &MockJobRecordStore{}
		store.On("Get", mock.Anything, "billing", "job-1").Return(nil, nil).Once()
		store.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()

		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		assert.False(t, m.RecordSubmission(ctx, testEnvelope(clock), "msg-1"))
		store.AssertExpectations(t)
	})
}

func TestDispatchManager_Queue(t *testing.T) {
	ctx := context.Background()

	t.Run("should hide dequeue failures", func(t *testing.T) {
		clock := newTestClock()
		queue := &MockDelayQueue{}
		queue.On("Dequeue", mock.Anything).Return(nil, errors.New("timeout")).Once()

		m := newTestManager(queue, memory.NewStorage(), nil, clock)
		assert.Nil(t, m.Dequeue(ctx))
	})

	t.Run("should report ack and release failures as false", func(t *testing.T) {
		clock := newTestClock()
		msg := &domain.QueueMessage{ID: "msg-1"}
		queue := &MockDelayQueue{}
		queue.On("Ack", mock.Anything, msg).Return(domain.ErrLockLost).Once()
		queue.On("Release", mock.Anything, msg).Return(nil).Once()

		m := newTestManager(queue, memory.NewStorage(), nil, clock)
		assert.False(t, m.Ack(ctx, msg))
		assert.True(t, m.Release(ctx, msg))
		queue.AssertExpectations(t)
	})

	t.Run("should reject undecodable messages", func(t *testing.T) {
		m := newTestManager(&MockDelayQueue{}, memory.NewStorage(), nil, newTestClock())

		_, err := m.DecodeEnvelope(&domain.QueueMessage{ID: "m", Body: []byte("not json")})
		assert.Error(t, err)

		_, err = m.DecodeEnvelope(&domain.QueueMessage{ID: "m", Body: []byte(`{"job_id":"x"}`)})
		assert.Error(t, err)

		env, err := m.DecodeEnvelope(&domain.QueueMessage{ID: "m", Body: []byte(`{"owner_service":"o","job_id":"x","recurrence":"weekly"}`)})
		require.NoError(t, err)
		assert.Equal(t, domain.RecurrenceWeekly, env.Recurrence)
	})
}

func TestDispatchManager_Records(t *testing.T) {
	ctx := context.Background()

	t.Run("should treat missing records as inactive", func(t *testing.T) {
		clock := newTestClock()
		m := newTestManager(&MockDelayQueue{}, memory.NewStorage(), nil, clock)
		assert.False(t, m.IsStillActive(ctx, testEnvelope(clock)))
	})

	t.Run("should treat unreadable records as inactive", func(t *testing.T) {
		clock := newTestClock()
		store := &MockJobRecordStore{}
		store.On("Get", mock.Anything, "billing", "job-1").Return(nil, errors.New("timeout")).Once()

		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		assert.False(t, m.IsStillActive(ctx, testEnvelope(clock)))
	})

	t.Run("should cancel idempotently", func(t *testing.T) {
		clock := newTestClock()
		store := memory.NewStorage()
		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		require.True(t, m.RecordSubmission(ctx, testEnvelope(clock), "msg-1"))

		assert.True(t, m.Cancel(ctx, "billing", "job-1"))
		assert.True(t, m.Cancel(ctx, "billing", "job-1"))

		record, _ := store.Get(ctx, "billing", "job-1")
		assert.False(t, record.Active)
	})

	t.Run("should not cancel unknown jobs", func(t *testing.T) {
		m := newTestManager(&MockDelayQueue{}, memory.NewStorage(), nil, newTestClock())
		assert.False(t, m.Cancel(ctx, "billing", "missing"))
	})

	t.Run("should record outcomes", func(t *testing.T) {
		clock := newTestClock()
		store := memory.NewStorage()
		m := newTestManager(&MockDelayQueue{}, store, nil, clock)
		require.True(t, m.RecordSubmission(ctx, testEnvelope(clock), "msg-1"))

		appeared := clock.Now().Add(time.Minute)
		require.True(t, m.RecordOutcome(ctx, "billing", "job-1", domain.DispatchOutcome{
			Delivered:  true,
			Processed:  true,
			Comment:    "processed",
			OccurredAt: appeared,
		}))

		record := m.GetRecord(ctx, "billing", "job-1")
		require.NotNil(t, record)
		assert.True(t, record.Delivered)
		assert.True(t, record.Processed)
		assert.Equal(t, appeared, record.LastAppearedAt)
		assert.Equal(t, []string{"processed"}, record.Comments)
	})

	t.Run("should cap the comment history", func(t *testing.T) {
		clock := newTestClock()
		store := memory.NewStorage()
		m := newTestManager(&MockDelayQueue{}, store, nil, clock, WithCommentHistoryLimit(2))
		require.True(t, m.RecordSubmission(ctx, testEnvelope(clock), "msg-1"))

		for _, c := range []string{"a", "b", "c"} {
			require.True(t, m.AppendComment(ctx, "billing", "job-1", c))
		}
		assert.Equal(t, []string{"b", "c"}, m.GetRecord(ctx, "billing", "job-1").Comments)
	})

	t.Run("should fail outcome updates for missing records", func(t *testing.T) {
		m := newTestManager(&MockDelayQueue{}, memory.NewStorage(), nil, newTestClock())
		assert.False(t, m.RecordOutcome(ctx, "billing", "missing", domain.DispatchOutcome{}))
	})

	t.Run("should return nothing when listing fails", func(t *testing.T) {
		store := &MockJobRecordStore{}
		store.On("ListByOwner", mock.Anything, "billing").Return(nil, errors.New("timeout")).Once()

		m := newTestManager(&MockDelayQueue{}, store, nil, newTestClock())
		assert.Empty(t, m.GetAllRecords(ctx, "billing"))
	})
}

// cancelAfterReadStore cancels the record right after the next Get, the way
// a concurrent Cancel from another process would.
type cancelAfterReadStore struct {
	*memory.Storage
	now   func() time.Time
	armed bool
}

func (s *cancelAfterReadStore) Get(ctx context.Context, ownerService, jobID string) (*domain.JobRecord, error) {
	record, err := s.Storage.Get(ctx, ownerService, jobID)
	if s.armed && record != nil {
		s.armed = false
		cancelled := *record
		cancelled.Cancel(s.now())
		if err := s.Storage.Update(ctx, &cancelled); err != nil {
			return nil, err
		}
	}
	return record, err
}
