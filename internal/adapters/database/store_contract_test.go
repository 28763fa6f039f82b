package database

import (
	"context"
	"testing"
	"time"

	"chime/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testJobRecordStore exercises behaviour every JobRecordStore must share.
// Each subtest uses its own owner service so no cleanup is needed.
func testJobRecordStore(t *testing.T, store domain.JobRecordStore) {
	ctx := context.Background()
	now := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

	newRecord := func(owner, id string, created time.Time) *domain.JobRecord {
		r := domain.NewJobRecord(owner, id, created)
		r.ScheduledAt = created.Add(time.Hour)
		r.Recurrence = domain.RecurrenceMonthly
		r.TransportMessageID = "msg-" + id
		return r
	}

	t.Run("should return nil for a missing record", func(t *testing.T) {
		record, err := store.Get(ctx, uuid.NewString(), "missing")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("should round trip every field", func(t *testing.T) {
		owner := uuid.NewString()
		record := newRecord(owner, "job-1", now)
		record.Delivered = true
		record.Processed = true
		record.LastAppearedAt = now.Add(90 * time.Minute)
		record.Comments = []string{"first", "second line"}
		require.NoError(t, store.Upsert(ctx, record))

		got, err := store.Get(ctx, owner, "job-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, owner, got.OwnerService)
		assert.Equal(t, "job-1", got.JobID)
		assert.True(t, got.ScheduledAt.Equal(record.ScheduledAt))
		assert.Equal(t, domain.RecurrenceMonthly, got.Recurrence)
		assert.True(t, got.Active)
		assert.True(t, got.Delivered)
		assert.True(t, got.Processed)
		assert.True(t, got.LastAppearedAt.Equal(record.LastAppearedAt))
		assert.Equal(t, "msg-job-1", got.TransportMessageID)
		assert.Equal(t, []string{"first", "second line"}, got.Comments)
		assert.True(t, got.CreatedAt.Equal(now))
	})

	t.Run("should keep a zero last appearance", func(t *testing.T) {
		owner := uuid.NewString()
		require.NoError(t, store.Upsert(ctx, newRecord(owner, "job-1", now)))

		got, err := store.Get(ctx, owner, "job-1")
		require.NoError(t, err)
		assert.True(t, got.LastAppearedAt.IsZero())
		assert.Empty(t, got.Comments)
	})

	t.Run("should overwrite on upsert but keep the creation time", func(t *testing.T) {
		owner := uuid.NewString()
		require.NoError(t, store.Upsert(ctx, newRecord(owner, "job-1", now)))

		later := newRecord(owner, "job-1", now.Add(24*time.Hour))
		later.Delivered = true
		require.NoError(t, store.Upsert(ctx, later))

		got, err := store.Get(ctx, owner, "job-1")
		require.NoError(t, err)
		assert.True(t, got.Delivered)
		assert.True(t, got.ScheduledAt.Equal(later.ScheduledAt))
		assert.True(t, got.CreatedAt.Equal(now))
	})

	t.Run("should update existing records", func(t *testing.T) {
		owner := uuid.NewString()
		record := newRecord(owner, "job-1", now)
		require.NoError(t, store.Upsert(ctx, record))

		record.Cancel(now.Add(time.Minute))
		record.AppendComment("cancelled", 0, now.Add(time.Minute))
		require.NoError(t, store.Update(ctx, record))

		got, err := store.Get(ctx, owner, "job-1")
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, []string{"cancelled"}, got.Comments)
		assert.True(t, got.UpdatedAt.Equal(now.Add(time.Minute)))
	})

	t.Run("should refuse to upsert over a cancelled record", func(t *testing.T) {
		owner := uuid.NewString()
		record := newRecord(owner, "job-1", now)
		require.NoError(t, store.Upsert(ctx, record))

		cancelled := newRecord(owner, "job-1", now)
		cancelled.Cancel(now.Add(time.Minute))
		require.NoError(t, store.Update(ctx, cancelled))

		resubmitted := newRecord(owner, "job-1", now)
		resubmitted.ScheduledAt = now.Add(48 * time.Hour)
		resubmitted.TransportMessageID = "msg-late"
		err := store.Upsert(ctx, resubmitted)
		assert.ErrorIs(t, err, domain.ErrJobInactive)

		got, err := store.Get(ctx, owner, "job-1")
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, "msg-job-1", got.TransportMessageID)
		assert.True(t, got.ScheduledAt.Equal(record.ScheduledAt))
	})

	t.Run("should never reactivate on update", func(t *testing.T) {
		owner := uuid.NewString()
		require.NoError(t, store.Upsert(ctx, newRecord(owner, "job-1", now)))

		cancelled := newRecord(owner, "job-1", now)
		cancelled.Cancel(now.Add(time.Minute))
		require.NoError(t, store.Update(ctx, cancelled))

		stale := newRecord(owner, "job-1", now)
		stale.Processed = true
		stale.AppendComment("processed", 0, now.Add(2*time.Minute))
		require.NoError(t, store.Update(ctx, stale))

		got, err := store.Get(ctx, owner, "job-1")
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.True(t, got.Processed)
		assert.Equal(t, []string{"processed"}, got.Comments)
	})

	t.Run("should report updates of missing records", func(t *testing.T) {
		err := store.Update(ctx, newRecord(uuid.NewString(), "job-1", now))
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("should list one owner's records in creation order", func(t *testing.T) {
		owner := uuid.NewString()
		require.NoError(t, store.Upsert(ctx, newRecord(owner, "b", now.Add(time.Second))))
		require.NoError(t, store.Upsert(ctx, newRecord(owner, "a", now)))
		require.NoError(t, store.Upsert(ctx, newRecord(uuid.NewString(), "c", now)))

		records, err := store.ListByOwner(ctx, owner)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "a", records[0].JobID)
		assert.Equal(t, "b", records[1].JobID)
	})

	t.Run("should list nothing for an unknown owner", func(t *testing.T) {
		records, err := store.ListByOwner(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

type auditTrailReader interface {
	domain.AuditSink
	AuditTrail(ctx context.Context, correlationID string) ([]domain.AuditEntry, error)
}

func testAuditLog(t *testing.T, log auditTrailReader) {
	ctx := context.Background()
	correlationID := uuid.NewString()
	loggedAt := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

	require.NoError(t, log.Append(ctx, domain.AuditEntry{
		LoggedAt:      loggedAt,
		Source:        "scheduler",
		Operation:     "Enqueue",
		Severity:      domain.SeverityCritical,
		CorrelationID: correlationID,
		Message:       "redis unavailable",
		Parameters:    "owner=billing",
	}))
	require.NoError(t, log.Append(ctx, domain.AuditEntry{
		LoggedAt:      loggedAt.Add(time.Second),
		Source:        "scheduler",
		Operation:     "Cancel",
		Severity:      domain.SeverityVerbose,
		CorrelationID: correlationID,
		Message:       "job cancelled",
	}))

	entries, err := log.AuditTrail(ctx, correlationID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Enqueue", entries[0].Operation)
	assert.Equal(t, domain.SeverityCritical, entries[0].Severity)
	assert.Equal(t, "owner=billing", entries[0].Parameters)
	assert.True(t, entries[0].LoggedAt.Equal(loggedAt))
	assert.Equal(t, "Cancel", entries[1].Operation)
}
