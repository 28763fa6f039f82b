package database

import (
	"context"
	"time"

	"chime/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobRecordColumns = `owner_service, job_id, scheduled_at, recurrence, active, delivered, processed,
	last_appeared_at, transport_message_id, comments, created_at, updated_at`

type PostgresJobRecordStore struct {
	pool *pgxpool.Pool
}

func NewPostgresJobRecordStore(pool *pgxpool.Pool) *PostgresJobRecordStore {
	return &PostgresJobRecordStore{pool: pool}
}

func (r *PostgresJobRecordStore) Get(ctx context.Context, ownerService, jobID string) (*domain.JobRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobRecordColumns+` FROM job_records WHERE owner_service = $1 AND job_id = $2`,
		ownerService, jobID)

	record, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job record %s/%s", ownerService, jobID)
	}
	return record, nil
}

func (r *PostgresJobRecordStore) Upsert(ctx context.Context, record *domain.JobRecord) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO job_records (`+jobRecordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (owner_service, job_id) DO UPDATE SET
			scheduled_at = EXCLUDED.scheduled_at,
			recurrence = EXCLUDED.recurrence,
			active = EXCLUDED.active,
			delivered = EXCLUDED.delivered,
			processed = EXCLUDED.processed,
			last_appeared_at = EXCLUDED.last_appeared_at,
			transport_message_id = EXCLUDED.transport_message_id,
			comments = EXCLUDED.comments,
			updated_at = EXCLUDED.updated_at
		WHERE job_records.active`,
		record.OwnerService,
		record.JobID,
		record.ScheduledAt,
		int16(record.Recurrence),
		record.Active,
		record.Delivered,
		record.Processed,
		nullableTime(record.LastAppearedAt),
		record.TransportMessageID,
		nonNilComments(record.Comments),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert job record %s/%s", record.OwnerService, record.JobID)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobInactive
	}
	return nil
}

func (r *PostgresJobRecordStore) Update(ctx context.Context, record *domain.JobRecord) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_records SET
			scheduled_at = $3,
			recurrence = $4,
			active = job_records.active AND $5,
			delivered = $6,
			processed = $7,
			last_appeared_at = $8,
			transport_message_id = $9,
			comments = $10,
			updated_at = $11
		WHERE owner_service = $1 AND job_id = $2`,
		record.OwnerService,
		record.JobID,
		record.ScheduledAt,
		int16(record.Recurrence),
		record.Active,
		record.Delivered,
		record.Processed,
		nullableTime(record.LastAppearedAt),
		record.TransportMessageID,
		nonNilComments(record.Comments),
		record.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update job record %s/%s", record.OwnerService, record.JobID)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *PostgresJobRecordStore) ListByOwner(ctx context.Context, ownerService string) ([]*domain.JobRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobRecordColumns+` FROM job_records WHERE owner_service = $1 ORDER BY created_at, job_id`,
		ownerService)
	if err != nil {
		return nil, errors.Wrapf(err, "list job records of %s", ownerService)
	}
	defer rows.Close()

	var records []*domain.JobRecord
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job record")
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanPostgresRecord(row pgx.Row) (*domain.JobRecord, error) {
	var (
		record       domain.JobRecord
		recurrence   int16
		lastAppeared *time.Time
	)
	err := row.Scan(
		&record.OwnerService,
		&record.JobID,
		&record.ScheduledAt,
		&recurrence,
		&record.Active,
		&record.Delivered,
		&record.Processed,
		&lastAppeared,
		&record.TransportMessageID,
		&record.Comments,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Recurrence = domain.Recurrence(recurrence)
	record.ScheduledAt = record.ScheduledAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if lastAppeared != nil {
		record.LastAppearedAt = lastAppeared.UTC()
	}
	if len(record.Comments) == 0 {
		record.Comments = nil
	}
	return &record, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nonNilComments(c []string) []string {
	if c == nil {
		return []string{}
	}
	return c
}
