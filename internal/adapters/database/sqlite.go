package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chime/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLiteStorage keeps job records and the audit trail in a single SQLite
// file, for single-node deployments without Postgres.
type SQLiteStorage struct {
	db         *sql.DB
	auditTable string
}

func OpenSQLite(ctx context.Context, path, auditTable string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")

	if auditTable == "" {
		auditTable = DefaultAuditTable
	}
	s := &SQLiteStorage{db: db, auditTable: auditTable}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return errors.Wrap(err, "migrate job_records")
	}
	if _, err := s.db.ExecContext(ctx, auditSchema(s.auditTable, "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT")); err != nil {
		return errors.Wrapf(err, "migrate %s", s.auditTable)
	}
	return nil
}

func (s *SQLiteStorage) Get(ctx context.Context, ownerService, jobID string) (*domain.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobRecordColumns+` FROM job_records WHERE owner_service = ? AND job_id = ?`,
		ownerService, jobID)

	record, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job record %s/%s", ownerService, jobID)
	}
	return record, nil
}

func (s *SQLiteStorage) Upsert(ctx context.Context, record *domain.JobRecord) error {
	args, err := sqliteArgs(record)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records (`+jobRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_service, job_id) DO UPDATE SET
			scheduled_at = excluded.scheduled_at,
			recurrence = excluded.recurrence,
			active = excluded.active,
			delivered = excluded.delivered,
			processed = excluded.processed,
			last_appeared_at = excluded.last_appeared_at,
			transport_message_id = excluded.transport_message_id,
			comments = excluded.comments,
			updated_at = excluded.updated_at
		WHERE job_records.active`,
		args...,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert job record %s/%s", record.OwnerService, record.JobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobInactive
	}
	return nil
}

func (s *SQLiteStorage) Update(ctx context.Context, record *domain.JobRecord) error {
	args, err := sqliteArgs(record)
	if err != nil {
		return err
	}
	// args follow the column order; created_at is never rewritten.
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_records SET
			scheduled_at = ?,
			recurrence = ?,
			active = (active AND ?),
			delivered = ?,
			processed = ?,
			last_appeared_at = ?,
			transport_message_id = ?,
			comments = ?,
			updated_at = ?
		WHERE owner_service = ? AND job_id = ?`,
		args[2], args[3], args[4], args[5], args[6], args[7], args[8], args[9], args[11],
		record.OwnerService, record.JobID,
	)
	if err != nil {
		return errors.Wrapf(err, "update job record %s/%s", record.OwnerService, record.JobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStorage) ListByOwner(ctx context.Context, ownerService string) ([]*domain.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobRecordColumns+` FROM job_records WHERE owner_service = ? ORDER BY created_at, job_id`,
		ownerService)
	if err != nil {
		return nil, errors.Wrapf(err, "list job records of %s", ownerService)
	}
	defer rows.Close()

	var records []*domain.JobRecord
	for rows.Next() {
		record, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job record")
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStorage) Append(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (logged_at, source, operation, severity, correlation_id, message, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, pq.QuoteIdentifier(s.auditTable)),
		formatTime(entry.LoggedAt),
		entry.Source,
		entry.Operation,
		entry.Severity.String(),
		entry.CorrelationID,
		entry.Message,
		entry.Parameters,
	)
	if err != nil {
		return errors.Wrapf(err, "append audit entry to %s", s.auditTable)
	}
	return nil
}

func (s *SQLiteStorage) AuditTrail(ctx context.Context, correlationID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT logged_at, source, operation, severity, correlation_id, message, parameters
		FROM %s WHERE correlation_id = ? ORDER BY id`, pq.QuoteIdentifier(s.auditTable)),
		correlationID)
	if err != nil {
		return nil, errors.Wrapf(err, "read audit trail of %s", correlationID)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			entry              domain.AuditEntry
			loggedAt, severity string
		)
		if err := rows.Scan(&loggedAt, &entry.Source, &entry.Operation, &severity,
			&entry.CorrelationID, &entry.Message, &entry.Parameters); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		if entry.LoggedAt, err = parseTime(loggedAt); err != nil {
			return nil, err
		}
		entry.Severity = domain.ParseSeverity(severity)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row sqlScanner) (*domain.JobRecord, error) {
	var (
		record                          domain.JobRecord
		scheduledAt, createdAt, updated string
		lastAppeared                    sql.NullString
		comments                        string
	)
	err := row.Scan(
		&record.OwnerService,
		&record.JobID,
		&scheduledAt,
		&record.Recurrence,
		&record.Active,
		&record.Delivered,
		&record.Processed,
		&lastAppeared,
		&record.TransportMessageID,
		&comments,
		&createdAt,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	if record.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if lastAppeared.Valid {
		if record.LastAppearedAt, err = parseTime(lastAppeared.String); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(comments), &record.Comments); err != nil {
		return nil, errors.Wrap(err, "decode comments")
	}
	if len(record.Comments) == 0 {
		record.Comments = nil
	}
	return &record, nil
}

func sqliteArgs(record *domain.JobRecord) ([]any, error) {
	comments, err := json.Marshal(nonNilComments(record.Comments))
	if err != nil {
		return nil, errors.Wrap(err, "encode comments")
	}
	var lastAppeared any
	if !record.LastAppearedAt.IsZero() {
		lastAppeared = formatTime(record.LastAppearedAt)
	}
	return []any{
		record.OwnerService,
		record.JobID,
		formatTime(record.ScheduledAt),
		int(record.Recurrence),
		record.Active,
		record.Delivered,
		record.Processed,
		lastAppeared,
		record.TransportMessageID,
		string(comments),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	}, nil
}

// Fixed width so that text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t.UTC(), nil
}
