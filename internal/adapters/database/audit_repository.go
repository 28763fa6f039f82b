package database

import (
	"context"
	"fmt"

	"chime/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

type PostgresAuditLog struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresAuditLog(pool *pgxpool.Pool, table string) *PostgresAuditLog {
	if table == "" {
		table = DefaultAuditTable
	}
	return &PostgresAuditLog{pool: pool, table: table}
}

func (l *PostgresAuditLog) Append(ctx context.Context, entry domain.AuditEntry) error {
	_, err := l.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (logged_at, source, operation, severity, correlation_id, message, parameters)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, pq.QuoteIdentifier(l.table)),
		entry.LoggedAt,
		entry.Source,
		entry.Operation,
		entry.Severity.String(),
		entry.CorrelationID,
		entry.Message,
		entry.Parameters,
	)
	if err != nil {
		return errors.Wrapf(err, "append audit entry to %s", l.table)
	}
	return nil
}

// AuditTrail returns the entries recorded for one correlation id, oldest
// first.
func (l *PostgresAuditLog) AuditTrail(ctx context.Context, correlationID string) ([]domain.AuditEntry, error) {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(`
		SELECT logged_at, source, operation, severity, correlation_id, message, parameters
		FROM %s WHERE correlation_id = $1 ORDER BY id`, pq.QuoteIdentifier(l.table)),
		correlationID)
	if err != nil {
		return nil, errors.Wrapf(err, "read audit trail of %s", correlationID)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			entry    domain.AuditEntry
			severity string
		)
		if err := rows.Scan(&entry.LoggedAt, &entry.Source, &entry.Operation, &severity,
			&entry.CorrelationID, &entry.Message, &entry.Parameters); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		entry.Severity = domain.ParseSeverity(severity)
		entry.LoggedAt = entry.LoggedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
