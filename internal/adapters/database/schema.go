package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const DefaultAuditTable = "timer_job_logs"

func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, auditTable string) error {
	schema, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		return errors.Wrap(err, "migrate job_records")
	}
	if _, err := pool.Exec(ctx, auditSchema(auditTable, "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ")); err != nil {
		return errors.Wrapf(err, "migrate %s", auditTable)
	}
	return nil
}

// auditSchema builds the audit table DDL. The table name is configurable,
// so it is quoted rather than interpolated raw.
func auditSchema(table, idColumn, timeType string) string {
	if table == "" {
		table = DefaultAuditTable
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id %[3]s,
	logged_at %[4]s NOT NULL,
	source TEXT NOT NULL,
	operation TEXT NOT NULL,
	severity TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s(correlation_id);
`, pq.QuoteIdentifier(table), pq.QuoteIdentifier("idx_"+table+"_correlation"), idColumn, timeType)
}
