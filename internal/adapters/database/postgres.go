package database

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPostgresPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return pool, nil
}

// PostgresStorage bundles the record store and the audit log over one pool.
type PostgresStorage struct {
	*PostgresJobRecordStore
	*PostgresAuditLog
	pool *pgxpool.Pool
}

func NewPostgresStorage(pool *pgxpool.Pool, auditTable string) *PostgresStorage {
	return &PostgresStorage{
		PostgresJobRecordStore: NewPostgresJobRecordStore(pool),
		PostgresAuditLog:       NewPostgresAuditLog(pool, auditTable),
		pool:                   pool,
	}
}

func (s *PostgresStorage) Migrate(ctx context.Context) error {
	return MigratePostgres(ctx, s.pool, s.PostgresAuditLog.table)
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
