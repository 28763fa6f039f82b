package database

import (
	"context"
	"testing"

	"chime/internal/ports"
	"chime/internal/testutil"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
)

var _ ports.Storage = (*PostgresStorage)(nil)

type PostgresStorageIntegrationTestSuite struct {
	suite.Suite
	container testcontainers.Container
	pool      *pgxpool.Pool
	storage   *PostgresStorage
	ctx       context.Context
}

func (suite *PostgresStorageIntegrationTestSuite) SetupSuite() {
	suite.ctx = context.Background()
	suite.container, suite.pool = testutil.SetupTestDatabase(suite.T(), suite.ctx)
	suite.storage = NewPostgresStorage(suite.pool, "timer job logs")
	suite.Require().NoError(suite.storage.Migrate(suite.ctx))
}

func (suite *PostgresStorageIntegrationTestSuite) TearDownSuite() {
	testutil.CleanupTestDatabase(suite.T(), suite.ctx, suite.container, suite.pool)
}

func (suite *PostgresStorageIntegrationTestSuite) SetupTest() {
	testutil.TruncateTables(suite.T(), suite.ctx, suite.pool, "job_records")
}

func (suite *PostgresStorageIntegrationTestSuite) TestJobRecordStore() {
	testJobRecordStore(suite.T(), suite.storage)
}

func (suite *PostgresStorageIntegrationTestSuite) TestAuditLog() {
	testAuditLog(suite.T(), suite.storage)
}

func (suite *PostgresStorageIntegrationTestSuite) TestMigrateIsIdempotent() {
	suite.NoError(suite.storage.Migrate(suite.ctx))
}

func TestPostgresStorageIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	suite.Run(t, new(PostgresStorageIntegrationTestSuite))
}
