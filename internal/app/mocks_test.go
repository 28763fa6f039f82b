package app

import (
	"context"
	"time"

	"chime/internal/domain"
	"chime/internal/testutil"

	"github.com/stretchr/testify/mock"
)

// MockDelayQueue is a mock implementation of domain.DelayQueue
type MockDelayQueue struct {
	mock.Mock
}

func (m *MockDelayQueue) Enqueue(ctx context.Context, body []byte, visibleAt time.Time, ttl time.Duration) (string, error) {
	args := m.Called(ctx, body, visibleAt, ttl)
	return args.String(0), args.Error(1)
}

func (m *MockDelayQueue) Dequeue(ctx context.Context) (*domain.QueueMessage, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(*domain.QueueMessage)
	return msg, args.Error(1)
}

func (m *MockDelayQueue) Ack(ctx context.Context, message *domain.QueueMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockDelayQueue) Release(ctx context.Context, message *domain.QueueMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockDelayQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockJobRecordStore is a mock implementation of domain.JobRecordStore
type MockJobRecordStore struct {
	mock.Mock
}

func (m *MockJobRecordStore) Get(ctx context.Context, ownerService, jobID string) (*domain.JobRecord, error) {
	args := m.Called(ctx, ownerService, jobID)
	record, _ := args.Get(0).(*domain.JobRecord)
	return record, args.Error(1)
}

func (m *MockJobRecordStore) Upsert(ctx context.Context, record *domain.JobRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockJobRecordStore) Update(ctx context.Context, record *domain.JobRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockJobRecordStore) ListByOwner(ctx context.Context, ownerService string) ([]*domain.JobRecord, error) {
	args := m.Called(ctx, ownerService)
	records, _ := args.Get(0).([]*domain.JobRecord)
	return records, args.Error(1)
}

// MockSchedulerLoop is a mock implementation of ports.SchedulerLoop
type MockSchedulerLoop struct {
	mock.Mock
}

func (m *MockSchedulerLoop) RegisterHandler(ownerService string, handler domain.JobHandler) error {
	args := m.Called(ownerService, handler)
	return args.Error(0)
}

func (m *MockSchedulerLoop) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockSchedulerLoop) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSchedulerLoop) State() domain.LoopState {
	args := m.Called()
	return args.Get(0).(domain.LoopState)
}

func newTestClock() *testutil.Clock {
	return testutil.NewClock(time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC))
}
