package domain

import (
	"context"
	"time"
)

type QueueMessage struct {
	ID            string
	Queue         string
	Body          []byte
	DeliveryCount int
	LockedUntil   time.Time
}

type DelayQueue interface {
	// Enqueue stores body so that it becomes visible at visibleAt. A ttl <= 0
	// keeps the message until it is consumed.
	Enqueue(ctx context.Context, body []byte, visibleAt time.Time, ttl time.Duration) (string, error)
	// Dequeue locks the next visible message for the queue's lock duration.
	// Returns nil, nil when nothing is due.
	Dequeue(ctx context.Context) (*QueueMessage, error)
	// Ack removes a locked message permanently.
	Ack(ctx context.Context, message *QueueMessage) error
	// Release unlocks a message so it becomes visible again immediately.
	Release(ctx context.Context, message *QueueMessage) error
	Close() error
}

// LockReclaimer is implemented by queues whose expired locks must be swept
// explicitly rather than on every Dequeue.
type LockReclaimer interface {
	ReclaimExpiredLocks(ctx context.Context) (int, error)
}
