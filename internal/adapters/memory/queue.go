package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chime/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type queueEntry struct {
	id          string
	body        []byte
	visibleAt   time.Time
	expiresAt   time.Time
	lockedUntil time.Time
	deliveries  int
	seq         uint64
}

// DelayQueue is an in-process domain.DelayQueue with the same visibility
// and lock semantics as the Redis queue.
type DelayQueue struct {
	mu           sync.Mutex
	name         string
	lockDuration time.Duration
	now          func() time.Time
	seq          uint64
	entries      map[string]*queueEntry
	closed       bool
}

type QueueOption func(*DelayQueue)

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *DelayQueue) { q.now = now }
}

func WithQueueName(name string) QueueOption {
	return func(q *DelayQueue) { q.name = name }
}

func NewDelayQueue(lockDuration time.Duration, opts ...QueueOption) *DelayQueue {
	q := &DelayQueue{
		name:         "scheduledjobs",
		lockDuration: lockDuration,
		now:          time.Now,
		entries:      make(map[string]*queueEntry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *DelayQueue) Enqueue(_ context.Context, body []byte, visibleAt time.Time, ttl time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errors.New("queue closed")
	}

	q.seq++
	e := &queueEntry{
		id:        uuid.NewString(),
		body:      append([]byte(nil), body...),
		visibleAt: visibleAt,
		seq:       q.seq,
	}
	if ttl > 0 {
		e.expiresAt = q.now().Add(ttl)
	}
	q.entries[e.id] = e
	return e.id, nil
}

func (q *DelayQueue) Dequeue(_ context.Context) (*domain.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.New("queue closed")
	}

	now := q.now()
	var due []*queueEntry
	for id, e := range q.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(q.entries, id)
			continue
		}
		if e.lockedUntil.After(now) || e.visibleAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].visibleAt.Equal(due[j].visibleAt) {
			return due[i].visibleAt.Before(due[j].visibleAt)
		}
		return due[i].seq < due[j].seq
	})

	e := due[0]
	e.lockedUntil = now.Add(q.lockDuration)
	e.deliveries++
	return &domain.QueueMessage{
		ID:            e.id,
		Queue:         q.name,
		Body:          append([]byte(nil), e.body...),
		DeliveryCount: e.deliveries,
		LockedUntil:   e.lockedUntil,
	}, nil
}

func (q *DelayQueue) Ack(_ context.Context, msg *domain.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.heldLocked(msg); err != nil {
		return err
	}
	delete(q.entries, msg.ID)
	return nil
}

func (q *DelayQueue) Release(_ context.Context, msg *domain.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.heldLocked(msg)
	if err != nil {
		return err
	}
	e.lockedUntil = time.Time{}
	e.visibleAt = q.now()
	return nil
}

// heldLocked checks that msg still holds the lock it was delivered with.
func (q *DelayQueue) heldLocked(msg *domain.QueueMessage) (*queueEntry, error) {
	e, ok := q.entries[msg.ID]
	if !ok || e.deliveries != msg.DeliveryCount || !e.lockedUntil.Equal(msg.LockedUntil) || !e.lockedUntil.After(q.now()) {
		return nil, errors.Wrapf(domain.ErrLockLost, "message %s", msg.ID)
	}
	return e, nil
}

func (q *DelayQueue) ReclaimExpiredLocks(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, e := range q.entries {
		if !e.lockedUntil.IsZero() && !e.lockedUntil.After(now) {
			e.lockedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

// Len reports how many messages are stored, locked or not.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *DelayQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
