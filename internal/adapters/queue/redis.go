package queue

import (
	"context"
	"fmt"
	"time"

	"chime/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Keys live under one hash tag so the scripts stay cluster safe:
//
//	scheduled  ZSET id -> visible-at (ms)
//	processing ZSET id -> lock deadline (ms), doubles as the lock token
//	bodies     HASH id -> message body
//	expiry     HASH id -> ttl deadline (ms), only for messages with a ttl
//	deliveries HASH id -> delivery count
var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
while true do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call('ZREM', KEYS[1], id)
	local ttl = redis.call('HGET', KEYS[4], id)
	if ttl and tonumber(ttl) <= tonumber(ARGV[1]) then
		redis.call('HDEL', KEYS[3], id)
		redis.call('HDEL', KEYS[4], id)
		redis.call('HDEL', KEYS[5], id)
	else
		local body = redis.call('HGET', KEYS[3], id)
		if body then
			redis.call('ZADD', KEYS[2], ARGV[2], id)
			local n = redis.call('HINCRBY', KEYS[5], id, 1)
			return {id, body, n}
		end
	end
end
`)

var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) or tonumber(score) <= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) or tonumber(score) <= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return #expired
`)

type RedisDelayQueue struct {
	client       *redis.Client
	name         string
	lockDuration time.Duration
	now          func() time.Time

	scheduledKey  string
	processingKey string
	bodiesKey     string
	expiryKey     string
	deliveriesKey string
}

type Option func(*RedisDelayQueue)

func WithClock(now func() time.Time) Option {
	return func(q *RedisDelayQueue) { q.now = now }
}

func WithKeyPrefix(prefix string) Option {
	return func(q *RedisDelayQueue) { q.setKeys(prefix) }
}

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return client, nil
}

func NewRedisDelayQueue(client *redis.Client, name string, lockDuration time.Duration, opts ...Option) *RedisDelayQueue {
	q := &RedisDelayQueue{
		client:       client,
		name:         name,
		lockDuration: lockDuration,
		now:          time.Now,
	}
	q.setKeys("chime")
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisDelayQueue) setKeys(prefix string) {
	base := fmt.Sprintf("%s:{%s}", prefix, q.name)
	q.scheduledKey = base + ":scheduled"
	q.processingKey = base + ":processing"
	q.bodiesKey = base + ":bodies"
	q.expiryKey = base + ":expiry"
	q.deliveriesKey = base + ":deliveries"
}

func (q *RedisDelayQueue) Enqueue(ctx context.Context, body []byte, visibleAt time.Time, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.bodiesKey, id, body)
		if ttl > 0 {
			pipe.HSet(ctx, q.expiryKey, id, q.now().Add(ttl).UnixMilli())
		}
		pipe.ZAdd(ctx, q.scheduledKey, &redis.Z{Score: float64(visibleAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "enqueue to %s", q.name)
	}
	return id, nil
}

func (q *RedisDelayQueue) Dequeue(ctx context.Context) (*domain.QueueMessage, error) {
	now := q.now()
	lockedUntil := now.Add(q.lockDuration)

	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.processingKey, q.bodiesKey, q.expiryKey, q.deliveriesKey},
		now.UnixMilli(), lockedUntil.UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dequeue from %s", q.name)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, errors.Newf("unexpected dequeue reply %v", res)
	}
	id, _ := vals[0].(string)
	body, _ := vals[1].(string)
	deliveries, _ := vals[2].(int64)

	return &domain.QueueMessage{
		ID:            id,
		Queue:         q.name,
		Body:          []byte(body),
		DeliveryCount: int(deliveries),
		LockedUntil:   time.UnixMilli(lockedUntil.UnixMilli()),
	}, nil
}

func (q *RedisDelayQueue) Ack(ctx context.Context, msg *domain.QueueMessage) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.processingKey, q.bodiesKey, q.expiryKey, q.deliveriesKey},
		msg.ID, msg.LockedUntil.UnixMilli(), q.now().UnixMilli(),
	).Int()
	if err != nil {
		return errors.Wrapf(err, "ack %s", msg.ID)
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrLockLost, "message %s", msg.ID)
	}
	return nil
}

func (q *RedisDelayQueue) Release(ctx context.Context, msg *domain.QueueMessage) error {
	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.processingKey, q.scheduledKey},
		msg.ID, msg.LockedUntil.UnixMilli(), q.now().UnixMilli(),
	).Int()
	if err != nil {
		return errors.Wrapf(err, "release %s", msg.ID)
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrLockLost, "message %s", msg.ID)
	}
	return nil
}

// ReclaimExpiredLocks makes messages whose consumer died visible again.
// Dequeue does the same inline, this keeps idle queues tidy.
func (q *RedisDelayQueue) ReclaimExpiredLocks(ctx context.Context) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.processingKey},
		q.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "reclaim locks on %s", q.name)
	}
	return n, nil
}

func (q *RedisDelayQueue) Close() error {
	return q.client.Close()
}
