package refresh

import (
	"context"
	"fmt"
	"time"

	oauth "github.com/haileyok/atproto-oauth-refresher"
	"github.com/redis/go-redis/v9"
)

const (
	// QueueKey is the shared sorted set of session groups scored by the unix
	// millisecond at which they are due.
	QueueKey = "auth_session:oauth:refresh"

	// HeartbeatsKey maps worker ids to the unix millisecond of their last tick.
	HeartbeatsKey = "auth_session:oauth:refresh:workers"
)

// WorkerQueueKey is the sorted set holding items claimed by one worker.
func WorkerQueueKey(workerId string) string {
	return fmt.Sprintf("%s:%s", QueueKey, workerId)
}

// Queue schedules session refreshes in redis. It is what the login flow uses
// to arm the first refresh.
type Queue struct {
	client redis.UniversalClient
}

var _ oauth.RefreshScheduler = &Queue{}

func NewQueue(client redis.UniversalClient) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Schedule(ctx context.Context, sessionGroup string, at time.Time) error {
	if err := q.client.ZAdd(ctx, QueueKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: sessionGroup,
	}).Err(); err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	return nil
}

// Unschedule removes the session group from the shared queue and from every
// worker queue with a heartbeat.
func (q *Queue) Unschedule(ctx context.Context, sessionGroup string) error {
	workers, err := q.client.HKeys(ctx, HeartbeatsKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list refresh workers: %w", err)
	}

	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, QueueKey, sessionGroup)
		for _, w := range workers {
			pipe.ZRem(ctx, WorkerQueueKey(w), sessionGroup)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unschedule refresh: %w", err)
	}

	return nil
}

// claimScript moves up to ARGV[2] items due by ARGV[1] from the shared queue
// (KEYS[1]) into a worker queue (KEYS[2]) and returns how many moved.
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[2]))
for i = 1, #items, 2 do
	redis.call('ZADD', KEYS[2], items[i + 1], items[i])
	redis.call('ZREM', KEYS[1], items[i])
end
return #items / 2
`)

// reclaimScript returns the queue (KEYS[2]) of worker ARGV[1] to the shared
// queue (KEYS[3]) if its heartbeat in KEYS[1] is not newer than ARGV[2].
// Returns -1 when the worker is alive or already gone.
var reclaimScript = redis.NewScript(`
local beat = redis.call('HGET', KEYS[1], ARGV[1])
if not beat then
	return -1
end
local ms = tonumber(beat)
if ms and ms > tonumber(ARGV[2]) then
	return -1
end
local items = redis.call('ZRANGE', KEYS[2], 0, -1, 'WITHSCORES')
for i = 1, #items, 2 do
	redis.call('ZADD', KEYS[3], items[i + 1], items[i])
end
redis.call('DEL', KEYS[2])
redis.call('HDEL', KEYS[1], ARGV[1])
return #items / 2
`)
