package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteDue moves delayed jobs whose time has come onto the ready list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('LPUSH', KEYS[2], job)
end
return #due
`)

const promoteBatch = 100

// Redis keeps ready jobs in a list (LPUSH/BRPOP) and delayed retries in a
// sorted set scored by the unix millisecond they become due.
type Redis struct {
	client      *redis.Client
	readyKey    string
	delayedKey  string
	maxAttempts int
}

var _ Queue = (*Redis)(nil)

func NewRedis(url, name string, maxAttempts int) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{
		client:      client,
		readyKey:    name + ":ready",
		delayedKey:  name + ":delayed",
		maxAttempts: maxAttempts,
	}, nil
}

// Ping checks the connection.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Redis) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	job, err := newJob(name, payload, q.maxAttempts)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.readyKey, data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return job.ID, nil
}

func (q *Redis) Dequeue(ctx context.Context, blockFor time.Duration) (*Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	result, err := q.client.BRPop(ctx, blockFor, q.readyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result: %v", result)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *Redis) promote(ctx context.Context) error {
	now := time.Now().UnixMilli()
	err := promoteDue.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return nil
}

func (q *Redis) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return q.client.LPush(ctx, q.readyKey, data).Err()
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: data}).Err()
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}
