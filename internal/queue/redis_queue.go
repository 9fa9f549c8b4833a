package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tts-studio/internal/config"
)

// JobQueue coordinates the FIFO production queue in Redis. One job occupies
// the processing slot at a time; the rest wait in the ready list in arrival
// order.
type JobQueue struct {
	client       *redis.Client
	readyKey     string
	slotKey      string
	cancelPrefix string
	regenKey     string
}

// NewJobQueue builds a queue client from config.
func NewJobQueue(cfg config.Config) *JobQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewJobQueueWithClient(client)
}

// NewJobQueueWithClient wraps an existing Redis client. Tests use this with
// miniredis.
func NewJobQueueWithClient(client *redis.Client) *JobQueue {
	return &JobQueue{
		client:       client,
		readyKey:     "tts:queue:ready",
		slotKey:      "tts:queue:processing",
		cancelPrefix: "tts:cancel:",
		regenKey:     "tts:regen:ready",
	}
}

func (q *JobQueue) Close() error {
	return q.client.Close()
}

func (q *JobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *JobQueue) cancelKey(jobID string) string {
	return q.cancelPrefix + jobID
}

// Enqueue appends a job to the tail of the ready list and returns its
// position counted from the head, 1-based.
func (q *JobQueue) Enqueue(ctx context.Context, jobID string) (int64, error) {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.cancelKey(jobID))
	lenCmd := pipe.RPush(ctx, q.readyKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	return lenCmd.Val(), nil
}

// Next claims the head of the ready list, but only while the processing
// slot is empty. It returns "" when the queue is empty or another job is
// already being processed.
func (q *JobQueue) Next(ctx context.Context) (string, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.slotKey}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim job: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// Release frees the processing slot after the job reached review or a
// terminal state. The slot is only cleared when it still holds this job.
func (q *JobQueue) Release(ctx context.Context, jobID string) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.slotKey}, jobID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// Cancel removes a queued job from the ready list and raises the cancel
// flag the worker checks between chunks.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.Set(ctx, q.cancelKey(jobID), "1", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// Cancelled reports whether a cancel was requested for the job.
func (q *JobQueue) Cancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return n > 0, nil
}

// ClearCancel drops the cancel flag once the worker has acted on it.
func (q *JobQueue) ClearCancel(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, q.cancelKey(jobID)).Err()
}

// Depth returns the number of jobs waiting in the ready list.
func (q *JobQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Position returns the job's 1-based place in the ready list, or 0 when
// the job is not waiting.
func (q *JobQueue) Position(ctx context.Context, jobID string) (int64, error) {
	ids, err := q.client.LRange(ctx, q.readyKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read ready list: %w", err)
	}
	for i, id := range ids {
		if id == jobID {
			return int64(i) + 1, nil
		}
	}
	return 0, nil
}

// SubmitRegen pushes a regeneration task id onto the dispatch list.
func (q *JobQueue) SubmitRegen(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.regenKey, taskID).Err()
}

// NextRegen pops the next regeneration task id, or "" when none waits.
func (q *JobQueue) NextRegen(ctx context.Context) (string, error) {
	taskID, err := q.client.LPop(ctx, q.regenKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop regen task: %w", err)
	}
	return taskID, nil
}

// RegenDepth returns the number of dispatched regeneration tasks not yet
// picked up.
func (q *JobQueue) RegenDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.regenKey).Result()
}

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return nil
end
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('SET', KEYS[2], job)
  return job
end
return nil
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1
`)
