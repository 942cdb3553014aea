package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/youareridiculous/metabuilder/core"
)

// RedisQueue implements Queue on top of Redis sorted sets, generalizing
// the teacher's LPUSH/BRPOP task queue (itsneelabh-gomind's
// RedisTaskQueue) to the lease/heartbeat/priority semantics §4.1 demands.
// Each queue class gets its own sorted set (member=task id, score encodes
// not_before + priority); a separate "processing" sorted set tracks
// leased tasks scored by lease expiry so a reaper can reclaim them.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
	logger core.Logger
}

// RedisQueueConfig configures key prefixes and retry behavior.
type RedisQueueConfig struct {
	KeyPrefix      string
	HighWaterMark  int64
	RetryAttempts  int
	RetryDelay     time.Duration
	Logger         core.Logger
}

// DefaultRedisQueueConfig mirrors the teacher's DefaultRedisTaskQueueConfig
// defaults.
func DefaultRedisQueueConfig() RedisQueueConfig {
	return RedisQueueConfig{
		KeyPrefix:     "metabuilder",
		HighWaterMark: 10000,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// NewRedisQueue constructs a RedisQueue over an already-connected client.
func NewRedisQueue(client *redis.Client, cfg *RedisQueueConfig) *RedisQueue {
	resolved := DefaultRedisQueueConfig()
	if cfg != nil {
		resolved = *cfg
		if resolved.KeyPrefix == "" {
			resolved.KeyPrefix = "metabuilder"
		}
		if resolved.HighWaterMark <= 0 {
			resolved.HighWaterMark = 10000
		}
		if resolved.RetryAttempts <= 0 {
			resolved.RetryAttempts = 3
		}
		if resolved.RetryDelay <= 0 {
			resolved.RetryDelay = 100 * time.Millisecond
		}
	}

	q := &RedisQueue{client: client, cfg: resolved, logger: resolved.Logger}
	if q.logger != nil {
		q.logger = core.WithComponentLogger(q.logger, "substrate")
	}
	return q
}

func (q *RedisQueue) queueKey(class core.QueueClass) string {
	return fmt.Sprintf("%s:queue:%s", q.cfg.KeyPrefix, class)
}
func (q *RedisQueue) processingKey() string {
	return fmt.Sprintf("%s:processing", q.cfg.KeyPrefix)
}
func (q *RedisQueue) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", q.cfg.KeyPrefix, id)
}
func (q *RedisQueue) leaseOwnerKey(id string) string {
	return fmt.Sprintf("%s:lease_owner:%s", q.cfg.KeyPrefix, id)
}
func (q *RedisQueue) resultKey(idemKey string) string {
	return fmt.Sprintf("%s:result:%s", q.cfg.KeyPrefix, idemKey)
}
func (q *RedisQueue) tombstoneKey(runID string) string {
	return fmt.Sprintf("%s:tombstone:%s", q.cfg.KeyPrefix, runID)
}

// score encodes not-before time (seconds) in the integer part and an
// inverted priority in the fractional part so earlier-due, higher-priority
// tasks sort first under ZRangeByScore/ZPopMin ascending order.
func score(notBefore time.Time, priority int) float64 {
	base := float64(notBefore.Unix())
	// priority 0..9; higher priority should sort earlier within the same second.
	return base - float64(priority)*1e-6
}

// Enqueue stores the task payload and adds it to its queue's sorted set.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id cannot be empty")
	}

	depth, err := q.QueueLength(ctx, task.Queue)
	if err == nil && depth > q.cfg.HighWaterMark {
		return core.ErrQueueFull
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("serialize task: %w", err)
	}

	notBefore := task.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}

	var lastErr error
	for attempt := 0; attempt < q.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(q.cfg.RetryDelay)
		}
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.taskKey(task.ID), data, 0)
		pipe.ZAdd(ctx, q.queueKey(task.Queue), &redis.Z{Score: score(notBefore, task.Priority), Member: task.ID})
		if _, err = pipe.Exec(ctx); err == nil {
			if q.logger != nil {
				q.logger.InfoWithContext(ctx, "task enqueued", map[string]interface{}{
					"task_id": task.ID, "queue": string(task.Queue),
				})
			}
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("enqueue task after %d attempts: %w", q.cfg.RetryAttempts, lastErr)
}

// Lease claims the earliest-due eligible task in queue and writes a
// processing-set entry scored by lease expiry.
func (q *RedisQueue) Lease(ctx context.Context, workerID string, queue core.QueueClass, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()
	key := q.queueKey(queue)

	for attempt := 0; attempt < 10; attempt++ {
		candidates, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%f", float64(now.Unix())), Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("lease scan: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		taskID := candidates[0]

		removed, err := q.client.ZRem(ctx, key, taskID).Result()
		if err != nil {
			return nil, fmt.Errorf("lease claim: %w", err)
		}
		if removed == 0 {
			// another worker already claimed it; retry scan.
			continue
		}

		if n, _ := q.client.Exists(ctx, q.tombstoneKey(runIDFromTask(taskID))).Result(); n > 0 {
			// tombstoned run: drop without executing, continue scanning.
			q.client.Del(ctx, q.taskKey(taskID))
			continue
		}

		data, err := q.client.Get(ctx, q.taskKey(taskID)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("lease fetch task: %w", err)
		}
		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("lease deserialize task: %w", err)
		}

		expiresAt := now.Add(leaseTTL)
		pipe := q.client.TxPipeline()
		pipe.ZAdd(ctx, q.processingKey(), &redis.Z{Score: float64(expiresAt.Unix()), Member: taskID})
		pipe.Set(ctx, q.leaseOwnerKey(taskID), workerID, leaseTTL+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("lease write: %w", err)
		}

		if q.logger != nil {
			q.logger.InfoWithContext(ctx, "task leased", map[string]interface{}{
				"task_id": taskID, "worker_id": workerID, "queue": string(queue),
			})
		}
		return &task, nil
	}
	return nil, nil
}

// Heartbeat extends a held lease, failing with core.ErrLeaseExpired if the
// lease owner has changed (the lease was reclaimed after expiry).
func (q *RedisQueue) Heartbeat(ctx context.Context, workerID, taskID string) error {
	owner, err := q.client.Get(ctx, q.leaseOwnerKey(taskID)).Result()
	if err == redis.Nil || owner != workerID {
		return core.ErrLeaseExpired
	}
	if err != nil {
		return fmt.Errorf("heartbeat read owner: %w", err)
	}
	if q.IsTombstoned(ctx, runIDFromTask(taskID)) {
		return core.ErrLeaseExpired
	}

	leaseTTL := 30 * time.Second
	expiresAt := time.Now().Add(leaseTTL)
	pipe := q.client.TxPipeline()
	pipe.Expire(ctx, q.leaseOwnerKey(taskID), leaseTTL+time.Second)
	pipe.ZAdd(ctx, q.processingKey(), &redis.Z{Score: float64(expiresAt.Unix()), Member: taskID})
	_, err = pipe.Exec(ctx)
	return err
}

// Complete releases the lease and stores the result under the task's
// idempotency key so duplicate completions short-circuit (I2, L1).
func (q *RedisQueue) Complete(ctx context.Context, workerID, taskID string, result []byte) error {
	data, err := q.client.Get(ctx, q.taskKey(taskID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("complete fetch task: %w", err)
	}
	var idemKey string
	if err == nil {
		var task Task
		if jerr := json.Unmarshal([]byte(data), &task); jerr == nil {
			idemKey = task.IdempotencyKey
		}
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), taskID)
	pipe.Del(ctx, q.leaseOwnerKey(taskID))
	if idemKey != "" {
		pipe.Set(ctx, q.resultKey(idemKey), result, 0)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if q.logger != nil {
		q.logger.InfoWithContext(ctx, "task completed", map[string]interface{}{"task_id": taskID})
	}
	return nil
}

// Fail releases the lease and, if retryHint, re-enqueues the task for a
// fresh lease.
func (q *RedisQueue) Fail(ctx context.Context, workerID, taskID string, failErr error, retryHint bool) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), taskID)
	pipe.Del(ctx, q.leaseOwnerKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail release lease: %w", err)
	}

	if q.logger != nil {
		q.logger.WarnWithContext(ctx, "task failed", map[string]interface{}{
			"task_id": taskID, "retry": retryHint, "error": failErr.Error(),
		})
	}

	if !retryHint {
		q.client.Del(ctx, q.taskKey(taskID))
		return nil
	}

	data, err := q.client.Get(ctx, q.taskKey(taskID)).Result()
	if err != nil {
		return nil
	}
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil
	}
	task.NotBefore = time.Now()
	return q.Enqueue(ctx, task)
}

// ReclaimExpiredLeases scans the processing set for leases past expiry and
// requeues their tasks. A reaper goroutine calls this periodically (P5:
// "after a lease expires without heartbeat, the task becomes leasable
// again within lease_ttl").
func (q *RedisQueue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", float64(now.Unix())),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reclaim scan: %w", err)
	}
	for _, taskID := range expired {
		_ = q.Fail(ctx, "", taskID, core.ErrLeaseExpired, true)
	}
	return len(expired), nil
}

// QueueLength reports depth of queue (pending, not leased).
func (q *RedisQueue) QueueLength(ctx context.Context, queue core.QueueClass) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey(queue)).Result()
}

// Tombstone marks every pending/leased task for runID so workers release
// without executing at their next lease/heartbeat boundary (§4.3).
func (q *RedisQueue) Tombstone(ctx context.Context, runID string) error {
	return q.client.Set(ctx, q.tombstoneKey(runID), "1", 24*time.Hour).Err()
}

// IsTombstoned reports whether runID has been cancelled.
func (q *RedisQueue) IsTombstoned(ctx context.Context, runID string) bool {
	n, _ := q.client.Exists(ctx, q.tombstoneKey(runID)).Result()
	return n > 0
}

// StoredResult implements IdempotentResult.
func (q *RedisQueue) StoredResult(ctx context.Context, idempotencyKey string) ([]byte, bool, error) {
	data, err := q.client.Get(ctx, q.resultKey(idempotencyKey)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// runIDFromTask returns the part of taskID before its first '/'. Task ids
// are minted as "<run_id>/<iteration>/<role>/<digest>" by
// orchestrator/run.go, so the run id prefix can be read without a round
// trip.
func runIDFromTask(taskID string) string {
	for i, c := range taskID {
		if c == '/' {
			return taskID[:i]
		}
	}
	return taskID
}
