package substrate

import (
	"context"
	"fmt"
	"time"

	"github.com/youareridiculous/metabuilder/core"
)

// Handler processes one leased Task and returns the bytes to persist as
// its result, or an error. Workers are single-threaded over their current
// task (§4.1 Concurrency), matching the teacher's one-goroutine-per-worker
// task loop.
type Handler func(ctx context.Context, task Task) (result []byte, retryable bool, err error)

// Worker repeatedly leases tasks from one queue class and runs them
// through Handler, heartbeating on an interval well inside the lease TTL.
// Grounded on itsneelabh-gomind/orchestration/task_worker.go's
// lease-heartbeat-execute loop, generalized to the typed queue classes and
// explicit heartbeat-miss detection this spec requires.
type Worker struct {
	ID       string
	Queue    Queue
	Class    core.QueueClass
	LeaseTTL time.Duration
	PollWait time.Duration
	Handler  Handler
	Logger   core.Logger
}

// Run drives the lease loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logger := core.WithComponentLogger(w.Logger, "substrate/worker")
	pollWait := w.PollWait
	if pollWait <= 0 {
		pollWait = 200 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.Queue.Lease(ctx, w.ID, w.Class, w.LeaseTTL)
		if err != nil {
			logger.ErrorWithContext(ctx, "lease failed", map[string]interface{}{"error": err.Error(), "worker_id": w.ID})
			time.Sleep(pollWait)
			continue
		}
		if task == nil {
			time.Sleep(pollWait)
			continue
		}

		w.execute(ctx, *task, logger)
	}
}

func (w *Worker) execute(ctx context.Context, task Task, logger core.Logger) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatInterval := w.LeaseTTL / 3
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Second
	}
	stopHeartbeat := make(chan struct{})
	lost := make(chan struct{}, 1)

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				if err := w.Queue.Heartbeat(taskCtx, w.ID, task.ID); err != nil {
					select {
					case lost <- struct{}{}:
					default:
					}
					cancel()
					return
				}
			}
		}
	}()

	result, retryable, err := w.Handler(taskCtx, task)
	close(stopHeartbeat)

	select {
	case <-lost:
		logger.WarnWithContext(ctx, "lease lost mid-execution, not completing", map[string]interface{}{"task_id": task.ID})
		return
	default:
	}

	if err != nil {
		if ferr := w.Queue.Fail(ctx, w.ID, task.ID, err, retryable); ferr != nil {
			logger.ErrorWithContext(ctx, "fail report failed", map[string]interface{}{"task_id": task.ID, "error": ferr.Error()})
		}
		return
	}
	if cerr := w.Queue.Complete(ctx, w.ID, task.ID, result); cerr != nil {
		logger.ErrorWithContext(ctx, "complete report failed", map[string]interface{}{"task_id": task.ID, "error": cerr.Error()})
	}
}

// Reaper periodically reclaims expired leases so P5 holds regardless of
// whether any worker is actively polling a given queue.
type Reaper struct {
	Queue    *RedisQueue
	Memory   *MemoryQueue
	Interval time.Duration
}

// Run drives the reclaim loop until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Queue != nil {
				_, _ = r.Queue.ReclaimExpiredLeases(ctx)
			}
			if r.Memory != nil {
				_ = r.Memory.ReclaimExpiredLeases(ctx)
			}
		}
	}
}

// IdempotencyKey derives the content-addressed key for a Step (§3:
// "hash(run_id, iteration, role, input_digest)").
func IdempotencyKey(runID string, iteration int, role core.AgentRole, inputDigest string) string {
	return fmt.Sprintf("%s/%d/%s/%s", runID, iteration, role, inputDigest)
}
