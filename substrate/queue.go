// Package substrate implements the Execution Substrate (§4.1): typed
// FIFO-with-priority queues and an at-least-once worker protocol with
// exactly-once effects via idempotency keys.
package substrate

import (
	"context"
	"time"

	"github.com/youareridiculous/metabuilder/core"
)

// Task is one unit of queued work — one Step dispatch.
type Task struct {
	ID             string
	Queue          core.QueueClass
	Payload        []byte
	Priority       int
	IdempotencyKey string
	NotBefore      time.Time
}

// Queue is the typed queue contract (§4.1 operations). Implementations
// must provide lease semantics on top of whatever underlying transport
// they use — a bare at-most-once pop (like Redis BRPOP) is not enough by
// itself, because a crashed worker must let another worker reclaim the
// task once its lease expires.
type Queue interface {
	// Enqueue adds a task to its declared queue. Returns core.ErrQueueFull
	// if the queue depth exceeds the configured high-water mark.
	Enqueue(ctx context.Context, task Task) error

	// Lease atomically claims the next eligible task for workerID on
	// queue, writing a lease with expiry now+leaseTTL. Returns (nil, nil)
	// if no task is eligible.
	Lease(ctx context.Context, workerID string, queue core.QueueClass, leaseTTL time.Duration) (*Task, error)

	// Heartbeat extends the lease for taskID held by workerID. Returns
	// core.ErrLeaseExpired if another worker has since stolen the lease or
	// the task's run has been tombstoned.
	Heartbeat(ctx context.Context, workerID, taskID string) error

	// Complete marks taskID done, releasing its lease. result is stored
	// keyed by the task's idempotency key so subsequent duplicate
	// completions are accepted idempotently.
	Complete(ctx context.Context, workerID, taskID string, result []byte) error

	// Fail releases the lease and, if retryHint is true, makes the task
	// eligible for a fresh Lease; otherwise the task is dropped.
	Fail(ctx context.Context, workerID, taskID string, failErr error, retryHint bool) error

	// QueueLength reports current depth of queue, for backpressure and
	// monitoring.
	QueueLength(ctx context.Context, queue core.QueueClass) (int64, error)

	// Tombstone marks every task of runID for cancellation; a worker
	// observing a tombstone at lease or
	// heartbeat boundaries releases without executing (§4.3 Cancellation).
	Tombstone(ctx context.Context, runID string) error
}

// IdempotentResult returns the previously stored result for key if one
// exists (I2, L1, P3). Implementations of Queue also implement this so
// the orchestrator can short-circuit retries without re-dispatching.
type IdempotentResult interface {
	StoredResult(ctx context.Context, idempotencyKey string) ([]byte, bool, error)
}
