package substrate

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/youareridiculous/metabuilder/core"
)

// MemoryQueue is an in-process Queue implementation used by tests and by
// single-process deployments that don't need a shared Redis. It honors
// the same lease/heartbeat/idempotency contract as RedisQueue.
type MemoryQueue struct {
	mu sync.Mutex

	pending map[core.QueueClass]*taskHeap
	leases  map[string]*leaseEntry // taskID -> lease
	tasks   map[string]Task
	results map[string]storedResult
	tombstones map[string]bool

	highWaterMark int64
}

type leaseEntry struct {
	workerID  string
	queue     core.QueueClass
	expiresAt time.Time
}

type storedResult struct {
	data []byte
}

type heapItem struct {
	taskID    string
	notBefore time.Time
	priority  int
	index     int
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if !h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].notBefore.Before(h[j].notBefore)
	}
	return h[i].priority > h[j].priority
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x interface{}) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NewMemoryQueue constructs an empty in-memory queue.
func NewMemoryQueue(highWaterMark int64) *MemoryQueue {
	if highWaterMark <= 0 {
		highWaterMark = 10000
	}
	q := &MemoryQueue{
		pending:    make(map[core.QueueClass]*taskHeap),
		leases:     make(map[string]*leaseEntry),
		tasks:      make(map[string]Task),
		results:    make(map[string]storedResult),
		tombstones: make(map[string]bool),
		highWaterMark: highWaterMark,
	}
	for _, c := range []core.QueueClass{core.QueueCPU, core.QueueIO, core.QueueLLM, core.QueueHigh, core.QueueLow} {
		h := &taskHeap{}
		heap.Init(h)
		q.pending[c] = h
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.pending[task.Queue]
	if h == nil {
		h = &taskHeap{}
		heap.Init(h)
		q.pending[task.Queue] = h
	}
	if int64(h.Len()) >= q.highWaterMark {
		return core.ErrQueueFull
	}

	notBefore := task.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	q.tasks[task.ID] = task
	heap.Push(h, &heapItem{taskID: task.ID, notBefore: notBefore, priority: task.Priority})
	return nil
}

func (q *MemoryQueue) Lease(_ context.Context, workerID string, queue core.QueueClass, leaseTTL time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.pending[queue]
	if h == nil || h.Len() == 0 {
		return nil, nil
	}
	now := time.Now()
	if (*h)[0].notBefore.After(now) {
		return nil, nil
	}

	item := heap.Pop(h).(*heapItem)
	task, ok := q.tasks[item.taskID]
	if !ok {
		return nil, nil
	}

	if q.tombstones[runIDFromTask(task.ID)] {
		delete(q.tasks, task.ID)
		return nil, nil
	}

	q.leases[task.ID] = &leaseEntry{workerID: workerID, queue: queue, expiresAt: now.Add(leaseTTL)}
	taskCopy := task
	return &taskCopy, nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, workerID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, ok := q.leases[taskID]
	if !ok || lease.workerID != workerID {
		return core.ErrLeaseExpired
	}
	if q.tombstones[runIDFromTask(taskID)] {
		return core.ErrLeaseExpired
	}
	lease.expiresAt = time.Now().Add(30 * time.Second)
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, workerID, taskID string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, hasTask := q.tasks[taskID]
	delete(q.leases, taskID)
	if hasTask && task.IdempotencyKey != "" {
		q.results[task.IdempotencyKey] = storedResult{data: result}
	}
	delete(q.tasks, taskID)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, workerID, taskID string, _ error, retryHint bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.leases, taskID)
	task, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	if !retryHint {
		delete(q.tasks, taskID)
		return nil
	}
	h := q.pending[task.Queue]
	task.NotBefore = time.Now()
	q.tasks[taskID] = task
	heap.Push(h, &heapItem{taskID: taskID, notBefore: task.NotBefore, priority: task.Priority})
	return nil
}

// ReclaimExpiredLeases requeues any task whose lease has passed its expiry
// without a heartbeat (P5).
func (q *MemoryQueue) ReclaimExpiredLeases(ctx context.Context) int {
	q.mu.Lock()
	now := time.Now()
	var expired []string
	for taskID, lease := range q.leases {
		if now.After(lease.expiresAt) {
			expired = append(expired, taskID)
		}
	}
	q.mu.Unlock()

	for _, taskID := range expired {
		_ = q.Fail(ctx, "", taskID, core.ErrLeaseExpired, true)
	}
	return len(expired)
}

func (q *MemoryQueue) QueueLength(_ context.Context, queue core.QueueClass) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.pending[queue]
	if h == nil {
		return 0, nil
	}
	return int64(h.Len()), nil
}

func (q *MemoryQueue) Tombstone(_ context.Context, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tombstones[runID] = true
	return nil
}

func (q *MemoryQueue) StoredResult(_ context.Context, idempotencyKey string) ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[idempotencyKey]
	if !ok {
		return nil, false, nil
	}
	return r.data, true, nil
}

var _ Queue = (*MemoryQueue)(nil)
var _ IdempotentResult = (*MemoryQueue)(nil)
