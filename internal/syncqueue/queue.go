// Package syncqueue implements the Federation Nucleus's priority sync
// queue (spec §4.4): a backpressured, per-target-batching outgoing event
// pipeline with exponential-backoff retry.
package syncqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/common/logger"
)

// ErrQueueFull is returned by Enqueue once the queue is at capacity.
var ErrQueueFull = errors.New("sync queue is full")

// Priority orders SyncTask delivery; higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// PriorityForEventType assigns a SyncTask's priority from its event type,
// per spec §3: create/member events are Critical, message events are
// High, everything else is Normal.
func PriorityForEventType(eventType string) Priority {
	switch eventType {
	case "m.room.create", "m.room.member":
		return PriorityCritical
	case "m.room.message":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// SyncTask is one outgoing federated event destined for one peer node.
type SyncTask struct {
	TargetNode  string
	Event       interface{}
	Priority    Priority
	Attempts    int
	NextRetryAt time.Time

	seq int64
}

// targetHeap orders one target's pending tasks by priority, then FIFO
// within a priority level (spec's "sync queue is FIFO within a priority
// level" ordering invariant).
type targetHeap []*SyncTask

func (h targetHeap) Len() int { return len(h) }
func (h targetHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h targetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *targetHeap) Push(x interface{}) {
	*h = append(*h, x.(*SyncTask))
}
func (h *targetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// ProcessorFunc delivers one target's batch. A non-nil error causes every
// task in the batch to be retried (with backoff) until MaxRetries.
type ProcessorFunc func(ctx context.Context, targetNode string, batch []*SyncTask) error

// Config configures queue capacity, retry, batching, and concurrency.
type Config struct {
	MaxQueueSize  int
	MaxRetries    int
	BatchSize     int
	BatchTimeout  time.Duration
	WorkerCount   int
	RetryBaseWait time.Duration
}

// DefaultConfig returns the spec's baseline sync queue policy.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:  10000,
		MaxRetries:    5,
		BatchSize:     20,
		BatchTimeout:  200 * time.Millisecond,
		WorkerCount:   4,
		RetryBaseWait: 500 * time.Millisecond,
	}
}

// Queue is the sync queue: a priority heap per target node, plus a
// delayed set for tasks waiting out a backoff window.
type Queue struct {
	cfg Config
	log *logger.Logger

	mu         sync.Mutex
	perTarget  map[string]*targetHeap
	delayed    []*SyncTask
	size       int
	seqCounter int64

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	processor ProcessorFunc
}

// New constructs a Queue. Call Start to begin delivering with processor.
func New(cfg Config, log *logger.Logger) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 500 * time.Millisecond
	}
	return &Queue{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "sync_queue")),
		perTarget: make(map[string]*targetHeap),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue admits task, rejecting it with ErrQueueFull once the queue is
// at MaxQueueSize. Critical tasks still respect the capacity limit; they
// only jump ahead of lower-priority tasks already queued for the same
// target, per the targetHeap ordering.
func (q *Queue) Enqueue(task *SyncTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cfg.MaxQueueSize {
		return ErrQueueFull
	}

	q.seqCounter++
	task.seq = q.seqCounter
	q.size++

	h, ok := q.perTarget[task.TargetNode]
	if !ok {
		h = &targetHeap{}
		heap.Init(h)
		q.perTarget[task.TargetNode] = h
	}
	heap.Push(h, task)
	return nil
}

// Len returns the total number of tasks currently held (ready + delayed).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Start launches WorkerCount delivery workers and a backoff-promotion
// loop, and returns immediately. This is the sync queue's single entry
// point per spec §4.4 ("enqueue, shutdown, and a single start(processor_fn)").
func (q *Queue) Start(ctx context.Context, processor ProcessorFunc) {
	q.processor = processor

	q.wg.Add(1)
	go q.promoteLoop(ctx)

	for i := 0; i < q.cfg.WorkerCount; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx)
	}
}

// Shutdown stops all workers and waits for them to finish.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// promoteLoop moves delayed tasks whose backoff window has elapsed back
// into their target's ready heap.
func (q *Queue) promoteLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteReady()
		}
	}
}

func (q *Queue) promoteReady() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	remaining := q.delayed[:0]
	for _, task := range q.delayed {
		if task.NextRetryAt.After(now) {
			remaining = append(remaining, task)
			continue
		}
		h, ok := q.perTarget[task.TargetNode]
		if !ok {
			h = &targetHeap{}
			heap.Init(h)
			q.perTarget[task.TargetNode] = h
		}
		heap.Push(h, task)
	}
	q.delayed = remaining
}

// workerLoop repeatedly picks a target with ready work, drains up to
// BatchSize tasks (or until BatchTimeout elapses) into one batch, and
// hands it to the processor.
func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		target, batch := q.collectBatch()
		if target == "" {
			select {
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		if err := q.processor(ctx, target, batch); err != nil {
			q.retryBatch(target, batch, err)
			continue
		}

		q.mu.Lock()
		q.size -= len(batch)
		q.mu.Unlock()
	}
}

// collectBatch picks the target with the highest-priority ready task and
// drains up to BatchSize tasks for it, waiting up to BatchTimeout for
// more of the same target to arrive before returning what it has.
func (q *Queue) collectBatch() (string, []*SyncTask) {
	deadline := time.Now().Add(q.cfg.BatchTimeout)

	target, first := q.popOneReady()
	if target == "" {
		return "", nil
	}
	batch := []*SyncTask{first}

	for len(batch) < q.cfg.BatchSize && time.Now().Before(deadline) {
		_, next := q.popFromTarget(target)
		if next == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		batch = append(batch, next)
	}
	return target, batch
}

// popOneReady pops the single highest-priority task across all targets
// that currently has a non-empty ready heap.
func (q *Queue) popOneReady() (string, *SyncTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var bestTarget string
	var bestHeap *targetHeap
	for target, h := range q.perTarget {
		if h.Len() == 0 {
			continue
		}
		if bestHeap == nil || (*h)[0].Priority > (*bestHeap)[0].Priority {
			bestTarget, bestHeap = target, h
		}
	}
	if bestHeap == nil {
		return "", nil
	}
	task := heap.Pop(bestHeap).(*SyncTask)
	return bestTarget, task
}

func (q *Queue) popFromTarget(target string) (string, *SyncTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.perTarget[target]
	if !ok || h.Len() == 0 {
		return "", nil
	}
	return target, heap.Pop(h).(*SyncTask)
}

// retryBatch re-enqueues batch with an incremented attempt count and an
// exponential backoff delay, dropping tasks that have exhausted
// MaxRetries (spec §5: "terminal send failures are logged and dropped
// after max_retries").
func (q *Queue) retryBatch(target string, batch []*SyncTask, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, task := range batch {
		task.Attempts++
		if task.Attempts >= q.cfg.MaxRetries {
			q.size--
			q.log.Warn("dropping sync task after exhausting retries",
				zap.String("target", target),
				zap.Int("attempts", task.Attempts),
				zap.Error(cause))
			continue
		}
		backoff := q.cfg.RetryBaseWait * time.Duration(1<<uint(task.Attempts-1))
		task.NextRetryAt = time.Now().Add(backoff)
		q.delayed = append(q.delayed, task)
	}
}
