package agentsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spreadtrace/wbtrace/internal/wbtrace"
)

const (
	DefaultQueueCapacity    = 100
	DefaultFlushInterval    = 30 * time.Second
	defaultFlushCallTimeout = 10 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type OfflineQueueOptions struct {
	Client        IngestClient
	Capacity      int
	FlushInterval time.Duration
	Logger        Logger
}

// OfflineDeliveryQueue buffers traces that could not be delivered. The queue
// is bounded: once full, the oldest trace is evicted to admit the newest.
// Contents live in memory only and do not survive a process restart.
type OfflineDeliveryQueue struct {
	client        IngestClient
	capacity      int
	flushInterval time.Duration
	logger        Logger

	mu       sync.Mutex
	pending  []wbtrace.Trace
	dropped  int64
	online   bool
	flushing bool
}

func NewOfflineDeliveryQueue(opts OfflineQueueOptions) *OfflineDeliveryQueue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &OfflineDeliveryQueue{
		client:        opts.Client,
		capacity:      capacity,
		flushInterval: flushInterval,
		logger:        opts.Logger,
		online:        true,
	}
}

// Enqueue admits a failed trace. A trace only lands here after a delivery
// attempt failed, so the queue flips to offline.
func (q *OfflineDeliveryQueue) Enqueue(trace wbtrace.Trace) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.capacity {
		evict := len(q.pending) - q.capacity + 1
		q.pending = append(q.pending[:0], q.pending[evict:]...)
		q.dropped += int64(evict)
	}
	q.pending = append(q.pending, trace)
	q.online = false
}

func (q *OfflineDeliveryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *OfflineDeliveryQueue) Capacity() int {
	return q.capacity
}

func (q *OfflineDeliveryQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *OfflineDeliveryQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Flush drains the backlog, batching consecutive traces that share a model,
// timestamp and username into one call. Only one flush runs at a time;
// concurrent calls return immediately. A transient delivery failure
// re-queues the undelivered remainder in order; traces whose model is gone
// are dropped for good.
func (q *OfflineDeliveryQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	backlog := q.pending
	q.pending = nil
	q.mu.Unlock()

	for len(backlog) > 0 {
		group := 1
		for group < len(backlog) && sameBatchKey(backlog[0], backlog[group]) {
			group++
		}
		head := backlog[0]
		changes := make([]wbtrace.TraceChange, 0, group)
		for _, trace := range backlog[:group] {
			changes = append(changes, wbtrace.TraceChange{
				TrackedRangeName: trace.TrackedRangeName,
				Value:            trace.Value,
			})
		}

		err := q.client.CreateTraceBatch(ctx, head.ModelID, head.Timestamp, head.Username, changes)
		switch {
		case errors.Is(err, ErrModelNotFound):
			// The model was deleted out from under us; the backlog for it
			// can never be delivered.
			q.logf("dropping %d queued traces for missing model %s", group, head.ModelID)
			q.mu.Lock()
			q.dropped += int64(group)
			q.mu.Unlock()
			backlog = backlog[group:]
		case err != nil:
			q.mu.Lock()
			q.pending = append(backlog, q.pending...)
			if overflow := len(q.pending) - q.capacity; overflow > 0 {
				q.pending = append(q.pending[:0], q.pending[overflow:]...)
				q.dropped += int64(overflow)
			}
			q.online = false
			q.flushing = false
			q.mu.Unlock()
			return err
		default:
			backlog = backlog[group:]
		}
	}

	q.mu.Lock()
	q.online = true
	q.flushing = false
	q.mu.Unlock()
	return nil
}

// Run flushes on a fixed interval until the context ends.
func (q *OfflineDeliveryQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, defaultFlushCallTimeout)
			if err := q.Flush(flushCtx); err != nil {
				q.logf("queue flush failed: %v", err)
			}
			cancel()
		}
	}
}

func (q *OfflineDeliveryQueue) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
	}
}

func sameBatchKey(a, b wbtrace.Trace) bool {
	return a.ModelID == b.ModelID && a.Timestamp == b.Timestamp && a.Username == b.Username
}
