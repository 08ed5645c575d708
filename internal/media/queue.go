package media

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Syncer synchronises one target.
type Syncer interface {
	Sync(ctx context.Context, t Target) (int, error)
}

// Queue is a bounded asynchronous queue of media targets drained by a
// fixed worker pool. Submit never blocks the replication loop.
type Queue struct {
	syncer  Syncer
	ch      chan Target
	workers int

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
}

// NewQueue creates a queue of the given capacity.
func NewQueue(s Syncer, size, workers int) *Queue {
	if size <= 0 {
		size = 1000
	}
	if workers <= 0 {
		workers = 1
	}
	return &Queue{syncer: s, ch: make(chan Target, size), workers: workers}
}

// Submit enqueues t, reporting false when the queue is full or closed.
func (q *Queue) Submit(t Target) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- t:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Close stops accepting targets; Run returns once the backlog drains.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Syncer returns the synchroniser the workers drain into.
func (q *Queue) Syncer() Syncer { return q.syncer }

// Len returns the current backlog.
func (q *Queue) Len() int { return len(q.ch) }

// Stats returns completed, failed and dropped counts.
func (q *Queue) Stats() (done, failed, dropped int64) {
	return q.done.Load(), q.failed.Load(), q.dropped.Load()
}

// Run drains the queue until it is closed or ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "media.queue"))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t, ok := <-q.ch:
					if !ok {
						return nil
					}
					if _, err := q.syncer.Sync(gctx, t); err != nil {
						q.failed.Add(1)
						log.Debug("media sync failed", zap.Int64("listing_id", t.ListingID), zap.Error(err))
						continue
					}
					q.done.Add(1)
				}
			}
		})
	}
	return g.Wait()
}
