package engine

import (
	"context"
	"sync"

	"github.com/cuemby/docqa/pkg/cache"
)

// refetchQueue is an unbounded FIFO of keys that ignores keys already
// waiting. push never blocks.
type refetchQueue struct {
	mu     sync.Mutex
	keys   []cache.Key
	queued map[cache.Key]bool
	signal chan struct{}
}

func newRefetchQueue() *refetchQueue {
	return &refetchQueue{
		queued: make(map[cache.Key]bool),
		signal: make(chan struct{}, 1),
	}
}

func (q *refetchQueue) push(key cache.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[key] {
		return
	}
	q.queued[key] = true
	q.keys = append(q.keys, key)
	q.wake()
}

// pop blocks until a key is available or ctx is done. A key is removed
// from the waiting set before it is fetched, so an invalidation that
// arrives during the fetch schedules another one.
func (q *refetchQueue) pop(ctx context.Context) (cache.Key, bool) {
	for {
		q.mu.Lock()
		if len(q.keys) > 0 {
			key := q.keys[0]
			q.keys = q.keys[1:]
			delete(q.queued, key)
			if len(q.keys) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return key, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return cache.Key{}, false
		}
	}
}

func (q *refetchQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

func (q *refetchQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
