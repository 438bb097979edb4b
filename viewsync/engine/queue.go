package engine

import (
	"context"
	"sync"
)

type pairKey struct {
	entityKey string
	viewName  string
}

// readyQueue is a buffered work queue that ensures the same pair
// isn't queued more than once. A pair enqueued while a worker is
// processing it is queued again, so no appended mutation is ever
// lost between a worker's head read and its next dequeue.
type readyQueue struct {
	mu     sync.Mutex
	ready  map[pairKey]bool
	queue  chan pairKey
	done   chan struct{}
	closed bool
}

func newReadyQueue(capacity int) *readyQueue {
	return &readyQueue{
		ready: make(map[pairKey]bool),
		queue: make(chan pairKey, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue queues the pair unless it is already queued. Returns
// false if the queue has been closed to intake.
func (queue *readyQueue) Enqueue(key pairKey) bool {
	queue.mu.Lock()

	if queue.closed {
		queue.mu.Unlock()

		return false
	}

	if queue.ready[key] {
		queue.mu.Unlock()

		return true
	}

	queue.ready[key] = true
	queue.mu.Unlock()

	select {
	case queue.queue <- key:
		return true
	case <-queue.done:
		queue.mu.Lock()
		delete(queue.ready, key)
		queue.mu.Unlock()

		return false
	}
}

// Dequeue blocks until a pair is available, the context ends, or
// the queue is closed and its remaining pairs are drained
func (queue *readyQueue) Dequeue(ctx context.Context) (pairKey, bool) {
	select {
	case key := <-queue.queue:
		return queue.take(key), true
	case <-ctx.Done():
		return pairKey{}, false
	case <-queue.done:
		select {
		case key := <-queue.queue:
			return queue.take(key), true
		default:
			return pairKey{}, false
		}
	}
}

func (queue *readyQueue) take(key pairKey) pairKey {
	queue.mu.Lock()
	delete(queue.ready, key)
	queue.mu.Unlock()

	return key
}

// Close stops intake. Pairs already queued may still be dequeued.
func (queue *readyQueue) Close() {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.closed {
		return
	}

	queue.closed = true
	close(queue.done)
}
