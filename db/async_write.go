package db

import (
	"sync"
	"time"
)

// DefaultQueueCapacity bounds the number of rows waiting to be written.
const DefaultQueueCapacity = 64

// AsyncWriter hands values to a background goroutine that writes them with
// handler. Write never blocks; Close drains whatever is still queued.
type AsyncWriter[T any] struct {
	queue   chan T
	handler func(T) error
	onError func(T, error)

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewAsyncWriter creates a writer. onError may be nil.
func NewAsyncWriter[T any](capacity int, handler func(T) error, onError func(T, error)) *AsyncWriter[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &AsyncWriter[T]{
		queue:   make(chan T, capacity),
		handler: handler,
		onError: onError,
	}
}

// Start launches the background goroutine. Extra calls are ignored.
func (w *AsyncWriter[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

func (w *AsyncWriter[T]) run() {
	defer w.wg.Done()
	for v := range w.queue {
		if err := w.handler(v); err != nil && w.onError != nil {
			w.onError(v, err)
		}
	}
}

// Write queues v. It returns false when the writer is not running, is
// closed, or its queue is full; the caller should then write inline.
func (w *AsyncWriter[T]) Write(v T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.closed {
		return false
	}
	select {
	case w.queue <- v:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued values.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.queue)
}

// Close stops accepting writes and waits up to timeout for the queue to
// drain. It reports whether the drain finished in time.
func (w *AsyncWriter[T]) Close(timeout time.Duration) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return true
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
