package orchestrator

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by Enqueue when the queue has no free slot.
var ErrQueueFull = errors.New("generation queue is full")

// Queue hands triggered session ids to the worker pool.
type Queue interface {
	Enqueue(id string) error
	// Dequeue blocks until an id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
}

// MemoryQueue is a bounded in-process Queue. Enqueue never blocks.
type MemoryQueue struct {
	ch chan string
}

// NewMemoryQueue creates a queue holding at most size pending ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size < 1 {
		size = 1
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

func (q *MemoryQueue) Enqueue(id string) error {
	select {
	case q.ch <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of pending ids.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
