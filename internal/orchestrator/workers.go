package orchestrator

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"
)

// Runner executes the pipeline for one session.
type Runner interface {
	Run(ctx context.Context, id string) error
}

// Pool runs a fixed number of workers draining a Queue.
type Pool struct {
	queue   Queue
	runner  Runner
	workers int
}

// NewPool creates a Pool with n workers.
func NewPool(queue Queue, runner Runner, n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{queue: queue, runner: runner, workers: n}
}

// Run blocks until ctx is cancelled. Pipeline failures are recorded on the
// session by the runner and only logged here; they never stop a worker.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				id, err := p.queue.Dequeue(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					return err
				}
				if err := p.runner.Run(ctx, id); err != nil {
					log.Printf("worker %d: %v", worker, err)
				}
			}
		})
	}
	return g.Wait()
}
