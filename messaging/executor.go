package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of work run by an Executor
type Task func(ctx context.Context)

// Executor runs publish and dispatch work off the caller's goroutine.
// The Messenger calls Shutdown exactly once, from Close.
type Executor interface {
	// Submit schedules task without blocking. It fails with ErrExecutorClosed after Shutdown.
	Submit(task Task) error

	// Shutdown stops accepting work and waits for submitted tasks until ctx is done
	Shutdown(ctx context.Context) error
}

// WorkerPool is the default Executor: unbounded queue, bounded concurrency
type WorkerPool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// WorkerPoolOption configures a WorkerPool
type WorkerPoolOption func(*WorkerPool)

// WithPoolLogger sets the logger used for task panics
func WithPoolLogger(logger *slog.Logger) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.logger = logger
	}
}

// DefaultWorkers is the concurrency of a WorkerPool created with a non-positive size
const DefaultWorkers = 16

// NewWorkerPool creates a pool running at most workers tasks at once
func NewWorkerPool(workers int, options ...WorkerPoolOption) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Submit implements Executor
func (p *WorkerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrExecutorClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Pool was force-stopped before the task got a slot
			return
		}
		defer p.sem.Release(1)

		p.run(task)
	}()

	return nil
}

// Shutdown implements Executor. Tasks still queued when ctx expires are abandoned.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	task(p.ctx)
}
