// Package workerpool runs scan tasks on a fixed set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is closed")

type Pool struct {
	logger   *zap.Logger
	workers  int
	tasks    chan func()
	wg       sync.WaitGroup
	closed   atomic.Bool
	submitMu sync.RWMutex
}

// New starts workers goroutines. A non-positive count uses GOMAXPROCS.
func New(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger:  logger.Named("worker_pool"),
		workers: workers,
		tasks:   make(chan func(), workers*2),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Workers() int { return p.workers }

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Submit queues task, blocking while every worker is busy and the queue
// is full.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for queued tasks to finish. It is safe to call twice.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.submitMu.Lock()
	close(p.tasks)
	p.submitMu.Unlock()
	p.wg.Wait()
}
