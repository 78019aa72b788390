// Package worker provides a bounded pool of goroutines fed by a task queue.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrPoolClosed is returned by Submit after Stop has been called.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is one independently schedulable unit of work.
type Task func(ctx context.Context)

// Pool runs submitted tasks on a fixed number of workers.
type Pool struct {
	workers int
	queue   chan Task

	ctx    context.Context
	cancel context.CancelFunc

	quit     chan struct{}
	quitOnce sync.Once

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates a pool with the given number of workers and queue capacity.
// Values below 1 are raised to 1 worker and an unbuffered queue.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. Calling Start more than once is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	log.Printf("INFO: worker: started %d workers", p.workers)
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: worker %d: task panicked: %v", id, r)
		}
	}()
	task(p.ctx)
}

// Submit enqueues task, blocking while the queue is full.
// It returns ErrPoolClosed once the pool is stopped, or ctx's error.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Stop stops accepting tasks, lets workers drain the queue and waits for them.
// If ctx expires first, the context passed to running tasks is canceled.
func (p *Pool) Stop(ctx context.Context) error {
	// Release submitters blocked on a full queue before taking the write lock.
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

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
		<-done
		return ctx.Err()
	}
}
