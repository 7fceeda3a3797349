// Package pool provides a bounded goroutine pool for controlled concurrency.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrPoolFull is returned when the task queue is saturated.
	ErrPoolFull = errors.New("pool is full")
)

// Task is a unit of work executed on a pool worker.
type Task func(ctx context.Context)

// WorkerPool runs submitted tasks on at most maxWorkers goroutines.
// Workers are spawned lazily and exit when the pool closes.
type WorkerPool struct {
	maxWorkers int
	queue      chan submission
	workers    atomic.Int32
	active     atomic.Int32
	closed     atomic.Bool
	wg         sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64

	panicHandler func(any)
}

type submission struct {
	task Task
	ctx  context.Context
}

// Config configures a WorkerPool.
type Config struct {
	MaxWorkers   int
	QueueSize    int
	PanicHandler func(any)
}

// New creates a worker pool.
func New(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &WorkerPool{
		maxWorkers:   cfg.MaxWorkers,
		queue:        make(chan submission, cfg.QueueSize),
		panicHandler: cfg.PanicHandler,
	}
}

// Submit enqueues a task for execution. It never blocks: when the queue is
// saturated and no worker slot is free, ErrPoolFull is returned and the
// caller decides how to back off.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	sub := submission{task: task, ctx: ctx}

	select {
	case p.queue <- sub:
		p.submitted.Add(1)
		p.ensureWorker()
		return nil
	default:
	}

	if p.spawnWorker() {
		select {
		case p.queue <- sub:
			p.submitted.Add(1)
			return nil
		default:
		}
	}

	p.rejected.Add(1)
	return ErrPoolFull
}

func (p *WorkerPool) ensureWorker() {
	if p.workers.Load() < int32(p.maxWorkers) {
		p.spawnWorker()
	}
}

func (p *WorkerPool) spawnWorker() bool {
	for {
		n := p.workers.Load()
		if n >= int32(p.maxWorkers) {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	for sub := range p.queue {
		p.active.Add(1)
		p.run(sub)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

func (p *WorkerPool) run(sub submission) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
		}
	}()
	sub.task(sub.ctx)
}

// Close stops accepting tasks and waits for queued work to drain.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
}
