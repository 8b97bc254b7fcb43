// Package dispatch runs materialization jobs on a fixed pool of workers in
// priority order.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/tilecache/internal/queue"
	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/model"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch pool closed")

// Job is one unit of work. Lower Priority runs first.
type Job struct {
	Key      model.CacheKey
	Priority int64
	Run      func(ctx context.Context)
}

// Stats are cumulative pool counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	Cancelled uint64
	Pending   int
	Running   int
}

// Pool executes Jobs. At most one job per key is queued at a time.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.PriorityQueue[Job]
	queued  map[model.CacheKey]struct{}
	running int
	closed  bool

	ctrl   *resource.Controller
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
}

// NewPool starts workers goroutines. ctrl may be nil; when set, every job
// additionally holds one of its worker slots while running.
func NewPool(workers int, ctrl *resource.Controller, logger *slog.Logger) *Pool {
	workers = max(workers, 1)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pending: queue.NewMin[Job](64),
		queued:  make(map[model.CacheKey]struct{}),
		ctrl:    ctrl,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues job. A job for a key that is already queued replaces it,
// taking the new priority.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.queued[job.Key]; ok {
		p.pending.RemoveIf(func(j Job) bool { return j.Key == job.Key })
	} else {
		p.submitted.Add(1)
	}
	p.queued[job.Key] = struct{}{}
	p.pending.Push(job, job.Priority)
	p.cond.Signal()
	return nil
}

// Cancel removes queued jobs matching pred. Running jobs are not affected.
func (p *Pool) Cancel(pred func(Job) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.pending.RemoveIf(func(j Job) bool {
		if pred(j) {
			delete(p.queued, j.Key)
			return true
		}
		return false
	})
	p.cancelled.Add(uint64(n))
	return n
}

// Drain blocks until no job is queued or running.
func (p *Pool) Drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		idle := p.pending.Len() == 0 && p.running == 0
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending, running := p.pending.Len(), p.running
	p.mu.Unlock()

	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Cancelled: p.cancelled.Load(),
		Pending:   pending,
		Running:   running,
	}
}

// Close drops queued jobs, cancels the context of running ones and waits
// for the workers to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancelled.Add(uint64(p.pending.Len()))
	p.pending.Reset()
	clear(p.queued)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.pending.Len() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		it, _ := p.pending.Pop()
		delete(p.queued, it.Value.Key)
		p.running++
		p.mu.Unlock()

		p.run(it.Value)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}

func (p *Pool) run(job Job) {
	if err := p.ctrl.AcquireWorker(p.ctx); err != nil {
		return
	}
	defer p.ctrl.ReleaseWorker()

	job.Run(p.ctx)
	p.completed.Add(1)
}
