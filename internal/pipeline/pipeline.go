// Package pipeline turns an ordered list of file pairs into sequence-numbered
// batches of tile records.
//
// Each session runs a producer, a fixed set of workers and one emitter:
//
//	producer ──seq──► workers ──Batch──► reorder heap ──► debounce ──► Subscription
//	    ▲                                                                  │
//	    └──────────────────────────── Ack ◄────────────────────────────────┘
//
// Workers may finish out of order; the emitter restores seq order before
// delivery. The producer stops dispatching while HighWater batches are
// unacknowledged.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tilecache/internal/queue"
	"github.com/hupe1980/tilecache/model"
)

var (
	// ErrInvalidBatchSize is returned for a non-positive batch size.
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	// ErrPipelineClosed is returned after Close.
	ErrPipelineClosed = errors.New("pipeline closed")
)

const (
	DefaultBatchSize        = 200
	DefaultWorkers          = 4
	DefaultFlushThreshold   = 4
	DefaultDebounceInterval = 50 * time.Millisecond
	DefaultHighWater        = 8
)

// Resolver supplies the mutable part of a record.
type Resolver interface {
	Resolve(pair model.FilePair) (model.Metadata, uint64)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(pair model.FilePair) (model.Metadata, uint64)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(pair model.FilePair) (model.Metadata, uint64) { return f(pair) }

// Config configures a Pipeline. Zero values select the defaults.
type Config struct {
	// BatchSize is the number of records per batch, independent of input size.
	BatchSize int
	// Workers is the number of goroutines building batches per session.
	Workers int
	// FlushThreshold is the number of ordered batches buffered before an
	// immediate flush. It is capped at HighWater.
	FlushThreshold int
	// DebounceInterval is the quiescence after which buffered batches flush.
	DebounceInterval time.Duration
	// HighWater is the maximum number of dispatched but unacknowledged batches.
	HighWater int

	Resolver Resolver
	Logger   *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.BatchSize)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.HighWater <= 0 {
		c.HighWater = DefaultHighWater
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
	c.FlushThreshold = min(c.FlushThreshold, c.HighWater)
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = DefaultDebounceInterval
	}
	if c.Resolver == nil {
		c.Resolver = ResolverFunc(func(model.FilePair) (model.Metadata, uint64) { return model.Metadata{}, 0 })
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Sessions  uint64
	Cancelled uint64
	Emitted   uint64
	Delivered uint64
	Dropped   uint64
}

type delivery struct {
	h     *Handle
	batch model.Batch
}

// Pipeline runs batching sessions and delivers their batches to a single
// Subscription.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	sessions map[model.SessionID]*Handle
	nextID   model.SessionID
	closed   bool

	out   chan delivery
	done  chan struct{}
	wg    sync.WaitGroup
	sub   *Subscription
	stats struct {
		sessions, cancelled, emitted, delivered, dropped atomic.Uint64
	}
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		sessions: make(map[model.SessionID]*Handle),
		out:      make(chan delivery),
		done:     make(chan struct{}),
	}
	p.sub = &Subscription{p: p}
	return p, nil
}

// BatchSize returns the configured batch size.
func (p *Pipeline) BatchSize() int { return p.cfg.BatchSize }

// Subscribe returns the pipeline's subscription. There is one consumer;
// repeated calls return the same Subscription.
func (p *Pipeline) Subscribe() *Subscription { return p.sub }

// StartSession begins batching pairs. The sequence restarts at 0 for every
// session and sessions never wait on each other.
func (p *Pipeline) StartSession(ctx context.Context, pairs []model.FilePair) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPipelineClosed
	}

	p.nextID++
	sctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:      p.nextID,
		ctx:     sctx,
		cancel:  cancel,
		ackCh:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		batches: (len(pairs) + p.cfg.BatchSize - 1) / p.cfg.BatchSize,
	}
	p.sessions[h.id] = h
	p.stats.sessions.Add(1)

	// Callers may reuse their slice.
	owned := make([]model.FilePair, len(pairs))
	copy(owned, pairs)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(h, owned)
	}()

	p.cfg.Logger.Debug("pipeline session started",
		"session", uint64(h.id),
		"pairs", len(pairs),
		"batches", h.batches,
	)
	return h, nil
}

// Cancel tombstones the session. Batches of h that have not been delivered
// are dropped. Cancel is idempotent.
func (p *Pipeline) Cancel(h *Handle) {
	if h == nil || !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	p.stats.cancelled.Add(1)

	p.mu.Lock()
	delete(p.sessions, h.id)
	p.mu.Unlock()

	p.cfg.Logger.Debug("pipeline session cancelled", "session", uint64(h.id))
}

// Ack acknowledges every batch of h up to and including seq.
func (p *Pipeline) Ack(h *Handle, seq uint64) {
	if h != nil {
		h.ack(seq)
	}
}

// Close cancels all sessions and waits for their goroutines.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.sessions))
	for _, h := range p.sessions {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		p.Cancel(h)
	}
	close(p.done)
	p.wg.Wait()
	return nil
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sessions:  p.stats.sessions.Load(),
		Cancelled: p.stats.cancelled.Load(),
		Emitted:   p.stats.emitted.Load(),
		Delivered: p.stats.delivered.Load(),
		Dropped:   p.stats.dropped.Load(),
	}
}

func (p *Pipeline) run(h *Handle, pairs []model.FilePair) {
	defer close(h.done)
	defer func() {
		p.mu.Lock()
		if p.sessions[h.id] == h {
			delete(p.sessions, h.id)
		}
		p.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(h.ctx)
	jobs := make(chan uint64)
	results := make(chan model.Batch, p.cfg.Workers)

	g.Go(func() error {
		defer close(jobs)
		return p.produce(gctx, h, jobs)
	})

	var workers sync.WaitGroup
	for range p.cfg.Workers {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return p.work(gctx, h, pairs, jobs, results)
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		return p.emit(gctx, h, results)
	})

	err := g.Wait()
	if err != nil && !h.cancelled.Load() && !errors.Is(err, context.Canceled) {
		h.err = err
		p.cfg.Logger.Warn("pipeline session failed", "session", uint64(h.id), "error", err)
		return
	}
	p.cfg.Logger.Debug("pipeline session finished", "session", uint64(h.id), "cancelled", h.cancelled.Load())
}

func (p *Pipeline) produce(ctx context.Context, h *Handle, jobs chan<- uint64) error {
	for seq := uint64(0); seq < uint64(h.batches); seq++ {
		if err := h.waitCredit(ctx, p.cfg.HighWater); err != nil {
			return err
		}
		select {
		case jobs <- seq:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) work(ctx context.Context, h *Handle, pairs []model.FilePair, jobs <-chan uint64, results chan<- model.Batch) error {
	size := p.cfg.BatchSize
	for seq := range jobs {
		if !h.Live() {
			return context.Canceled
		}

		lo := int(seq) * size
		hi := min(lo+size, len(pairs))
		records := make([]model.TileRecord, 0, hi-lo)
		for _, pair := range pairs[lo:hi] {
			md, version := p.cfg.Resolver.Resolve(pair)
			records = append(records, model.TileRecord{
				Pair:     pair,
				Metadata: md,
				Version:  version,
				BatchSeq: seq,
			})
		}

		select {
		case results <- model.Batch{Session: h.id, Seq: seq, Records: records}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// emit restores seq order and debounces delivery.
func (p *Pipeline) emit(ctx context.Context, h *Handle, results <-chan model.Batch) error {
	reorder := queue.NewMin[model.Batch](p.cfg.Workers)
	pending := make([]model.Batch, 0, p.cfg.FlushThreshold)
	next := uint64(0)

	timer := time.NewTimer(p.cfg.DebounceInterval)
	timer.Stop()
	defer timer.Stop()

	flush := func() error {
		for _, b := range pending {
			if !h.Live() {
				return context.Canceled
			}
			select {
			case p.out <- delivery{h: h, batch: b}:
				p.stats.emitted.Add(1)
			case <-ctx.Done():
				return ctx.Err()
			case <-p.done:
				return ErrPipelineClosed
			}
		}
		clear(pending)
		pending = pending[:0]
		return nil
	}

	for {
		select {
		case b, ok := <-results:
			if !ok {
				return flush()
			}
			if !h.Live() {
				return context.Canceled
			}

			reorder.Push(b, int64(b.Seq))
			for {
				top, ok := reorder.Top()
				if !ok || uint64(top.Priority) != next {
					break
				}
				_, _ = reorder.Pop()
				pending = append(pending, top.Value)
				next++
			}

			if len(pending) >= p.cfg.FlushThreshold {
				timer.Stop()
				if err := flush(); err != nil {
					return err
				}
			} else if len(pending) > 0 {
				timer.Reset(p.cfg.DebounceInterval)
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle identifies a running session.
type Handle struct {
	id      model.SessionID
	ctx     context.Context
	cancel  context.CancelFunc
	batches int

	cancelled atomic.Bool

	mu         sync.Mutex
	dispatched uint64
	acked      uint64
	ackCh      chan struct{}

	done chan struct{}
	err  error
}

// ID returns the session id stamped on every batch.
func (h *Handle) ID() model.SessionID { return h.id }

// Batches returns the number of batches the session produces.
func (h *Handle) Batches() int { return h.batches }

// Live reports whether the session has not been cancelled.
func (h *Handle) Live() bool { return !h.cancelled.Load() }

// Done is closed when all session goroutines have exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the session failure, if any, after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Unacked returns the number of dispatched batches not yet acknowledged.
func (h *Handle) Unacked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int(h.dispatched - h.acked)
}

func (h *Handle) waitCredit(ctx context.Context, highWater int) error {
	for {
		h.mu.Lock()
		if h.dispatched-h.acked < uint64(highWater) {
			h.dispatched++
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()

		select {
		case <-h.ackCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handle) ack(seq uint64) {
	h.mu.Lock()
	if upto := min(seq+1, h.dispatched); upto > h.acked {
		h.acked = upto
	}
	h.mu.Unlock()

	select {
	case h.ackCh <- struct{}{}:
	default:
	}
}

// Subscription receives batches of all live sessions. Batches of one
// session arrive in seq order.
type Subscription struct {
	p *Pipeline
}

// Next blocks until a batch of a live session is available. Batches of
// cancelled sessions are skipped.
func (s *Subscription) Next(ctx context.Context) (model.Batch, error) {
	for {
		select {
		case d := <-s.p.out:
			if !d.h.Live() {
				s.p.stats.dropped.Add(1)
				continue
			}
			s.p.stats.delivered.Add(1)
			return d.batch, nil
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case <-s.p.done:
			return model.Batch{}, ErrPipelineClosed
		}
	}
}
