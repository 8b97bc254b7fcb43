package tilecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/internal/dispatch"
	"github.com/hupe1980/tilecache/internal/lifecycle"
	"github.com/hupe1980/tilecache/internal/pipeline"
	"github.com/hupe1980/tilecache/internal/thumb"
	"github.com/hupe1980/tilecache/internal/viewport"
	"github.com/hupe1980/tilecache/model"
)

// Session is the folder-scoped view of a Gallery. One coordinator
// goroutine owns the viewport, appends batches to the catalog and decides
// what to materialize or release. It never decodes; decodes run on the
// Gallery's dispatch workers.
//
// Batches must be drained from Batches: a batch is acknowledged to the
// pipeline only once the UI received it, so an unread channel pauses the
// scan.
type Session struct {
	g      *Gallery
	handle *pipeline.Handle
	logger *Logger
	size   int

	view    *viewport.Controller
	tracker *lifecycle.Tracker
	events  *lifecycle.Broadcaster

	inbox    chan model.Batch
	batches  chan model.Batch
	wake     chan struct{}
	requests chan func()

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// Owned by the coordinator; read by Close after it exited.
	members *roaring64.Bitmap
	pending []model.Batch
}

func newSession(g *Gallery) (*Session, error) {
	view, err := viewport.New(viewport.Config{
		TileWidth:   g.cfg.Viewport.TileWidth,
		TileHeight:  g.cfg.Viewport.TileHeight,
		Gutter:      g.cfg.Viewport.Gutter,
		BufferTiles: g.cfg.Viewport.BufferTiles,
	})
	if err != nil {
		return nil, translateError(err)
	}

	events := lifecycle.NewBroadcaster()
	tracker := lifecycle.NewTracker(events)
	tracker.Observe(func(e lifecycle.Event) {
		g.metrics.RecordTransition(e.From, e.To)
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		g:        g,
		logger:   g.logger,
		size:     g.cfg.Thumbnail.TargetSize,
		view:     view,
		tracker:  tracker,
		events:   events,
		inbox:    make(chan model.Batch),
		batches:  make(chan model.Batch),
		wake:     make(chan struct{}, 1),
		requests: make(chan func()),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		members:  roaring64.New(),
	}, nil
}

func (s *Session) attach(h *pipeline.Handle) {
	s.handle = h
	s.logger = s.g.logger.WithSession(h.ID())
}

func (s *Session) start() {
	go s.loop()
}

// ID returns the pipeline session id.
func (s *Session) ID() model.SessionID { return s.handle.ID() }

// Batches delivers the session's batches in sequence order. The channel
// is closed by Close.
func (s *Session) Batches() <-chan model.Batch { return s.batches }

// Scanned is closed once every batch left the pipeline or the scan was
// cancelled.
func (s *Session) Scanned() <-chan struct{} { return s.handle.Done() }

// Events subscribes to tile transitions. Events for a subscriber that
// falls behind are dropped; State recovers the current state.
func (s *Session) Events() <-chan Event {
	return s.events.Subscribe(s.g.opts.eventBuffer)
}

// Unsubscribe ends an Events subscription.
func (s *Session) Unsubscribe(ch <-chan Event) { s.events.Unsubscribe(ch) }

// Resize records the viewport size and schedules a resolve. Resizes that
// arrive before the resolve runs are coalesced; only the latest applies.
func (s *Session) Resize(width, height int) {
	s.view.OnResize(width, height)
	s.poke()
}

// Scroll records the scroll offset in pixels and schedules a resolve.
func (s *Session) Scroll(offset int) {
	s.view.OnScroll(offset)
	s.poke()
}

// Resolve runs a resolve on the coordinator and returns the window.
func (s *Session) Resolve(ctx context.Context) (model.ViewportWindow, error) {
	return call(ctx, s, func() (model.ViewportWindow, error) {
		return s.resolve(), nil
	})
}

// Window returns the window of the last resolve.
func (s *Session) Window() model.ViewportWindow { return s.view.Window() }

// IndexAt maps a point in viewport coordinates to a tile index.
func (s *Session) IndexAt(x, y int) (int, bool) { return s.view.IndexAt(x, y) }

// Len returns the number of records received so far.
func (s *Session) Len() int { return s.g.catalog.Len() }

// Record returns the record at display index i.
func (s *Session) Record(i int) (model.TileRecord, bool) { return s.g.catalog.At(i) }

// Lookup returns the record of fp and its display index.
func (s *Session) Lookup(fp model.Fingerprint) (model.TileRecord, int, bool) {
	return s.g.catalog.Lookup(fp)
}

// State returns the lifecycle state of fp.
func (s *Session) State(fp model.Fingerprint) (State, bool) { return s.tracker.State(fp) }

// Degraded reports whether fp shows a placeholder.
func (s *Session) Degraded(fp model.Fingerprint) bool { return s.tracker.Degraded(fp) }

// Asset returns the displayable thumbnail of fp. A Stale tile keeps
// showing its previous asset.
func (s *Session) Asset(fp model.Fingerprint) (model.ThumbnailAsset, bool) {
	return s.tracker.Asset(fp)
}

// UpdateMetadata applies u to fp and returns the record with its new
// version. It is the only way metadata changes. A displayed tile passes
// through Stale and back to Ready with its asset unchanged.
func (s *Session) UpdateMetadata(ctx context.Context, fp model.Fingerprint, u model.MetadataUpdate) (model.TileRecord, error) {
	if s.closed.Load() {
		return model.TileRecord{}, ErrSessionCancelled
	}
	return call(ctx, s, func() (model.TileRecord, error) {
		rec, err := s.g.catalog.UpdateMetadata(fp, u)
		if err != nil {
			return rec, err
		}
		s.metadataChanged(fp)
		return rec, nil
	})
}

// NotifyChanged reports a new observation of pair. When its content
// changed, a Ready tile turns Stale and is rebuilt while the old asset
// stays displayable.
func (s *Session) NotifyChanged(ctx context.Context, pair model.FilePair) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.changed(pair)
	})
	return err
}

// Retry rebuilds a tile shown as a placeholder, ignoring a remembered
// build failure.
func (s *Session) Retry(ctx context.Context, fp model.Fingerprint) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.retry(fp)
	})
	return err
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:            s.ID(),
		Records:       s.g.catalog.Len(),
		Tiles:         s.tracker.Counts(),
		Window:        s.view.Window(),
		EventsDropped: s.events.Dropped(),
	}
}

// Close cancels the scan, destroys every tile and drops the session's
// thumbnails from the cache. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.g.pipe.Cancel(s.handle)
		s.cancel()
		<-s.done

		inSession := func(fp model.Fingerprint) bool { return s.members.Contains(uint64(fp)) }
		s.g.pool.Cancel(func(j dispatch.Job) bool { return inSession(j.Key.Fingerprint) })
		invalidated := s.g.cache.InvalidateIf(func(k model.CacheKey) bool { return inSession(k.Fingerprint) })
		tiles := s.tracker.DestroyAll()

		s.events.Close()
		close(s.batches)
		s.g.detach(s)
		s.logger.LogSessionEnd(context.Background(), s.ID(), tiles, invalidated)
	})
	return nil
}

func (s *Session) live() bool { return !s.closed.Load() }

func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver hands a batch from the router to the coordinator.
func (s *Session) deliver(b model.Batch) {
	select {
	case s.inbox <- b:
	case <-s.done:
	}
}

func (s *Session) loop() {
	defer close(s.done)

	for {
		var (
			out  chan<- model.Batch
			next model.Batch
		)
		if len(s.pending) > 0 {
			out, next = s.batches, s.pending[0]
		}

		select {
		case <-s.ctx.Done():
			return
		case b := <-s.inbox:
			s.apply(b)
		case out <- next:
			s.pending = s.pending[1:]
			s.g.pipe.Ack(s.handle, next.Seq)
		case <-s.wake:
			s.resolve()
		case fn := <-s.requests:
			fn()
		}
	}
}

type reply[T any] struct {
	v   T
	err error
}

// call runs fn on the coordinator and waits for its result.
func call[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	var zero T
	res := make(chan reply[T], 1)
	job := func() {
		v, err := fn()
		res <- reply[T]{v: v, err: err}
	}

	select {
	case s.requests <- job:
	case <-s.done:
		return zero, ErrSessionCancelled
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-res:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Session) apply(b model.Batch) {
	s.g.catalog.Append(b)
	for _, r := range b.Records {
		if s.tracker.Track(r.Pair.ID) {
			s.members.Add(uint64(r.Pair.ID))
		}
	}
	s.view.SetTotal(s.g.catalog.Len())
	s.pending = append(s.pending, b)
	s.g.metrics.RecordBatch(len(b.Records))

	s.resolve()
}

func (s *Session) resolve() model.ViewportWindow {
	w, diff := s.view.Resolve()
	s.publishResidency(w)

	if len(diff.Release) > 0 {
		s.release(diff.Release)
	}

	requested := make(map[int]struct{}, len(diff.Materialize))
	for _, i := range diff.Materialize {
		requested[i] = struct{}{}
		s.request(i, w.Visible)
	}
	// Visible tiles lost under pressure come back without a scroll.
	for i := w.Visible.Lo; i < w.Visible.Hi; i++ {
		if _, ok := requested[i]; ok {
			continue
		}
		rec, ok := s.g.catalog.At(i)
		if !ok {
			continue
		}
		fp := rec.Pair.ID
		switch st, _ := s.tracker.State(fp); {
		case st == StateEvicted || st == StateUnrealized:
			s.request(i, w.Visible)
		case st == StateReady && s.tracker.Degraded(fp) && s.g.cache.NegativeExpired(s.key(fp)):
			// The remembered failure timed out while the tile stayed in view.
			_ = s.scheduleRefresh(rec, i)
		}
	}

	s.logger.LogResolve(s.ctx, w, len(diff.Materialize), len(diff.Release))
	return w
}

func (s *Session) publishResidency(w model.ViewportWindow) {
	visible := roaring64.New()
	buffer := roaring64.New()
	for _, r := range s.g.catalog.Slice(w.Buffer) {
		buffer.Add(uint64(r.Pair.ID))
	}
	for _, r := range s.g.catalog.Slice(w.Visible) {
		visible.Add(uint64(r.Pair.ID))
	}
	s.g.manager.SetResidency(visible, buffer)
}

// release drops queued work for tiles that left the buffer range. Resident
// thumbnails stay until the Manager evicts them; placeholders are torn
// down so the tile is built again when it comes back.
func (s *Session) release(indices []int) {
	keys := make(map[model.CacheKey]struct{}, len(indices))
	for _, i := range indices {
		rec, ok := s.g.catalog.At(i)
		if !ok {
			continue
		}
		fp := rec.Pair.ID
		keys[s.key(fp)] = struct{}{}
		if st, _ := s.tracker.State(fp); st == StateReady && s.tracker.Degraded(fp) {
			s.tracker.Advance(fp, StateEvicted)
		}
	}

	s.g.pool.Cancel(func(j dispatch.Job) bool {
		if _, ok := keys[j.Key]; !ok {
			return false
		}
		s.tracker.Advance(j.Key.Fingerprint, StateUnrealized)
		return true
	})
}

func (s *Session) request(i int, visible model.Range) {
	rec, ok := s.g.catalog.At(i)
	if !ok {
		return
	}
	fp := rec.Pair.ID
	key := s.key(fp)

	st, ok := s.tracker.State(fp)
	if !ok {
		return
	}
	switch st {
	case StateReady, StateStale, StateMaterializing:
		return
	case StateEvicted:
		s.tracker.Advance(fp, StateUnrealized)
	}

	if st != StatePending {
		s.tracker.Advance(fp, StatePending)
	}
	if asset, ok := s.g.cache.Peek(key); ok {
		s.g.pool.Cancel(func(j dispatch.Job) bool { return j.Key == key })
		_ = s.tracker.MarkReady(fp, asset)
		return
	}

	pair := rec.Pair
	_ = s.g.pool.Submit(dispatch.Job{
		Key:      key,
		Priority: priority(i, visible),
		Run: func(ctx context.Context) {
			s.materialize(ctx, pair)
		},
	})
}

// materialize runs on a dispatch worker.
func (s *Session) materialize(ctx context.Context, pair model.FilePair) {
	if !s.live() || !s.tracker.Advance(pair.ID, StateMaterializing) {
		return
	}
	asset, err := s.g.cache.GetOrBuild(ctx, s.buildRequest(pair))
	s.finish(ctx, pair.ID, asset, err)
}

// refresh rebuilds a Stale or degraded tile on a dispatch worker.
func (s *Session) refresh(ctx context.Context, pair model.FilePair) {
	if !s.live() {
		return
	}
	asset, err := s.g.cache.Refresh(ctx, s.buildRequest(pair))
	s.finish(ctx, pair.ID, asset, err)
}

func (s *Session) buildRequest(pair model.FilePair) cache.Request {
	return cache.Request{
		Key:      s.key(pair.ID),
		Estimate: thumb.Estimate(s.size),
		Build:    s.g.buildFunc(pair, s.size),
		Live:     s.live,
	}
}

func (s *Session) finish(ctx context.Context, fp model.Fingerprint, asset model.ThumbnailAsset, err error) {
	var be *cache.BuildError
	switch {
	case err == nil:
		s.g.metrics.RecordAdmission(!asset.Placeholder)
		if asset.Placeholder {
			s.logger.LogDegraded(ctx, fp, ErrAdmissionRejected)
		}
		_ = s.tracker.MarkReady(fp, asset)
	case errors.As(err, &be):
		s.logger.LogDegraded(ctx, fp, err)
		_ = s.tracker.MarkReady(fp, model.NewPlaceholder(s.size))
	default:
		// Cancelled or discarded: a Stale tile keeps its asset, anything
		// else is requested again by a later resolve.
		s.tracker.Advance(fp, StateUnrealized)
	}
}

// evicted is called by the Gallery for every eviction report.
func (s *Session) evicted(keys []model.CacheKey) {
	for _, k := range keys {
		if k.TargetSize == s.size {
			s.tracker.Advance(k.Fingerprint, StateEvicted)
		}
	}
}

func (s *Session) changed(pair model.FilePair) error {
	prev, idx, ok := s.g.catalog.Lookup(pair.ID)
	if !ok {
		return ErrUnknownTile
	}
	rec, changed, err := s.g.catalog.ReplacePair(pair)
	if err != nil || !changed {
		return err
	}
	if s.g.disk != nil {
		old := cache.DiskFingerprint(prev.Pair.SourcePath())
		s.g.disk.Invalidate(func(k cache.DiskKey) bool { return k.Fingerprint == old })
	}

	if st, _ := s.tracker.State(pair.ID); st != StateReady {
		// Nothing displayed yet: the next materialization builds the new content.
		s.g.cache.InvalidateFingerprint(pair.ID)
		return nil
	}
	return s.scheduleRefresh(rec, idx)
}

// metadataChanged republishes a displayed tile after its metadata changed.
// Thumbnails do not depend on metadata, so the asset is kept.
func (s *Session) metadataChanged(fp model.Fingerprint) {
	if st, _ := s.tracker.State(fp); st != StateReady {
		return
	}
	asset, _ := s.tracker.Asset(fp)
	if s.tracker.Advance(fp, StateStale) {
		_ = s.tracker.MarkReady(fp, asset)
	}
}

func (s *Session) retry(fp model.Fingerprint) error {
	rec, idx, ok := s.g.catalog.Lookup(fp)
	if !ok {
		return ErrUnknownTile
	}

	st, _ := s.tracker.State(fp)
	switch {
	case st == StateReady && s.tracker.Degraded(fp):
		return s.scheduleRefresh(rec, idx)
	case st == StateUnrealized || st == StateEvicted:
		s.g.cache.Invalidate(s.key(fp))
		s.request(idx, s.view.Window().Visible)
	}
	return nil
}

func (s *Session) scheduleRefresh(rec model.TileRecord, idx int) error {
	if err := s.tracker.Transition(rec.Pair.ID, StateStale); err != nil {
		return err
	}
	pair := rec.Pair
	return translateError(s.g.pool.Submit(dispatch.Job{
		Key:      s.key(pair.ID),
		Priority: priority(idx, s.view.Window().Visible),
		Run: func(ctx context.Context) {
			s.refresh(ctx, pair)
		},
	}))
}

func (s *Session) key(fp model.Fingerprint) model.CacheKey {
	return model.CacheKey{Fingerprint: fp, TargetSize: s.size}
}

// priority orders work by distance from the visible range; visible tiles
// come first.
func priority(i int, visible model.Range) int64 {
	switch {
	case visible.Contains(i):
		return 0
	case i < visible.Lo:
		return int64(visible.Lo - i)
	default:
		return int64(i - visible.Hi + 1)
	}
}
