package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/model"
)

const (
	defaultNegativeTTL = 30 * time.Second
	defaultMaxNegative = 1024
)

// Config configures a TileCache.
type Config struct {
	// NegativeTTL is how long a failed build is remembered. Defaults to 30s.
	NegativeTTL time.Duration
	// MaxNegative bounds the number of negative entries before expired ones
	// are swept. Defaults to 1024.
	MaxNegative int
	Logger      *slog.Logger
	// Now is the wall clock used for negative entry expiry.
	Now func() time.Time
}

type entry struct {
	asset model.ThumbnailAsset
	err   *BuildError

	lastAccess atomic.Uint64
}

func (e *entry) resident() bool { return e.err == nil }

// TileCache is the in-memory thumbnail store.
//
// Memory is accounted by the Admitter. The cache mutates resident entries
// only inside Admitter callbacks and never calls the Admitter while
// holding its own lock.
type TileCache struct {
	mu        sync.RWMutex
	entries   map[model.CacheKey]*entry
	pins      map[model.CacheKey]int
	gens      map[model.Fingerprint]uint64
	inflight  map[model.CacheKey]struct{}
	negatives int

	adm    Admitter
	flight singleflight.Group
	clock  atomic.Uint64

	cfg    Config
	logger *slog.Logger

	hits         atomic.Uint64
	misses       atomic.Uint64
	joins        atomic.Uint64
	negativeHits atomic.Uint64
	builds       atomic.Uint64
	buildErrors  atomic.Uint64
	rejections   atomic.Uint64
	discarded    atomic.Uint64
	evictions    atomic.Uint64
}

var _ resource.Store = (*TileCache)(nil)

// New returns an empty TileCache. The caller attaches it to the Manager.
func New(adm Admitter, cfg Config) *TileCache {
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	if cfg.MaxNegative <= 0 {
		cfg.MaxNegative = defaultMaxNegative
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &TileCache{
		entries:  make(map[model.CacheKey]*entry),
		pins:     make(map[model.CacheKey]int),
		gens:     make(map[model.Fingerprint]uint64),
		inflight: make(map[model.CacheKey]struct{}),
		adm:      adm,
		cfg:      cfg,
		logger:   logger,
	}
}

// GetOrBuild returns the cached asset for req.Key or builds it. Concurrent
// callers for the same key share one build and receive the same result.
// A rejected admission yields a placeholder asset and a nil error.
func (c *TileCache) GetOrBuild(ctx context.Context, req Request) (model.ThumbnailAsset, error) {
	if asset, ok, err := c.lookup(req.Key); ok {
		return asset, err
	}
	c.misses.Add(1)

	asset, err := c.await(ctx, req, true)
	if errors.Is(err, ErrDiscarded) && req.live() && ctx.Err() == nil {
		// Joined a build whose leader went stale before it started.
		asset, err = c.await(ctx, req, true)
	}
	return asset, err
}

// GetOrBuildAsync runs GetOrBuild in the background. The channel receives
// exactly one Result.
func (c *TileCache) GetOrBuildAsync(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		asset, err := c.GetOrBuild(ctx, req)
		out <- Result{Key: req.Key, Asset: asset, Err: err}
	}()
	return out
}

// Refresh rebuilds req.Key while the previous asset stays available via
// Peek. The new asset replaces the old one when the build completes.
// Builds of the same fingerprint that started earlier are not installed.
func (c *TileCache) Refresh(ctx context.Context, req Request) (model.ThumbnailAsset, error) {
	c.mu.Lock()
	c.gens[req.Key.Fingerprint]++
	if e, ok := c.entries[req.Key]; ok && !e.resident() {
		delete(c.entries, req.Key)
		c.negatives--
	}
	c.mu.Unlock()

	c.flight.Forget(req.Key.String())
	return c.await(ctx, req, false)
}

// Peek returns the resident asset without touching recency.
func (c *TileCache) Peek(key model.CacheKey) (model.ThumbnailAsset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !e.resident() {
		return model.ThumbnailAsset{}, false
	}
	return e.asset, true
}

// Contains reports whether a resident asset exists for key.
func (c *TileCache) Contains(key model.CacheKey) bool {
	_, ok := c.Peek(key)
	return ok
}

// Pin protects key from eviction until a matching Unpin.
func (c *TileCache) Pin(key model.CacheKey) {
	c.mu.Lock()
	c.pins[key]++
	c.mu.Unlock()
}

// Unpin releases one Pin.
func (c *TileCache) Unpin(key model.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.pins[key]; n > 1 {
		c.pins[key] = n - 1
	} else {
		delete(c.pins, key)
	}
}

// Invalidate drops key, including a negative entry, and prevents any
// build of the same fingerprint already in flight from being installed.
func (c *TileCache) Invalidate(key model.CacheKey) bool {
	c.flight.Forget(key.String())

	var found bool
	c.adm.Release(func() int64 {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.gens[key.Fingerprint]++
		e, ok := c.entries[key]
		if !ok {
			return 0
		}
		found = true
		return c.dropLocked(key, e)
	})
	return found
}

// InvalidateFingerprint drops every target size cached for fp and returns
// the number of entries removed.
func (c *TileCache) InvalidateFingerprint(fp model.Fingerprint) int {
	c.mu.RLock()
	var forget []model.CacheKey
	for k := range c.inflight {
		if k.Fingerprint == fp {
			forget = append(forget, k)
		}
	}
	c.mu.RUnlock()

	for _, k := range forget {
		c.flight.Forget(k.String())
	}

	var n int
	c.adm.Release(func() int64 {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.gens[fp]++
		var freed int64
		for k, e := range c.entries {
			if k.Fingerprint != fp {
				continue
			}
			freed += c.dropLocked(k, e)
			n++
		}
		return freed
	})
	return n
}

// InvalidateIf drops every entry whose key matches pred.
func (c *TileCache) InvalidateIf(pred func(model.CacheKey) bool) int {
	var n int
	c.adm.Release(func() int64 {
		c.mu.Lock()
		defer c.mu.Unlock()

		var freed int64
		for k, e := range c.entries {
			if !pred(k) {
				continue
			}
			c.gens[k.Fingerprint]++
			freed += c.dropLocked(k, e)
			n++
		}
		return freed
	})
	return n
}

// Candidates implements resource.Store.
func (c *TileCache) Candidates() []resource.Candidate {
	c.mu.RLock()
	out := make([]resource.Candidate, 0, len(c.entries))
	for k, e := range c.entries {
		if !e.resident() || c.pins[k] > 0 {
			continue
		}
		out = append(out, resource.Candidate{
			Key:        k,
			Bytes:      e.asset.ByteSize,
			LastAccess: e.lastAccess.Load(),
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastAccess < out[j].LastAccess })
	return out
}

// Evict implements resource.Store. Pinned and negative entries are kept.
func (c *TileCache) Evict(key model.CacheKey) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.resident() || c.pins[key] > 0 {
		return 0, false
	}
	delete(c.entries, key)
	c.evictions.Add(1)
	return e.asset.ByteSize, true
}

// Len returns the number of resident assets.
func (c *TileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries) - c.negatives
}

// Stats returns the cache counters.
func (c *TileCache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries) - c.negatives
	pinned := len(c.pins)
	c.mu.RUnlock()

	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Joins:        c.joins.Load(),
		NegativeHits: c.negativeHits.Load(),
		Builds:       c.builds.Load(),
		BuildErrors:  c.buildErrors.Load(),
		Rejections:   c.rejections.Load(),
		Discarded:    c.discarded.Load(),
		Evictions:    c.evictions.Load(),
		Entries:      entries,
		Pinned:       pinned,
	}
}

func (c *TileCache) lookup(key model.CacheKey) (model.ThumbnailAsset, bool, error) {
	asset, ok, err := c.settled(key)
	switch {
	case !ok:
	case err != nil:
		c.negativeHits.Add(1)
	default:
		c.hits.Add(1)
	}
	return asset, ok, err
}

// settled returns a resident asset or an unexpired negative entry for key
// without counting a hit.
func (c *TileCache) settled(key model.CacheKey) (model.ThumbnailAsset, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	switch {
	case !ok:
		return model.ThumbnailAsset{}, false, nil
	case !e.resident():
		if c.cfg.Now().Before(e.err.ExpiresAt) {
			return model.ThumbnailAsset{}, true, e.err
		}
		return model.ThumbnailAsset{}, false, nil
	}
	e.lastAccess.Store(c.clock.Add(1))
	return e.asset, true, nil
}

// NegativeExpired reports whether key holds a remembered build failure
// whose TTL has passed.
func (c *TileCache) NegativeExpired(key model.CacheKey) bool {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return ok && !e.resident() && !c.cfg.Now().Before(e.err.ExpiresAt)
}

func (c *TileCache) touch(key model.CacheKey) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && e.resident() {
		e.lastAccess.Store(c.clock.Add(1))
	}
}

// await joins or leads the flight for req.Key. With recheck set, a leader
// first looks for an entry installed by a flight that completed after the
// caller's lookup missed.
func (c *TileCache) await(ctx context.Context, req Request, recheck bool) (model.ThumbnailAsset, error) {
	led := false
	ch := c.flight.DoChan(req.Key.String(), func() (any, error) {
		if recheck {
			if asset, ok, err := c.settled(req.Key); ok {
				return asset, err
			}
		}
		led = true
		// Decode work is allowed to finish after its requester gives up.
		return c.build(context.WithoutCancel(ctx), req)
	})

	select {
	case r := <-ch:
		if !led {
			c.joins.Add(1)
			c.touch(req.Key)
		}
		if r.Err != nil {
			return model.ThumbnailAsset{}, r.Err
		}
		return r.Val.(model.ThumbnailAsset), nil
	case <-ctx.Done():
		return model.ThumbnailAsset{}, ctx.Err()
	}
}

func (c *TileCache) build(ctx context.Context, req Request) (model.ThumbnailAsset, error) {
	if !req.live() {
		c.discarded.Add(1)
		return model.ThumbnailAsset{}, ErrDiscarded
	}

	c.mu.Lock()
	gen := c.gens[req.Key.Fingerprint]
	c.inflight[req.Key] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, req.Key)
		c.mu.Unlock()
	}()

	res, decision := c.adm.Admit(req.Key, req.Estimate)
	if decision == resource.Rejected {
		c.rejections.Add(1)
		return model.NewPlaceholder(req.Key.TargetSize), nil
	}

	c.builds.Add(1)
	asset, err := req.Build(ctx)
	if err != nil {
		c.adm.Cancel(res)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !req.live() {
			return model.ThumbnailAsset{}, err
		}

		c.buildErrors.Add(1)
		be := &BuildError{Key: req.Key, Err: err, ExpiresAt: c.cfg.Now().Add(c.cfg.NegativeTTL)}
		c.remember(req.Key, be, gen)
		c.logger.Debug("thumbnail build failed", "key", req.Key.String(), "error", err)
		return model.ThumbnailAsset{}, be
	}

	if asset.ByteSize <= 0 {
		asset.ByteSize = int64(len(asset.Bitmap))
	}
	if asset.BuiltAt.IsZero() {
		asset.BuiltAt = c.cfg.Now()
	}

	if !req.live() {
		c.adm.Cancel(res)
		c.discarded.Add(1)
		return asset, nil
	}

	c.adm.RecordResident(res, asset.ByteSize, func() (int64, bool) {
		return c.install(req.Key, asset, gen)
	})
	return asset, nil
}

// install runs under the Admitter lock.
func (c *TileCache) install(key model.CacheKey, asset model.ThumbnailAsset, gen uint64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key.Fingerprint] != gen {
		c.discarded.Add(1)
		return 0, false
	}

	var replaced int64
	if old, ok := c.entries[key]; ok {
		replaced = c.dropLocked(key, old)
	}

	e := &entry{asset: asset}
	e.lastAccess.Store(c.clock.Add(1))
	c.entries[key] = e
	return replaced, true
}

func (c *TileCache) remember(key model.CacheKey, be *BuildError, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key.Fingerprint] != gen {
		return
	}
	old, ok := c.entries[key]
	if ok && old.resident() {
		// A failed refresh keeps the previous asset.
		return
	}
	if !ok {
		c.negatives++
	}
	c.entries[key] = &entry{err: be}

	if c.negatives > c.cfg.MaxNegative {
		c.sweepLocked()
	}
}

func (c *TileCache) sweepLocked() {
	now := c.cfg.Now()
	for k, e := range c.entries {
		if !e.resident() && !now.Before(e.err.ExpiresAt) {
			delete(c.entries, k)
			c.negatives--
		}
	}
}

// dropLocked removes e and returns the resident bytes it held.
func (c *TileCache) dropLocked(key model.CacheKey, e *entry) int64 {
	delete(c.entries, key)
	if !e.resident() {
		c.negatives--
		return 0
	}
	return e.asset.ByteSize
}
