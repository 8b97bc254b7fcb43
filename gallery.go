package tilecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/internal/catalog"
	"github.com/hupe1980/tilecache/internal/dispatch"
	"github.com/hupe1980/tilecache/internal/pipeline"
	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/internal/thumb"
	"github.com/hupe1980/tilecache/model"
)

const tracerName = "github.com/hupe1980/tilecache"

// Gallery is the process-scoped owner of the memory budget, the thumbnail
// cache, the decode workers and the batch pipeline. It serves one Session
// at a time; starting a new one closes the previous.
type Gallery struct {
	cfg     Config
	opts    options
	logger  *Logger
	metrics MetricsCollector
	tracer  trace.Tracer

	ctrl    *resource.Controller
	manager *resource.Manager
	cache   *cache.TileCache
	disk    *cache.DiskCache
	decoder thumb.Decoder
	catalog *catalog.Catalog
	pipe    *pipeline.Pipeline
	pool    *dispatch.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu sync.Mutex

	mu     sync.Mutex
	active *Session
	closed bool
}

// New validates cfg, wires every component and then starts the background
// workers. Contradictory settings, such as a budget smaller than one
// thumbnail, fail here.
func New(cfg Config, opts ...Option) (*Gallery, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = NewLoggerFromConfig(cfg.Logging)
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	g := &Gallery{
		cfg:     cfg,
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
		tracer:  o.tracerProvider.Tracer(tracerName),
	}

	if err := g.init(); err != nil {
		return nil, err
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.manager.Run(g.ctx, cfg.Memory.PressureInterval)
	}()
	go func() {
		defer g.wg.Done()
		g.route()
	}()

	return g, nil
}

// init constructs the components leaf first. No goroutine runs yet.
func (g *Gallery) init() error {
	cfg := g.cfg
	slogger := g.logger.Logger

	maxBytes, err := cfg.MemoryBytes()
	if err != nil {
		return fmt.Errorf("%w: memory.max_bytes: %w", ErrInvalidConfig, err)
	}
	g.logger.LogBudget(context.Background(), maxBytes, cfg.AutoMemory())

	ioLimit, _ := cfg.IOLimit()
	g.ctrl = resource.NewController(resource.ControllerConfig{
		MaxWorkers:         int64(max(cfg.Decode.Workers, 1)),
		IOLimitBytesPerSec: ioLimit,
	})

	g.manager, err = resource.NewManager(resource.ManagerConfig{
		MaxBytes:     maxBytes,
		MinTileBytes: thumb.Estimate(cfg.Thumbnail.TargetSize),
		HardBatch:    cfg.Memory.HardEvictionBatch,
		Observer:     resource.ObserverFunc(g.evicted),
		Logger:       slogger,
	})
	if err != nil {
		return translateError(err)
	}

	g.cache = cache.New(g.manager, cache.Config{
		NegativeTTL: cfg.Thumbnail.NegativeTTL,
		Logger:      slogger,
	})
	if err := g.manager.Attach(g.cache); err != nil {
		return err
	}

	g.decoder = g.opts.decoder
	if g.decoder == nil {
		g.decoder = thumb.NewImagingDecoder(g.ctrl)
	}
	if cfg.Thumbnail.DiskDir != "" {
		diskBytes, _ := cfg.DiskBytes()
		codec, _ := cache.ParseCodec(cfg.Thumbnail.DiskCodec)
		g.disk, err = cache.NewDiskCache(cache.DiskCacheConfig{
			RootDir:      cfg.Thumbnail.DiskDir,
			MaxSizeBytes: diskBytes,
			Codec:        codec,
			Logger:       slogger,
		})
		if err != nil {
			return fmt.Errorf("open disk tier: %w", err)
		}
		g.decoder = thumb.NewDiskCached(g.decoder, g.disk)
	}

	g.catalog = catalog.New()

	g.pipe, err = pipeline.New(pipeline.Config{
		BatchSize:        cfg.Pipeline.BatchSize,
		Workers:          cfg.Pipeline.Workers,
		FlushThreshold:   cfg.Pipeline.FlushThreshold,
		HighWater:        cfg.Pipeline.HighWater,
		DebounceInterval: cfg.Pipeline.DebounceInterval,
		Resolver:         g.catalog,
		Logger:           slogger,
	})
	if err != nil {
		return translateError(err)
	}

	g.pool = dispatch.NewPool(max(cfg.Decode.Workers, 1), g.ctrl, slogger)
	return nil
}

// StartSession closes the current session, if any, and starts scanning
// pairs. Cancelling ctx stops the scan; the session stays open.
func (g *Gallery) StartSession(ctx context.Context, pairs []model.FilePair) (*Session, error) {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	prev := g.active
	g.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	g.catalog.Reset()

	s, err := newSession(g)
	if err != nil {
		return nil, err
	}

	// The router looks sessions up under mu, so no batch of the new
	// session can be routed before it is registered.
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	h, err := g.pipe.StartSession(ctx, pairs)
	if err != nil {
		g.mu.Unlock()
		return nil, translateError(err)
	}
	s.attach(h)
	g.active = s
	g.mu.Unlock()

	s.start()
	g.logger.LogSessionStart(ctx, h.ID(), len(pairs), h.Batches())
	return s, nil
}

// Session returns the current session or nil.
func (g *Gallery) Session() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// RestoreMetadata seeds metadata loaded by a persistence layer. It may be
// called before the pair is scanned; a record already present is updated
// and its tile republished like UpdateMetadata does.
func (g *Gallery) RestoreMetadata(ctx context.Context, fp model.Fingerprint, md model.Metadata) (uint64, error) {
	g.mu.Lock()
	closed, s := g.closed, g.active
	g.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}
	if s == nil {
		return g.catalog.Restore(fp, md), nil
	}
	return call(ctx, s, func() (uint64, error) {
		v := g.catalog.Restore(fp, md)
		s.metadataChanged(fp)
		return v, nil
	})
}

// Config returns the configuration the Gallery was built with.
func (g *Gallery) Config() Config { return g.cfg }

// Stats returns a snapshot of the shared components.
func (g *Gallery) Stats() Stats {
	st := Stats{
		Memory:   g.manager.Stats(),
		Cache:    g.cache.Stats(),
		Pipeline: g.pipe.Stats(),

		MetadataVersion: g.catalog.Version(),
	}
	if g.disk != nil {
		st.DiskHits, st.DiskMisses = g.disk.Stats()
		st.DiskBytes = g.disk.Size()
	}
	return st
}

// Close ends the current session and stops every worker.
func (g *Gallery) Close() error {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	active := g.active
	g.mu.Unlock()

	if active != nil {
		_ = active.Close()
	}

	var errs []error
	errs = append(errs, g.pipe.Close())
	g.cancel()
	errs = append(errs, g.pool.Close())
	g.wg.Wait()
	if g.disk != nil {
		errs = append(errs, g.disk.Close())
	}
	return errors.Join(errs...)
}

// route forwards pipeline batches to the session they belong to.
func (g *Gallery) route() {
	sub := g.pipe.Subscribe()
	for {
		b, err := sub.Next(g.ctx)
		if err != nil {
			return
		}
		g.mu.Lock()
		s := g.active
		g.mu.Unlock()

		if s == nil || s.ID() != b.Session {
			continue
		}
		s.deliver(b)
	}
}

func (g *Gallery) detach(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == s {
		g.active = nil
		g.manager.SetResidency(nil, nil)
	}
}

// evicted is the resource.Observer of the Manager.
func (g *Gallery) evicted(report resource.EvictionReport) {
	if report.Count() == 0 {
		return
	}
	g.metrics.RecordEviction(report.Level.String(), report.Count(), report.BytesFreed)
	g.logger.LogEviction(context.Background(), report)

	if s := g.Session(); s != nil {
		s.evicted(report.Keys)
	}
}

// buildFunc returns the traced decode of pair at size.
func (g *Gallery) buildFunc(pair model.FilePair, size int) cache.BuildFunc {
	path := pair.SourcePath()
	key := model.CacheKey{Fingerprint: pair.ID, TargetSize: size}

	return func(ctx context.Context) (model.ThumbnailAsset, error) {
		ctx, span := g.tracer.Start(ctx, "tilecache.build",
			trace.WithAttributes(
				attribute.String("tile.fingerprint", pair.ID.String()),
				attribute.String("tile.path", path),
				attribute.Int("tile.target_size", size),
			))
		defer span.End()

		start := time.Now()
		asset, err := g.decoder.Build(ctx, path, size)
		elapsed := time.Since(start)

		g.metrics.RecordBuild(elapsed, err)
		g.logger.LogBuild(ctx, key, elapsed, err)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return model.ThumbnailAsset{}, err
		}
		span.SetAttributes(
			attribute.Int64("tile.bytes", asset.ByteSize),
			attribute.Int("tile.width", asset.Width),
			attribute.Int("tile.height", asset.Height),
		)
		return asset, nil
	}
}
