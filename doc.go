// Package tilecache keeps the thumbnails of a large gallery of paired
// files (an archive and its preview) inside a fixed memory budget while the
// user scrolls.
//
// # Quick Start
//
//	cfg := tilecache.DefaultConfig()
//	cfg.Memory.MaxBytes = "512MiB"
//
//	g, _ := tilecache.New(cfg, tilecache.WithLogger(tilecache.NewTextLogger(slog.LevelInfo)))
//	defer g.Close()
//
//	s, _ := g.StartSession(ctx, pairs)
//	s.Resize(1280, 800)
//
//	for b := range s.Batches() {
//	    render(b.Records)
//	}
//
// # Architecture
//
//	FilePairs ──► pipeline ──► Batch ──► Session coordinator
//	                                        │  catalog append, viewport resolve
//	                                        ▼
//	                 dispatch workers ◄── materialize (visible first)
//	                        │
//	                        ▼
//	          TileCache.GetOrBuild ──► Manager admission ──► Decoder
//	                        │
//	                        ▼
//	                lifecycle events ──► UI
//
// A Gallery is process scoped: it owns the memory budget, the thumbnail
// cache, the optional disk tier, the decode workers and the batch
// pipeline. A Session is folder scoped. Starting a new session closes the
// previous one, which drops its batches, destroys its tiles and removes
// its thumbnails from the cache.
//
// # Memory Budget
//
// Every build is admitted against the budget before decoding starts and
// reconciled with the real size afterwards. Under pressure the Manager
// evicts least recently used thumbnails outside the buffer range (Soft,
// Hard) and, in an Emergency, inside it. Visible thumbnails are never
// evicted. When nothing can be evicted the tile shows a placeholder.
//
// # Configuration
//
// LoadConfig reads defaults, an optional YAML file and TILECACHE_*
// environment variables:
//
//	memory:
//	  max_bytes: auto        # or "512MiB"
//	thumbnail:
//	  target_size: 256
//	  disk_dir: ~/.cache/gallery
//	pipeline:
//	  batch_size: 200
//	viewport:
//	  tile_width: 200
//	  tile_height: 200
//	  gutter: 10
//
// # Observability
//
// Implement MetricsCollector or use PrometheusCollector. Decodes are traced
// with OpenTelemetry spans named "tilecache.build".
package tilecache
