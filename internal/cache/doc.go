// Package cache holds decoded thumbnails.
//
// # Tile Cache (RAM)
//
// TileCache maps (fingerprint, target size) to a ThumbnailAsset and
// deduplicates concurrent builds of the same key. Memory accounting and
// eviction decisions are delegated to a resource.Manager; the cache only
// reports LRU candidates and removes entries when asked.
//
//	GetOrBuild ──► hit? ──► asset
//	     │
//	     └──► singleflight ──► Admit ──► Build ──► RecordResident(install)
//
// Failed builds are remembered as negative entries for a short TTL so a
// corrupt file is not decoded on every scroll.
//
// # Disk Cache (L2)
//
// DiskCache persists built thumbnails across runs:
//   - Async writes bounded by a semaphore
//   - LRU eviction with configurable size limits
//   - lz4 or zstd framed payloads
//   - Rebuilds index from disk on startup
package cache
