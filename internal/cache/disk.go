package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/tilecache/model"
)

// DiskKey identifies a persisted thumbnail. ModTime ties the entry to the
// state of the preview file it was built from.
type DiskKey struct {
	Fingerprint model.Fingerprint
	TargetSize  int
	ModTime     int64
}

// DiskFingerprint is the fingerprint thumbnails decoded from path are
// stored under.
func DiskFingerprint(path string) model.Fingerprint {
	return model.FingerprintOf(path, "")
}

// DiskKeyOf derives the disk key of the file at path.
func DiskKeyOf(path string, size int, modTime time.Time) DiskKey {
	return DiskKey{Fingerprint: DiskFingerprint(path), TargetSize: size, ModTime: modTime.UnixNano()}
}

// DiskCacheConfig holds configuration for the disk cache.
type DiskCacheConfig struct {
	// RootDir is the directory where cache files are stored.
	RootDir string
	// MaxSizeBytes is the maximum size of the cache in bytes.
	MaxSizeBytes int64
	// MaxConcurrentWrites limits background disk writes.
	// Defaults to 16 if <= 0.
	MaxConcurrentWrites int64
	// Codec compresses stored bitmaps.
	Codec  Codec
	Logger *slog.Logger
}

// DiskCache persists built thumbnails on the local filesystem.
// It maintains an in-memory LRU index of the files on disk.
type DiskCache struct {
	mu          sync.Mutex
	rootDir     string
	maxSize     int64
	currentSize int64
	codec       Codec

	writeSem *semaphore.Weighted

	items   map[DiskKey]*lruEntry
	lruHead *lruEntry
	lruTail *lruEntry
	wg      sync.WaitGroup

	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

type lruEntry struct {
	key        DiskKey
	size       int64
	filePath   string
	next, prev *lruEntry
}

// NewDiskCache creates the root directory and rebuilds the index from the
// files already present.
func NewDiskCache(config DiskCacheConfig) (*DiskCache, error) {
	if config.RootDir == "" {
		return nil, fmt.Errorf("disk cache: empty root dir")
	}
	if err := os.MkdirAll(config.RootDir, 0o755); err != nil {
		return nil, err
	}

	maxWrites := config.MaxConcurrentWrites
	if maxWrites <= 0 {
		maxWrites = 16
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &DiskCache{
		rootDir:  config.RootDir,
		maxSize:  config.MaxSizeBytes,
		codec:    config.Codec,
		items:    make(map[DiskKey]*lruEntry),
		writeSem: semaphore.NewWeighted(maxWrites),
		logger:   logger,
	}
	c.scanExistingFiles()

	return c, nil
}

func (c *DiskCache) scanExistingFiles() {
	_ = filepath.Walk(c.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // keep scanning past unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		key, ok := parseFileName(info.Name())
		if !ok {
			return nil
		}
		c.addToLRU(key, path, info.Size())
		return nil
	})

	// Files scanned in arbitrary order may already exceed the limit.
	for c.maxSize > 0 && c.currentSize > c.maxSize && c.lruTail != nil {
		c.evictOne()
	}
}

// relPath shards files by the first fingerprint byte.
// Format: <xx>/<fingerprint>-<size>-<mtime>.thumb
func (c *DiskCache) relPath(key DiskKey) string {
	fp := key.Fingerprint.String()
	return filepath.Join(fp[:2], fmt.Sprintf("%s-%d-%d.thumb", fp, key.TargetSize, key.ModTime))
}

func parseFileName(name string) (DiskKey, bool) {
	var (
		fp    uint64
		size  int
		mtime int64
	)
	n, err := fmt.Sscanf(name, "%x-%d-%d.thumb", &fp, &size, &mtime)
	if err != nil || n != 3 {
		return DiskKey{}, false
	}
	return DiskKey{Fingerprint: model.Fingerprint(fp), TargetSize: size, ModTime: mtime}, true
}

// Get loads a stored thumbnail. Unreadable or corrupt files are dropped.
func (c *DiskCache) Get(ctx context.Context, key DiskKey) (model.ThumbnailAsset, bool) {
	if ctx.Err() != nil {
		return model.ThumbnailAsset{}, false
	}

	c.mu.Lock()
	ent, ok := c.items[key]
	if ok {
		c.moveToFront(ent)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return model.ThumbnailAsset{}, false
	}

	data, err := os.ReadFile(ent.filePath)
	if err == nil {
		var asset model.ThumbnailAsset
		asset, err = decodeFrame(data)
		if err == nil {
			c.hits.Add(1)
			asset.BuiltAt = time.Now()
			return asset, true
		}
	}

	c.logger.Debug("dropping unreadable disk thumbnail", "path", ent.filePath, "error", err)
	c.mu.Lock()
	if cur, ok := c.items[key]; ok && cur == ent {
		_ = os.Remove(ent.filePath)
		c.removeEntry(ent)
	}
	c.mu.Unlock()
	c.misses.Add(1)
	return model.ThumbnailAsset{}, false
}

// Set stores the asset in the background. Placeholders are never stored.
// When all write slots are busy the asset is skipped.
func (c *DiskCache) Set(_ context.Context, key DiskKey, asset model.ThumbnailAsset) {
	if asset.Placeholder || len(asset.Bitmap) == 0 {
		return
	}

	c.mu.Lock()
	if ent, ok := c.items[key]; ok {
		c.moveToFront(ent)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !c.writeSem.TryAcquire(1) {
		return
	}

	absPath := filepath.Join(c.rootDir, c.relPath(key))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.writeSem.Release(1)

		frame, err := encodeFrame(c.codec, asset)
		if err != nil {
			c.logger.Debug("encode disk thumbnail", "error", err)
			return
		}
		size := int64(len(frame))
		if c.maxSize > 0 && size > c.maxSize {
			return
		}

		if err := writeFileAtomic(absPath, frame); err != nil {
			c.logger.Debug("write disk thumbnail", "path", absPath, "error", err)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if ent, ok := c.items[key]; ok {
			c.removeEntry(ent)
		}
		for c.maxSize > 0 && c.currentSize+size > c.maxSize && c.lruTail != nil {
			c.evictOne()
		}
		c.addToLRU(key, absPath, size)
	}()
}

func writeFileAtomic(absPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(absPath), "tmp-thumb-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Invalidate removes entries matching the predicate.
func (c *DiskCache) Invalidate(predicate func(key DiskKey) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*lruEntry
	for k, ent := range c.items {
		if predicate(k) {
			toRemove = append(toRemove, ent)
		}
	}
	for _, ent := range toRemove {
		_ = os.Remove(ent.filePath)
		c.removeEntry(ent)
	}
	return len(toRemove)
}

// Close waits for all background writes to complete.
func (c *DiskCache) Close() error {
	c.wg.Wait()
	return nil
}

// Stats returns hit and miss counts.
func (c *DiskCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the bytes currently indexed.
func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Internal LRU helpers (must hold lock)

func (c *DiskCache) addToLRU(key DiskKey, path string, size int64) {
	ent := &lruEntry{
		key:      key,
		filePath: path,
		size:     size,
	}
	c.items[key] = ent
	c.currentSize += size

	if c.lruHead == nil {
		c.lruHead = ent
		c.lruTail = ent
	} else {
		ent.next = c.lruHead
		c.lruHead.prev = ent
		c.lruHead = ent
	}
}

func (c *DiskCache) moveToFront(ent *lruEntry) {
	if c.lruHead == ent {
		return
	}

	if ent.prev != nil {
		ent.prev.next = ent.next
	}
	if ent.next != nil {
		ent.next.prev = ent.prev
	}
	if c.lruTail == ent {
		c.lruTail = ent.prev
	}

	ent.next = c.lruHead
	ent.prev = nil
	if c.lruHead != nil {
		c.lruHead.prev = ent
	}
	c.lruHead = ent
	if c.lruTail == nil {
		c.lruTail = ent
	}
}

func (c *DiskCache) removeEntry(ent *lruEntry) {
	if ent.prev != nil {
		ent.prev.next = ent.next
	} else {
		c.lruHead = ent.next
	}

	if ent.next != nil {
		ent.next.prev = ent.prev
	} else {
		c.lruTail = ent.prev
	}

	ent.next, ent.prev = nil, nil
	delete(c.items, ent.key)
	c.currentSize -= ent.size
}

func (c *DiskCache) evictOne() {
	if c.lruTail == nil {
		return
	}
	_ = os.Remove(c.lruTail.filePath)
	c.removeEntry(c.lruTail)
}
