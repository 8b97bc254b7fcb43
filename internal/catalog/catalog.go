// Package catalog stores the tile records of a session in display order and
// owns the single versioned entry point for metadata changes.
package catalog

import (
	"fmt"
	"sync"

	"github.com/hupe1980/tilecache/model"
)

type stamped struct {
	md      model.Metadata
	version uint64
}

// Catalog is safe for concurrent use. Records are reset per session;
// metadata survives Reset so a rescan keeps ratings and tags.
type Catalog struct {
	mu      sync.RWMutex
	records []model.TileRecord
	index   map[model.Fingerprint]int

	meta    map[model.Fingerprint]stamped
	version uint64
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		index: make(map[model.Fingerprint]int),
		meta:  make(map[model.Fingerprint]stamped),
	}
}

// Append adds the records of b in order and returns the index of the first
// added record and how many were added. Fingerprints already present are
// skipped. A record whose metadata version is older than the stored one
// takes the stored metadata.
func (c *Catalog) Append(b model.Batch) (first, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first = len(c.records)
	for _, r := range b.Records {
		fp := r.Pair.ID
		if _, ok := c.index[fp]; ok {
			continue
		}

		if cur, ok := c.meta[fp]; ok && cur.version > r.Version {
			r.Metadata, r.Version = cur.md, cur.version
		} else if r.Version > 0 {
			c.meta[fp] = stamped{md: r.Metadata, version: r.Version}
		}

		c.index[fp] = len(c.records)
		c.records = append(c.records, r)
		n++
	}
	return first, n
}

// Resolve returns the stored metadata and version of pair.
func (c *Catalog) Resolve(pair model.FilePair) (model.Metadata, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cur := c.meta[pair.ID]
	return cur.md, cur.version
}

// At returns the record at display index i.
func (c *Catalog) At(i int) (model.TileRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if i < 0 || i >= len(c.records) {
		return model.TileRecord{}, false
	}
	return c.records[i], true
}

// Lookup returns the record of fp and its display index.
func (c *Catalog) Lookup(fp model.Fingerprint) (model.TileRecord, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[fp]
	if !ok {
		return model.TileRecord{}, 0, false
	}
	return c.records[i], i, true
}

// Slice returns the records in r, clamped to the catalog.
func (c *Catalog) Slice(r model.Range) []model.TileRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lo, hi := max(r.Lo, 0), min(r.Hi, len(c.records))
	if lo >= hi {
		return nil
	}
	out := make([]model.TileRecord, hi-lo)
	copy(out, c.records[lo:hi])
	return out
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// UpdateMetadata applies u to the record of fp and stamps a new version.
func (c *Catalog) UpdateMetadata(fp model.Fingerprint, u model.MetadataUpdate) (model.TileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[fp]
	if !ok {
		return model.TileRecord{}, fmt.Errorf("%w: %s", model.ErrUnknownTile, fp)
	}

	r := c.records[i]
	md, err := u.Apply(r.Metadata)
	if err != nil {
		return r, err
	}

	c.version++
	r.Metadata, r.Version = md, c.version
	c.records[i] = r
	c.meta[fp] = stamped{md: md, version: c.version}
	return r, nil
}

// Restore seeds metadata loaded by a persistence layer. It is stamped like
// an update and applies to a present record as well.
func (c *Catalog) Restore(fp model.Fingerprint, md model.Metadata) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	c.meta[fp] = stamped{md: md, version: c.version}
	if i, ok := c.index[fp]; ok {
		c.records[i].Metadata = md
		c.records[i].Version = c.version
	}
	return c.version
}

// ReplacePair records a new observation of a pair already in the catalog
// and reports whether its content changed.
func (c *Catalog) ReplacePair(pair model.FilePair) (model.TileRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[pair.ID]
	if !ok {
		return model.TileRecord{}, false, fmt.Errorf("%w: %s", model.ErrUnknownTile, pair.ID)
	}
	r := c.records[i]
	if r.Pair.SameContent(pair) {
		return r, false, nil
	}
	r.Pair = pair
	c.records[i] = r
	return r, true, nil
}

// Version returns the latest metadata version.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Reset drops all records. Metadata is kept.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = nil
	clear(c.index)
}
