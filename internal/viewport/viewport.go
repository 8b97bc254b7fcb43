// Package viewport computes which tiles of a virtualized grid are visible
// and which are pre-materialized around them.
//
// The column count depends only on the available width:
//
//	columns = max(1, floor(width / (tile_width + gutter)))
//
// Rows are tile_height + gutter pixels tall. The visible range covers every
// row intersecting [offset, offset+height); the buffer range extends it by
// BufferTiles indices on both sides.
package viewport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/tilecache/model"
)

// ErrInvalidGeometry is returned for non-positive tile dimensions or
// negative gutter and buffer sizes.
var ErrInvalidGeometry = errors.New("invalid viewport geometry")

// Config is the fixed tile geometry.
type Config struct {
	TileWidth   int
	TileHeight  int
	Gutter      int
	BufferTiles int
}

// Validate checks the geometry.
func (c Config) Validate() error {
	if c.TileWidth <= 0 || c.TileHeight <= 0 {
		return fmt.Errorf("%w: tile %dx%d", ErrInvalidGeometry, c.TileWidth, c.TileHeight)
	}
	if c.Gutter < 0 || c.BufferTiles < 0 {
		return fmt.Errorf("%w: gutter %d, buffer %d", ErrInvalidGeometry, c.Gutter, c.BufferTiles)
	}
	return nil
}

// Columns returns the column count for the given width.
func Columns(width, tileWidth, gutter int) int {
	pitch := tileWidth + gutter
	if pitch <= 0 || width <= 0 {
		return 1
	}
	return max(1, width/pitch)
}

// Diff is the change between two consecutive resolves.
type Diff struct {
	// Materialize lists indices that entered the buffer range, visible
	// indices first, then by distance from the visible range.
	Materialize []int
	// Release lists indices that left the buffer range.
	Release []int
}

// Empty reports whether the diff carries no change.
func (d Diff) Empty() bool { return len(d.Materialize) == 0 && len(d.Release) == 0 }

// Controller tracks viewport geometry. Resize and scroll events only
// record the latest values; Resolve applies them. Resolves are serialized.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	width  int
	height int
	offset int
	total  int

	resident *roaring.Bitmap
	last     model.ViewportWindow
	resolves uint64
}

// New returns a Controller with an empty window.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg, resident: roaring.New()}, nil
}

// OnResize records the viewport size.
func (c *Controller) OnResize(width, height int) {
	c.mu.Lock()
	c.width, c.height = max(0, width), max(0, height)
	c.mu.Unlock()
}

// OnScroll records the scroll offset in pixels.
func (c *Controller) OnScroll(offset int) {
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}

// SetTotal records the number of tiles in the grid.
func (c *Controller) SetTotal(n int) {
	c.mu.Lock()
	c.total = max(0, n)
	c.mu.Unlock()
}

// Total returns the recorded tile count.
func (c *Controller) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Window returns the result of the last Resolve.
func (c *Controller) Window() model.ViewportWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Resolves returns the number of completed resolves.
func (c *Controller) Resolves() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolves
}

// Reset forgets the resident set so the next Resolve materializes the
// whole buffer range again.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.resident.Clear()
	c.last = model.ViewportWindow{}
	c.mu.Unlock()
}

// Resolve computes the window from the latest geometry and the diff
// against the previous window. The clamped offset is stored back.
func (c *Controller) Resolve() (model.ViewportWindow, Diff) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.computeLocked()
	c.offset = w.Offset

	next := roaring.New()
	if !w.Buffer.Empty() {
		next.AddRange(uint64(w.Buffer.Lo), uint64(w.Buffer.Hi))
	}

	entering := roaring.AndNot(next, c.resident)
	leaving := roaring.AndNot(c.resident, next)

	diff := Diff{
		Materialize: toInts(entering),
		Release:     toInts(leaving),
	}
	sortByDistance(diff.Materialize, w.Visible)

	c.resident = next
	c.last = w
	c.resolves++
	return w, diff
}

func (c *Controller) computeLocked() model.ViewportWindow {
	cols := Columns(c.width, c.cfg.TileWidth, c.cfg.Gutter)
	rowHeight := c.cfg.TileHeight + c.cfg.Gutter
	rows := (c.total + cols - 1) / cols
	content := rows * rowHeight

	offset := min(max(c.offset, 0), max(0, content-c.height))

	w := model.ViewportWindow{
		Columns:       cols,
		TileWidth:     c.cfg.TileWidth,
		TileHeight:    c.cfg.TileHeight,
		ContentHeight: content,
		Offset:        offset,
	}
	if c.total == 0 || c.height == 0 {
		return w
	}

	firstRow := offset / rowHeight
	lastRow := (offset + c.height + rowHeight - 1) / rowHeight
	w.Visible = model.Range{
		Lo: min(firstRow*cols, c.total),
		Hi: min(lastRow*cols, c.total),
	}
	w.Buffer = model.Range{
		Lo: max(0, w.Visible.Lo-c.cfg.BufferTiles),
		Hi: min(c.total, w.Visible.Hi+c.cfg.BufferTiles),
	}
	return w
}

// IndexAt maps a point in viewport coordinates to a tile index. Points in
// the gutter or past the last tile report false.
func (c *Controller) IndexAt(x, y int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if x < 0 || y < 0 {
		return 0, false
	}
	pitch := c.cfg.TileWidth + c.cfg.Gutter
	rowHeight := c.cfg.TileHeight + c.cfg.Gutter
	cols := Columns(c.width, c.cfg.TileWidth, c.cfg.Gutter)

	col := x / pitch
	if col >= cols || x%pitch >= c.cfg.TileWidth {
		return 0, false
	}
	cy := y + c.last.Offset
	if cy%rowHeight >= c.cfg.TileHeight {
		return 0, false
	}
	idx := (cy/rowHeight)*cols + col
	if idx >= c.total {
		return 0, false
	}
	return idx, true
}

func toInts(b *roaring.Bitmap) []int {
	if b.IsEmpty() {
		return nil
	}
	out := make([]int, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// distance is zero inside the visible range and grows with the index gap
// outside it.
func distance(i int, visible model.Range) int {
	switch {
	case visible.Empty():
		return i
	case i < visible.Lo:
		return visible.Lo - i
	case i >= visible.Hi:
		return i - visible.Hi + 1
	default:
		return 0
	}
}

func sortByDistance(idx []int, visible model.Range) {
	sort.SliceStable(idx, func(a, b int) bool {
		da, db := distance(idx[a], visible), distance(idx[b], visible)
		if da != db {
			return da < db
		}
		return idx[a] < idx[b]
	})
}
