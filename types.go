package tilecache

import (
	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/internal/lifecycle"
	"github.com/hupe1980/tilecache/internal/pipeline"
	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/internal/thumb"
	"github.com/hupe1980/tilecache/model"
)

// Decoder builds a thumbnail of the image at path fitting size x size pixels.
type Decoder = thumb.Decoder

// DecoderFunc adapts a function to Decoder.
type DecoderFunc = thumb.DecoderFunc

// State is the lifecycle state of a tile.
type State = lifecycle.State

const (
	StateUnrealized    = lifecycle.Unrealized
	StatePending       = lifecycle.Pending
	StateMaterializing = lifecycle.Materializing
	StateReady         = lifecycle.Ready
	StateStale         = lifecycle.Stale
	StateEvicted       = lifecycle.Evicted
	StateDestroyed     = lifecycle.Destroyed
)

// Event is a tile lifecycle transition delivered to UI subscribers.
type Event = lifecycle.Event

// PressureLevel is the memory pressure classification.
type PressureLevel = resource.PressureLevel

// Stats is a point-in-time view of a Gallery.
type Stats struct {
	Memory   resource.Usage
	Cache    cache.Stats
	Pipeline pipeline.Stats
	// MetadataVersion is the latest version stamped by a metadata change.
	MetadataVersion uint64
	// DiskHits and DiskMisses are zero without a disk tier.
	DiskHits   int64
	DiskMisses int64
	DiskBytes  int64
}

// SessionStats is a point-in-time view of a Session.
type SessionStats struct {
	ID      model.SessionID
	Records int
	Tiles   map[State]int
	Window  model.ViewportWindow
	// EventsDropped counts events skipped for slow Events subscribers.
	EventsDropped uint64
}
