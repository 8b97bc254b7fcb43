package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/model"
)

// ErrDiscarded is returned when a build was skipped because its requester
// is no longer live.
var ErrDiscarded = errors.New("build discarded")

// BuildFunc produces the asset for a key.
type BuildFunc func(ctx context.Context) (model.ThumbnailAsset, error)

// Request describes one get-or-build call.
type Request struct {
	Key model.CacheKey
	// Estimate is the expected decoded size in bytes used for admission.
	Estimate int64
	Build    BuildFunc
	// Live reports whether the requester still wants the result. A nil
	// Live is always live.
	Live func() bool
}

func (r Request) live() bool { return r.Live == nil || r.Live() }

// Result is delivered by GetOrBuildAsync.
type Result struct {
	Key   model.CacheKey
	Asset model.ThumbnailAsset
	Err   error
}

// BuildError is the negative entry recorded for a failed build.
type BuildError struct {
	Key       model.CacheKey
	Err       error
	ExpiresAt time.Time
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Key, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Admitter is the budget side of the cache. *resource.Manager implements it.
type Admitter interface {
	Admit(key model.CacheKey, estimated int64) (resource.Reservation, resource.Decision)
	RecordResident(r resource.Reservation, actual int64, install func() (replaced int64, installed bool))
	Cancel(r resource.Reservation)
	Release(remove func() (freed int64))
}

// Stats are cumulative TileCache counters.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Joins        uint64
	NegativeHits uint64
	Builds       uint64
	BuildErrors  uint64
	Rejections   uint64
	Discarded    uint64
	Evictions    uint64
	Entries      int
	Pinned       int
}
