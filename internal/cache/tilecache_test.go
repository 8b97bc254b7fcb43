package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/model"
)

func newTestCache(t *testing.T, maxBytes int64, cfg Config) (*TileCache, *resource.Manager) {
	t.Helper()

	m, err := resource.NewManager(resource.ManagerConfig{MaxBytes: maxBytes})
	require.NoError(t, err)

	c := New(m, cfg)
	require.NoError(t, m.Attach(c))
	return c, m
}

func tileKey(i int) model.CacheKey {
	return model.CacheKey{Fingerprint: model.Fingerprint(i + 1), TargetSize: 64}
}

func fixedBuild(size, width int) BuildFunc {
	return func(context.Context) (model.ThumbnailAsset, error) {
		return model.ThumbnailAsset{Bitmap: make([]byte, size), Width: width, Height: width}, nil
	}
}

func request(i, size int) Request {
	return Request{Key: tileKey(i), Estimate: int64(size), Build: fixedBuild(size, 1)}
}

func TestTileCache_HitAfterBuild(t *testing.T) {
	c, m := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	asset, err := c.GetOrBuild(ctx, request(0, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), asset.ByteSize)
	assert.False(t, asset.BuiltAt.IsZero())

	_, err = c.GetOrBuild(ctx, request(0, 10))
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Builds)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(10), m.Stats().Resident)
	assert.Equal(t, int64(0), m.Stats().InFlight)
}

func TestTileCache_ConcurrentCallersShareOneBuild(t *testing.T) {
	c, _ := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	var builds atomic.Int32
	release := make(chan struct{})
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			builds.Add(1)
			<-release
			return model.ThumbnailAsset{Bitmap: make([]byte, 10), Width: 7}, nil
		},
	}

	const callers = 8
	results := make([]model.ThumbnailAsset, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			asset, err := c.GetOrBuild(ctx, req)
			assert.NoError(t, err)
			results[i] = asset
		}(i)
	}

	require.Eventually(t, func() bool { return c.Stats().Misses == callers }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, r := range results {
		assert.Equal(t, 7, r.Width)
	}
	assert.Equal(t, uint64(callers-1), c.Stats().Joins)
}

func TestTileCache_LateCallerReusesInstalledEntry(t *testing.T) {
	c, m := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	var builds atomic.Int32
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			builds.Add(1)
			return model.ThumbnailAsset{Bitmap: make([]byte, 10), Width: 3}, nil
		},
	}

	_, err := c.GetOrBuild(ctx, req)
	require.NoError(t, err)

	// A caller whose lookup missed before the first flight finished.
	asset, err := c.await(ctx, req, true)
	require.NoError(t, err)
	assert.Equal(t, 3, asset.Width)
	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, int64(10), m.Stats().Used)
}

func TestTileCache_LateCallerReusesNegativeEntry(t *testing.T) {
	c, _ := newTestCache(t, 1000, Config{NegativeTTL: time.Minute})
	ctx := context.Background()

	var builds atomic.Int32
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			builds.Add(1)
			return model.ThumbnailAsset{}, errors.New("truncated file")
		},
	}

	_, err := c.GetOrBuild(ctx, req)
	var be *BuildError
	require.ErrorAs(t, err, &be)

	_, err = c.await(ctx, req, true)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, int32(1), builds.Load())
}

func TestTileCache_InstantBuildsAreNotRepeated(t *testing.T) {
	const (
		trials  = 200
		callers = 64
	)

	for trial := 0; trial < trials; trial++ {
		c, m := newTestCache(t, 1<<20, Config{})

		var builds atomic.Int32
		req := Request{
			Key:      tileKey(trial),
			Estimate: 16,
			Build: func(context.Context) (model.ThumbnailAsset, error) {
				builds.Add(1)
				return model.ThumbnailAsset{Bitmap: make([]byte, 16), Width: 2}, nil
			},
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				asset, err := c.GetOrBuild(context.Background(), req)
				assert.NoError(t, err)
				assert.Equal(t, 2, asset.Width)
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), builds.Load(), "trial %d", trial)
		require.Equal(t, int64(16), m.Stats().Used)
	}
}

func TestTileCache_NegativeEntryExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	c, _ := newTestCache(t, 1000, Config{
		NegativeTTL: time.Minute,
		Now:         func() time.Time { return now },
	})
	ctx := context.Background()

	decodeErr := errors.New("corrupt jpeg")
	var builds int
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			builds++
			return model.ThumbnailAsset{}, decodeErr
		},
	}

	_, err := c.GetOrBuild(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, decodeErr)

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, tileKey(0), be.Key)

	_, err = c.GetOrBuild(ctx, req)
	assert.ErrorIs(t, err, decodeErr)
	assert.Equal(t, 1, builds)
	assert.Equal(t, uint64(1), c.Stats().NegativeHits)
	assert.Equal(t, 0, c.Len())

	now = now.Add(2 * time.Minute)
	_, err = c.GetOrBuild(ctx, req)
	assert.ErrorIs(t, err, decodeErr)
	assert.Equal(t, 2, builds)
}

func TestTileCache_CancellationIsNotRemembered(t *testing.T) {
	c, m := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	var builds int
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			builds++
			if builds == 1 {
				return model.ThumbnailAsset{}, context.Canceled
			}
			return model.ThumbnailAsset{Bitmap: make([]byte, 10)}, nil
		},
	}

	_, err := c.GetOrBuild(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), m.Stats().Used)

	_, err = c.GetOrBuild(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestTileCache_RejectedAdmissionYieldsPlaceholder(t *testing.T) {
	c, m := newTestCache(t, 100, Config{})
	ctx := context.Background()

	_, err := c.GetOrBuild(ctx, request(0, 40))
	require.NoError(t, err)
	_, err = c.GetOrBuild(ctx, request(1, 40))
	require.NoError(t, err)
	c.Pin(tileKey(0))
	c.Pin(tileKey(1))

	asset, err := c.GetOrBuild(ctx, request(2, 40))
	require.NoError(t, err)
	assert.True(t, asset.Placeholder)
	assert.Equal(t, 64, asset.Width)

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Contains(tileKey(2)))
	assert.Equal(t, uint64(1), c.Stats().Rejections)
	assert.Equal(t, int64(80), m.Stats().Used)
}

func TestTileCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, m := newTestCache(t, 100, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.GetOrBuild(ctx, request(i, 40))
		require.NoError(t, err)
	}
	// Touch key 0 so key 1 becomes the LRU entry.
	_, err := c.GetOrBuild(ctx, request(0, 40))
	require.NoError(t, err)

	_, err = c.GetOrBuild(ctx, request(2, 40))
	require.NoError(t, err)

	assert.True(t, c.Contains(tileKey(0)))
	assert.False(t, c.Contains(tileKey(1)))
	assert.True(t, c.Contains(tileKey(2)))
	assert.Equal(t, int64(80), m.Stats().Used)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestTileCache_CandidatesOrderAndPins(t *testing.T) {
	c, _ := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetOrBuild(ctx, request(i, 10))
		require.NoError(t, err)
	}
	_, err := c.GetOrBuild(ctx, request(0, 10))
	require.NoError(t, err)
	c.Pin(tileKey(1))

	cands := c.Candidates()
	require.Len(t, cands, 2)
	assert.Equal(t, tileKey(2), cands[0].Key)
	assert.Equal(t, tileKey(0), cands[1].Key)

	_, ok := c.Evict(tileKey(1))
	assert.False(t, ok)

	c.Unpin(tileKey(1))
	freed, ok := c.Evict(tileKey(1))
	assert.True(t, ok)
	assert.Equal(t, int64(10), freed)
}

func TestTileCache_NotLiveResultIsDiscarded(t *testing.T) {
	c, m := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	var live atomic.Bool
	live.Store(true)
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Live:     live.Load,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			live.Store(false)
			return model.ThumbnailAsset{Bitmap: make([]byte, 10)}, nil
		},
	}

	_, err := c.GetOrBuild(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), m.Stats().Used)
	assert.Equal(t, uint64(1), c.Stats().Discarded)

	_, err = c.GetOrBuild(ctx, req)
	assert.ErrorIs(t, err, ErrDiscarded)
}

func TestTileCache_InvalidateDuringBuild(t *testing.T) {
	c, m := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			close(started)
			<-release
			return model.ThumbnailAsset{Bitmap: make([]byte, 10)}, nil
		},
	}

	done := c.GetOrBuildAsync(ctx, req)
	<-started
	assert.False(t, c.Invalidate(tileKey(0)))
	close(release)

	r := <-done
	require.NoError(t, r.Err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), m.Stats().Used)
}

func TestTileCache_RefreshKeepsPreviousAsset(t *testing.T) {
	c, m := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	_, err := c.GetOrBuild(ctx, Request{Key: tileKey(0), Estimate: 10, Build: fixedBuild(10, 1)})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	refreshed := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, Request{
			Key:      tileKey(0),
			Estimate: 20,
			Build: func(context.Context) (model.ThumbnailAsset, error) {
				close(started)
				<-release
				return model.ThumbnailAsset{Bitmap: make([]byte, 20), Width: 2}, nil
			},
		})
		refreshed <- err
	}()

	<-started
	old, ok := c.Peek(tileKey(0))
	require.True(t, ok)
	assert.Equal(t, 1, old.Width)

	close(release)
	require.NoError(t, <-refreshed)

	fresh, ok := c.Peek(tileKey(0))
	require.True(t, ok)
	assert.Equal(t, 2, fresh.Width)
	assert.Equal(t, int64(20), m.Stats().Used)
	assert.Equal(t, 1, c.Len())
}

func TestTileCache_InvalidateFingerprint(t *testing.T) {
	c, m := newTestCache(t, 1000, Config{})
	ctx := context.Background()

	fp := model.Fingerprint(42)
	for _, size := range []int{64, 128} {
		_, err := c.GetOrBuild(ctx, Request{
			Key:      model.CacheKey{Fingerprint: fp, TargetSize: size},
			Estimate: 10,
			Build:    fixedBuild(10, 1),
		})
		require.NoError(t, err)
	}
	_, err := c.GetOrBuild(ctx, request(0, 10))
	require.NoError(t, err)

	assert.Equal(t, 2, c.InvalidateFingerprint(fp))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(10), m.Stats().Used)

	assert.Equal(t, 1, c.InvalidateIf(func(model.CacheKey) bool { return true }))
	assert.Equal(t, int64(0), m.Stats().Used)
}

func TestTileCache_WaiterCancellation(t *testing.T) {
	c, _ := newTestCache(t, 1000, Config{})

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	req := Request{
		Key:      tileKey(0),
		Estimate: 10,
		Build: func(context.Context) (model.ThumbnailAsset, error) {
			<-release
			return model.ThumbnailAsset{Bitmap: make([]byte, 10)}, nil
		},
	}

	done := c.GetOrBuildAsync(ctx, req)
	cancel()

	select {
	case r := <-done:
		assert.ErrorIs(t, r.Err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by cancellation")
	}
}
