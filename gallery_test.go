package tilecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/model"
)

type fakeDecoder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	gate  chan struct{}
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		calls: make(map[string]int),
		fail:  make(map[string]bool),
	}
}

func (f *fakeDecoder) Build(_ context.Context, path string, size int) (model.ThumbnailAsset, error) {
	f.mu.Lock()
	f.calls[path]++
	n := f.calls[path]
	fail := f.fail[path]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return model.ThumbnailAsset{}, &DecodeError{Path: path, Err: errors.New("corrupt preview")}
	}
	bm := make([]byte, size*size*4)
	bm[0] = byte(n)
	return model.ThumbnailAsset{Bitmap: bm, Width: size, Height: size, ByteSize: int64(len(bm))}, nil
}

func (f *fakeDecoder) setFail(path string, fail bool) {
	f.mu.Lock()
	f.fail[path] = fail
	f.mu.Unlock()
}

func (f *fakeDecoder) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeDecoder) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeDecoder) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Memory.MaxBytes = "64MiB"
	cfg.Memory.PressureInterval = 0
	cfg.Thumbnail.TargetSize = 16
	cfg.Pipeline.BatchSize = 10
	cfg.Pipeline.DebounceInterval = time.Millisecond
	cfg.Viewport = ViewportConfig{TileWidth: 10, TileHeight: 10, Gutter: 0, BufferTiles: 4}
	cfg.Decode.Workers = 2
	return cfg
}

func newTestGallery(t *testing.T, cfg Config, opts ...Option) *Gallery {
	t.Helper()
	opts = append([]Option{WithLogger(NoopLogger())}, opts...)
	g, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func makePairs(n int) []model.FilePair {
	pairs := make([]model.FilePair, n)
	for i := range pairs {
		pairs[i] = model.NewFilePair(
			fmt.Sprintf("/photos/IMG_%05d.CR3", i),
			fmt.Sprintf("/photos/IMG_%05d.JPG", i),
			int64(1000+i),
			time.Unix(int64(i), 0),
		)
	}
	return pairs
}

// startLoaded starts a session, drains its batches and waits until every
// record reached the catalog.
func startLoaded(t *testing.T, g *Gallery, pairs []model.FilePair) *Session {
	t.Helper()
	s, err := g.StartSession(context.Background(), pairs)
	require.NoError(t, err)

	go func() {
		for range s.Batches() {
		}
	}()
	require.Eventually(t, func() bool { return s.Len() == len(pairs) }, 5*time.Second, time.Millisecond)
	return s
}

func settle(t *testing.T, g *Gallery) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.pool.Drain(ctx))
}

func TestGallery_BatchesInOrder(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))

	s, err := g.StartSession(context.Background(), makePairs(95))
	require.NoError(t, err)

	var seqs []uint64
	for b := range s.Batches() {
		assert.Equal(t, s.ID(), b.Session)
		seqs = append(seqs, b.Seq)
		if len(seqs) == 10 {
			break
		}
	}
	for i, seq := range seqs {
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, 95, s.Len())

	rec, ok := s.Record(94)
	require.True(t, ok)
	assert.Equal(t, "/photos/IMG_00094.CR3", rec.Pair.ArchivePath)
}

func TestGallery_ResolveMaterializesBuffer(t *testing.T) {
	dec := newFakeDecoder()
	g := newTestGallery(t, testConfig(), WithDecoder(dec))
	pairs := makePairs(100)
	s := startLoaded(t, g, pairs)

	s.Resize(100, 50)
	w, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, w.Columns)
	assert.Equal(t, model.Range{Lo: 0, Hi: 50}, w.Visible)
	assert.Equal(t, model.Range{Lo: 0, Hi: 54}, w.Buffer)

	settle(t, g)

	for i := 0; i < 54; i++ {
		st, ok := s.State(pairs[i].ID)
		require.True(t, ok)
		assert.Equal(t, StateReady, st, "tile %d", i)
		_, ok = s.Asset(pairs[i].ID)
		assert.True(t, ok)
	}
	st, _ := s.State(pairs[60].ID)
	assert.Equal(t, StateUnrealized, st)
	assert.Equal(t, 54, dec.total())
	assert.Equal(t, 54, g.cache.Len())
}

func TestGallery_ResizesCoalesce(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))
	s := startLoaded(t, g, makePairs(100))

	s.Resize(100, 50)
	s.Resize(60, 50)
	w, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, w.Columns)
	assert.Equal(t, 6, s.Window().Columns)
}

func TestGallery_ScrollReleasesWithoutDestroying(t *testing.T) {
	dec := newFakeDecoder()
	g := newTestGallery(t, testConfig(), WithDecoder(dec))
	pairs := makePairs(1000)
	s := startLoaded(t, g, pairs)

	s.Resize(100, 50)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	s.Scroll(500)
	w, err := s.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Range{Lo: 500, Hi: 550}, w.Visible)
	settle(t, g)

	st, _ := s.State(pairs[0].ID)
	assert.Equal(t, StateReady, st)
	st, _ = s.State(pairs[520].ID)
	assert.Equal(t, StateReady, st)
	assert.Equal(t, 54+58, dec.total())
}

func TestGallery_RejectedAdmissionDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.MaxBytes = "2KiB"
	cfg.Viewport.BufferTiles = 0
	metrics := &BasicMetricsCollector{}
	g := newTestGallery(t, cfg, WithDecoder(newFakeDecoder()), WithMetricsCollector(metrics))
	pairs := makePairs(20)
	s := startLoaded(t, g, pairs)

	s.Resize(40, 10)
	w, err := s.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Range{Lo: 0, Hi: 4}, w.Visible)
	settle(t, g)

	var real, degraded int
	for i := 0; i < 4; i++ {
		st, _ := s.State(pairs[i].ID)
		require.Equal(t, StateReady, st)
		if s.Degraded(pairs[i].ID) {
			degraded++
		} else {
			real++
		}
	}
	assert.Equal(t, 2, real)
	assert.Equal(t, 2, degraded)

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.Admitted)
	assert.Equal(t, int64(2), stats.Rejected)
	assert.LessOrEqual(t, g.Stats().Memory.Used, int64(2048))
}

func TestGallery_DecodeFailureAndRetry(t *testing.T) {
	dec := newFakeDecoder()
	g := newTestGallery(t, testConfig(), WithDecoder(dec))
	pairs := makePairs(10)
	bad := pairs[3]
	dec.setFail(bad.PreviewPath, true)

	s := startLoaded(t, g, pairs)
	s.Resize(100, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	st, _ := s.State(bad.ID)
	assert.Equal(t, StateReady, st)
	assert.True(t, s.Degraded(bad.ID))
	assert.Equal(t, uint64(1), g.Stats().Cache.BuildErrors)

	dec.setFail(bad.PreviewPath, false)
	require.NoError(t, s.Retry(context.Background(), bad.ID))
	settle(t, g)

	st, _ = s.State(bad.ID)
	assert.Equal(t, StateReady, st)
	assert.False(t, s.Degraded(bad.ID))
	assert.Equal(t, 2, dec.count(bad.PreviewPath))

	require.ErrorIs(t, s.Retry(context.Background(), model.Fingerprint(42)), ErrUnknownTile)
}

func TestGallery_FailedTileRebuiltAfterScrollBack(t *testing.T) {
	cfg := testConfig()
	cfg.Thumbnail.NegativeTTL = time.Millisecond
	dec := newFakeDecoder()
	g := newTestGallery(t, cfg, WithDecoder(dec))
	pairs := makePairs(1000)
	bad := pairs[3]
	dec.setFail(bad.PreviewPath, true)

	s := startLoaded(t, g, pairs)
	s.Resize(100, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)
	require.True(t, s.Degraded(bad.ID))

	time.Sleep(10 * time.Millisecond)
	dec.setFail(bad.PreviewPath, false)

	s.Scroll(5000)
	_, err = s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	st, _ := s.State(bad.ID)
	assert.Equal(t, StateEvicted, st)
	_, ok := s.Asset(bad.ID)
	assert.False(t, ok)

	s.Scroll(0)
	_, err = s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	st, _ = s.State(bad.ID)
	assert.Equal(t, StateReady, st)
	assert.False(t, s.Degraded(bad.ID))
	assert.Equal(t, 2, dec.count(bad.PreviewPath))
}

func TestGallery_FailedTileInViewRebuiltAfterTTL(t *testing.T) {
	cfg := testConfig()
	cfg.Thumbnail.NegativeTTL = time.Millisecond
	dec := newFakeDecoder()
	g := newTestGallery(t, cfg, WithDecoder(dec))
	pairs := makePairs(10)
	bad := pairs[3]
	dec.setFail(bad.PreviewPath, true)

	s := startLoaded(t, g, pairs)
	s.Resize(100, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)
	require.True(t, s.Degraded(bad.ID))

	time.Sleep(10 * time.Millisecond)
	dec.setFail(bad.PreviewPath, false)

	_, err = s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	st, _ := s.State(bad.ID)
	assert.Equal(t, StateReady, st)
	assert.False(t, s.Degraded(bad.ID))
	assert.Equal(t, 2, dec.count(bad.PreviewPath))
}

func TestGallery_FailedTileKeptWithinTTL(t *testing.T) {
	dec := newFakeDecoder()
	g := newTestGallery(t, testConfig(), WithDecoder(dec))
	pairs := makePairs(10)
	bad := pairs[3]
	dec.setFail(bad.PreviewPath, true)

	s := startLoaded(t, g, pairs)
	s.Resize(100, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	_, err = s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	assert.True(t, s.Degraded(bad.ID))
	assert.Equal(t, 1, dec.count(bad.PreviewPath))
}

func TestGallery_RejectedTileRebuiltAfterScrollBack(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.MaxBytes = "2KiB"
	cfg.Viewport.BufferTiles = 0
	g := newTestGallery(t, cfg, WithDecoder(newFakeDecoder()))
	pairs := makePairs(20)
	s := startLoaded(t, g, pairs)

	s.Resize(40, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	var degraded []int
	for i := 0; i < 4; i++ {
		if s.Degraded(pairs[i].ID) {
			degraded = append(degraded, i)
		}
	}
	require.Len(t, degraded, 2)

	// One column, scrolled to the last tile.
	s.Resize(10, 10)
	s.Scroll(190)
	w, err := s.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Range{Lo: 19, Hi: 20}, w.Visible)
	settle(t, g)

	for _, i := range degraded {
		st, _ := s.State(pairs[i].ID)
		assert.Equal(t, StateEvicted, st, "tile %d", i)
	}

	for _, i := range degraded {
		s.Scroll(i * 10)
		w, err := s.Resolve(context.Background())
		require.NoError(t, err)
		require.Equal(t, model.Range{Lo: i, Hi: i + 1}, w.Visible)
		settle(t, g)

		st, _ := s.State(pairs[i].ID)
		assert.Equal(t, StateReady, st, "tile %d", i)
		assert.False(t, s.Degraded(pairs[i].ID), "tile %d", i)
	}
	assert.LessOrEqual(t, g.Stats().Memory.Used, int64(2048))
}

func TestGallery_NotifyChangedInvalidatesArchiveOnlyDiskEntry(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "IMG_0001.CR3")
	require.NoError(t, os.WriteFile(archive, []byte("raw"), 0o644))
	info, err := os.Stat(archive)
	require.NoError(t, err)
	pair := model.NewFilePair(archive, "", 3, info.ModTime())

	cfg := testConfig()
	cfg.Thumbnail.DiskDir = filepath.Join(dir, "cache")
	g := newTestGallery(t, cfg, WithDecoder(newFakeDecoder()))

	s := startLoaded(t, g, []model.FilePair{pair})
	s.Resize(10, 10)
	_, err = s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)
	require.NoError(t, g.disk.Close())

	key := cache.DiskKeyOf(archive, cfg.Thumbnail.TargetSize, info.ModTime())
	_, ok := g.disk.Get(context.Background(), key)
	require.True(t, ok)

	touched := info.ModTime().Add(time.Hour)
	require.NoError(t, os.Chtimes(archive, touched, touched))
	changed := pair
	changed.ModTime = touched
	require.NoError(t, s.NotifyChanged(context.Background(), changed))
	settle(t, g)
	require.NoError(t, g.disk.Close())

	_, ok = g.disk.Get(context.Background(), key)
	assert.False(t, ok)
	_, ok = g.disk.Get(context.Background(), cache.DiskKeyOf(archive, cfg.Thumbnail.TargetSize, touched))
	assert.True(t, ok)
}

func TestGallery_NotifyChangedKeepsOldAsset(t *testing.T) {
	dec := newFakeDecoder()
	g := newTestGallery(t, testConfig(), WithDecoder(dec))
	pairs := makePairs(10)
	s := startLoaded(t, g, pairs)

	s.Resize(100, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	target := pairs[2]
	before, ok := s.Asset(target.ID)
	require.True(t, ok)
	assert.Equal(t, byte(1), before.Bitmap[0])

	unchanged := target
	require.NoError(t, s.NotifyChanged(context.Background(), unchanged))
	st, _ := s.State(target.ID)
	assert.Equal(t, StateReady, st)

	gate := make(chan struct{})
	dec.setGate(gate)
	changed := target
	changed.ModTime = target.ModTime.Add(time.Hour)
	require.NoError(t, s.NotifyChanged(context.Background(), changed))

	st, _ = s.State(target.ID)
	assert.Equal(t, StateStale, st)
	during, ok := s.Asset(target.ID)
	require.True(t, ok)
	assert.Equal(t, byte(1), during.Bitmap[0])

	close(gate)
	settle(t, g)

	st, _ = s.State(target.ID)
	assert.Equal(t, StateReady, st)
	after, ok := s.Asset(target.ID)
	require.True(t, ok)
	assert.Equal(t, byte(2), after.Bitmap[0])

	rec, _, ok := s.Lookup(target.ID)
	require.True(t, ok)
	assert.True(t, rec.Pair.ModTime.Equal(changed.ModTime))
}

func TestGallery_UpdateMetadata(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))
	pairs := makePairs(10)
	s := startLoaded(t, g, pairs)

	rec, err := s.UpdateMetadata(context.Background(), pairs[1].ID, model.SetStars(4))
	require.NoError(t, err)
	assert.Equal(t, uint8(4), rec.Metadata.Stars)
	first := rec.Version

	rec, err = s.UpdateMetadata(context.Background(), pairs[1].ID, model.SetColor(model.ColorBlue))
	require.NoError(t, err)
	assert.Greater(t, rec.Version, first)
	assert.Equal(t, uint8(4), rec.Metadata.Stars)

	_, err = s.UpdateMetadata(context.Background(), pairs[1].ID, model.SetStars(9))
	require.ErrorIs(t, err, model.ErrInvalidStars)
}

func TestGallery_MetadataChangeRepublishesReadyTile(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))
	pairs := makePairs(10)
	s := startLoaded(t, g, pairs)

	s.Resize(100, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	target := pairs[1]
	before, ok := s.Asset(target.ID)
	require.True(t, ok)

	events := s.Events()
	rec, err := s.UpdateMetadata(context.Background(), target.ID, model.SetNote("cover"))
	require.NoError(t, err)
	assert.Equal(t, "cover", rec.Metadata.Note)

	var seen []State
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-events:
			if e.Fingerprint == target.ID {
				seen = append(seen, e.To)
			}
		case <-timeout:
			t.Fatalf("missing events, got %v", seen)
		}
	}
	assert.Equal(t, []State{StateStale, StateReady}, seen)

	st, _ := s.State(target.ID)
	assert.Equal(t, StateReady, st)
	after, ok := s.Asset(target.ID)
	require.True(t, ok)
	assert.Equal(t, before.Bitmap, after.Bitmap)
}

func TestGallery_RestoreMetadata(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))
	pairs := makePairs(10)

	v, err := g.RestoreMetadata(context.Background(), pairs[4].ID, model.Metadata{Stars: 5})
	require.NoError(t, err)
	assert.Equal(t, v, g.Stats().MetadataVersion)

	s := startLoaded(t, g, pairs)
	rec, _, ok := s.Lookup(pairs[4].ID)
	require.True(t, ok)
	assert.Equal(t, uint8(5), rec.Metadata.Stars)

	s.Resize(100, 10)
	_, err = s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	events := s.Events()
	v2, err := g.RestoreMetadata(context.Background(), pairs[4].ID, model.Metadata{Stars: 2, Note: "restored"})
	require.NoError(t, err)
	assert.Greater(t, v2, v)

	rec, _, _ = s.Lookup(pairs[4].ID)
	assert.Equal(t, "restored", rec.Metadata.Note)
	assert.Equal(t, v2, rec.Version)

	select {
	case e := <-events:
		assert.Equal(t, pairs[4].ID, e.Fingerprint)
		assert.Equal(t, StateStale, e.To)
	case <-time.After(2 * time.Second):
		t.Fatal("no event for restored tile")
	}

	require.NoError(t, g.Close())
	_, err = g.RestoreMetadata(context.Background(), pairs[4].ID, model.Metadata{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestGallery_EventsReportTransitions(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))
	pairs := makePairs(10)
	s := startLoaded(t, g, pairs)
	events := s.Events()

	s.Resize(10, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	var seen []State
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case e := <-events:
			if e.Fingerprint == pairs[0].ID {
				seen = append(seen, e.To)
			}
		case <-timeout:
			t.Fatalf("missing events, got %v", seen)
		}
	}
	assert.Equal(t, []State{StatePending, StateMaterializing, StateReady}, seen)
}

func TestGallery_CloseSession(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))
	pairs := makePairs(30)
	s := startLoaded(t, g, pairs)

	s.Resize(100, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)
	require.Positive(t, g.cache.Len())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Nil(t, g.Session())
	assert.Equal(t, 0, g.cache.Len())
	assert.Equal(t, 0, s.tracker.Len())
	_, ok := s.State(pairs[0].ID)
	assert.False(t, ok)

	_, err = s.Resolve(context.Background())
	require.ErrorIs(t, err, ErrSessionCancelled)
	_, err = s.UpdateMetadata(context.Background(), pairs[0].ID, model.SetStars(1))
	require.ErrorIs(t, err, ErrSessionCancelled)

	_, open := <-s.Batches()
	assert.False(t, open)
}

func TestGallery_NewSessionReplacesPrevious(t *testing.T) {
	g := newTestGallery(t, testConfig(), WithDecoder(newFakeDecoder()))

	old, err := g.StartSession(context.Background(), makePairs(500))
	require.NoError(t, err)
	<-old.Batches()

	fresh := startLoaded(t, g, makePairs(25))
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Same(t, fresh, g.Session())
	assert.Equal(t, 25, fresh.Len())

	_, err = old.Resolve(context.Background())
	require.ErrorIs(t, err, ErrSessionCancelled)
	assert.GreaterOrEqual(t, g.Stats().Pipeline.Cancelled, uint64(1))
}

func TestGallery_DiskTierServesNextSession(t *testing.T) {
	dir := t.TempDir()
	previews := filepath.Join(dir, "previews")
	require.NoError(t, os.MkdirAll(previews, 0o755))

	pairs := make([]model.FilePair, 4)
	for i := range pairs {
		p := filepath.Join(previews, fmt.Sprintf("IMG_%d.JPG", i))
		require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0o644))
		pairs[i] = model.NewFilePair(p+".CR3", p, 4, time.Unix(int64(i), 0))
	}

	cfg := testConfig()
	cfg.Thumbnail.DiskDir = filepath.Join(dir, "cache")
	cfg.Thumbnail.DiskCodec = "zstd"
	dec := newFakeDecoder()
	g := newTestGallery(t, cfg, WithDecoder(dec))

	s := startLoaded(t, g, pairs)
	s.Resize(40, 10)
	_, err := s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)
	require.Equal(t, 4, dec.total())
	require.NoError(t, g.disk.Close())

	s = startLoaded(t, g, pairs)
	s.Resize(40, 10)
	_, err = s.Resolve(context.Background())
	require.NoError(t, err)
	settle(t, g)

	assert.Equal(t, 4, dec.total())
	assert.Equal(t, int64(4), g.Stats().DiskHits)
	for _, p := range pairs {
		st, _ := s.State(p.ID)
		assert.Equal(t, StateReady, st)
	}
}

func TestGallery_BudgetTooSmall(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.MaxBytes = "512B"
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrBudgetTooSmall)
}

func TestGallery_Closed(t *testing.T) {
	g, err := New(testConfig(), WithLogger(nil), WithDecoder(newFakeDecoder()))
	require.NoError(t, err)

	s := startLoaded(t, g, makePairs(5))
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	_, err = s.Resolve(context.Background())
	require.ErrorIs(t, err, ErrSessionCancelled)
	_, err = g.StartSession(context.Background(), makePairs(1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestPriority(t *testing.T) {
	visible := model.Range{Lo: 10, Hi: 20}
	assert.Equal(t, int64(0), priority(10, visible))
	assert.Equal(t, int64(0), priority(19, visible))
	assert.Equal(t, int64(1), priority(9, visible))
	assert.Equal(t, int64(1), priority(20, visible))
	assert.Equal(t, int64(5), priority(24, visible))
}
