package thumb

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/model"
)

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(dir, "preview.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestImagingDecoder_Fit(t *testing.T) {
	path := writePNG(t, t.TempDir(), 64, 32)
	d := NewImagingDecoder(resource.NewController(resource.ControllerConfig{IOLimitBytesPerSec: 1 << 30}))

	asset, err := d.Build(context.Background(), path, 16)
	require.NoError(t, err)
	assert.Equal(t, 16, asset.Width)
	assert.Equal(t, 8, asset.Height)
	assert.Len(t, asset.Bitmap, 16*8*4)
	assert.Equal(t, int64(16*8*4), asset.ByteSize)
	assert.LessOrEqual(t, asset.ByteSize, Estimate(16))
	assert.False(t, asset.Placeholder)
}

func TestImagingDecoder_Errors(t *testing.T) {
	d := NewImagingDecoder(nil)
	dir := t.TempDir()

	_, err := d.Build(context.Background(), filepath.Join(dir, "missing.jpg"), 16)
	require.ErrorIs(t, err, ErrDecode)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Path, "missing.jpg")

	corrupt := filepath.Join(dir, "corrupt.jpg")
	require.NoError(t, os.WriteFile(corrupt, []byte("not an image"), 0o600))
	_, err = d.Build(context.Background(), corrupt, 16)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = d.Build(context.Background(), corrupt, 0)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestApplyOrientation(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))

	for _, o := range []int{5, 6, 7, 8} {
		b := applyOrientation(img, o).Bounds()
		assert.Equal(t, 2, b.Dx(), "orientation %d", o)
		assert.Equal(t, 4, b.Dy(), "orientation %d", o)
	}
	for _, o := range []int{1, 2, 3, 4} {
		b := applyOrientation(img, o).Bounds()
		assert.Equal(t, 4, b.Dx(), "orientation %d", o)
	}
	assert.Equal(t, 1, readOrientation(bytes.NewReader([]byte("no exif"))))
}

func TestDiskCached(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, 32, 32)

	disk, err := cache.NewDiskCache(cache.DiskCacheConfig{
		RootDir:      filepath.Join(dir, "cache"),
		MaxSizeBytes: 1 << 20,
		Codec:        cache.CodecLZ4,
	})
	require.NoError(t, err)

	var calls atomic.Int32
	inner := NewImagingDecoder(nil)
	d := NewDiskCached(DecoderFunc(func(ctx context.Context, p string, size int) (model.ThumbnailAsset, error) {
		calls.Add(1)
		return inner.Build(ctx, p, size)
	}), disk)

	first, err := d.Build(context.Background(), path, 8)
	require.NoError(t, err)
	require.NoError(t, disk.Close())

	second, err := d.Build(context.Background(), path, 8)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.Bitmap, second.Bitmap)
	assert.Equal(t, first.Width, second.Width)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	_, err = d.Build(context.Background(), path, 8)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = d.Build(context.Background(), filepath.Join(dir, "gone.png"), 8)
	assert.ErrorIs(t, err, ErrDecode)
}
