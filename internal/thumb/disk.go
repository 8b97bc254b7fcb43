package thumb

import (
	"context"
	"os"

	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/model"
)

// DiskCached consults a DiskCache before decoding and stores fresh
// thumbnails in it. Entries are keyed by path, size and modification time.
type DiskCached struct {
	next Decoder
	disk *cache.DiskCache
}

// NewDiskCached wraps next with disk.
func NewDiskCached(next Decoder, disk *cache.DiskCache) *DiskCached {
	return &DiskCached{next: next, disk: disk}
}

// Build implements Decoder.
func (d *DiskCached) Build(ctx context.Context, path string, size int) (model.ThumbnailAsset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.ThumbnailAsset{}, &DecodeError{Path: path, Err: err}
	}
	key := cache.DiskKeyOf(path, size, info.ModTime())

	if asset, ok := d.disk.Get(ctx, key); ok {
		return asset, nil
	}

	asset, err := d.next.Build(ctx, path, size)
	if err != nil {
		return asset, err
	}
	d.disk.Set(ctx, key, asset)
	return asset, nil
}
