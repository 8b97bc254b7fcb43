package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrUnknownTile is returned for a fingerprint or index that is not part of
// the current session.
var ErrUnknownTile = errors.New("unknown tile")

// Fingerprint is the stable identifier of a FilePair.
type Fingerprint uint64

// String returns the fingerprint as fixed-width hex.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// FingerprintOf derives a fingerprint from the pair's paths.
// The result is stable across processes.
func FingerprintOf(archivePath, previewPath string) Fingerprint {
	d := xxhash.New()
	_, _ = d.WriteString(archivePath)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(previewPath)
	return Fingerprint(d.Sum64())
}

// FilePair is an archive file paired with its preview image.
// It is owned by the scanning collaborator and never mutated by the core.
type FilePair struct {
	ID          Fingerprint
	ArchivePath string
	PreviewPath string
	SizeBytes   int64
	ModTime     time.Time
}

// NewFilePair builds a FilePair and derives its fingerprint.
func NewFilePair(archivePath, previewPath string, size int64, mtime time.Time) FilePair {
	return FilePair{
		ID:          FingerprintOf(archivePath, previewPath),
		ArchivePath: archivePath,
		PreviewPath: previewPath,
		SizeBytes:   size,
		ModTime:     mtime,
	}
}

// SameContent reports whether two observations of a pair describe the same file state.
func (p FilePair) SameContent(other FilePair) bool {
	return p.ID == other.ID && p.SizeBytes == other.SizeBytes && p.ModTime.Equal(other.ModTime)
}

// SourcePath is the file thumbnails are decoded from: the preview, or the
// archive when the pair has no preview.
func (p FilePair) SourcePath() string {
	if p.PreviewPath != "" {
		return p.PreviewPath
	}
	return p.ArchivePath
}

// CacheKey identifies one cached thumbnail.
type CacheKey struct {
	Fingerprint Fingerprint
	TargetSize  int
}

// String returns a compact representation used for in-flight deduplication.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s@%d", k.Fingerprint, k.TargetSize)
}

// TileRecord is the descriptor of one tile as delivered in a Batch.
type TileRecord struct {
	Pair     FilePair
	Metadata Metadata
	// Version is the metadata version stamped by the catalog. Zero means
	// the metadata has never been updated.
	Version  uint64
	BatchSeq uint64
}

// SessionID identifies a scanning session.
type SessionID uint64

// Batch is a sequence-numbered group of records from one session.
type Batch struct {
	Session SessionID
	Seq     uint64
	Records []TileRecord
}

// ThumbnailAsset is an immutable decoded thumbnail.
type ThumbnailAsset struct {
	Bitmap   []byte
	Width    int
	Height   int
	ByteSize int64
	BuiltAt  time.Time
	// Placeholder marks a degraded asset substituted when a real thumbnail
	// could not be admitted or built.
	Placeholder bool
}

// NewPlaceholder returns the placeholder asset for the given target size.
// It carries no bitmap and costs nothing against the memory budget.
func NewPlaceholder(size int) ThumbnailAsset {
	return ThumbnailAsset{
		Width:       size,
		Height:      size,
		BuiltAt:     time.Now(),
		Placeholder: true,
	}
}

// Range is a half-open index interval [Lo, Hi).
type Range struct {
	Lo int
	Hi int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	if r.Hi <= r.Lo {
		return 0
	}
	return r.Hi - r.Lo
}

// Empty reports whether the range contains no index.
func (r Range) Empty() bool { return r.Len() == 0 }

// Contains reports whether i lies within the range.
func (r Range) Contains(i int) bool { return i >= r.Lo && i < r.Hi }

// String returns the interval notation.
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi)
}

// ViewportWindow is the result of resolving the viewport.
type ViewportWindow struct {
	Visible       Range
	Buffer        Range
	Columns       int
	TileWidth     int
	TileHeight    int
	ContentHeight int
	Offset        int
}
