// Package thumb builds thumbnail bitmaps from preview images.
package thumb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/model"
)

// ErrDecode marks a preview that is missing or cannot be decoded.
var ErrDecode = errors.New("thumbnail decode failed")

// DecodeError carries the path of a failed decode.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Decoder builds the thumbnail of the image at path, fitted into a
// size×size box.
type Decoder interface {
	Build(ctx context.Context, path string, size int) (model.ThumbnailAsset, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, path string, size int) (model.ThumbnailAsset, error)

// Build implements Decoder.
func (f DecoderFunc) Build(ctx context.Context, path string, size int) (model.ThumbnailAsset, error) {
	return f(ctx, path, size)
}

// Estimate returns the admission estimate for a thumbnail of the given size.
func Estimate(size int) int64 { return resource.EstimateBytes(size) }

// ImagingDecoder decodes JPEG, PNG and GIF previews, corrects the EXIF
// orientation and resamples with Lanczos. The bitmap is NRGBA.
type ImagingDecoder struct {
	ctrl *resource.Controller
}

// NewImagingDecoder returns a decoder whose reads are throttled by ctrl.
// ctrl may be nil.
func NewImagingDecoder(ctrl *resource.Controller) *ImagingDecoder {
	return &ImagingDecoder{ctrl: ctrl}
}

// Build implements Decoder.
func (d *ImagingDecoder) Build(ctx context.Context, path string, size int) (model.ThumbnailAsset, error) {
	if size <= 0 {
		return model.ThumbnailAsset{}, &DecodeError{Path: path, Err: fmt.Errorf("invalid target size %d", size)}
	}

	f, err := os.Open(path)
	if err != nil {
		return model.ThumbnailAsset{}, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(resource.NewRateLimitedReader(ctx, f, d.ctrl))
	if err != nil {
		if ctx.Err() != nil {
			return model.ThumbnailAsset{}, ctx.Err()
		}
		return model.ThumbnailAsset{}, &DecodeError{Path: path, Err: err}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return model.ThumbnailAsset{}, &DecodeError{Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return model.ThumbnailAsset{}, err
	}

	img = applyOrientation(img, readOrientation(bytes.NewReader(data)))
	fit := imaging.Fit(img, size, size, imaging.Lanczos)

	b := fit.Bounds()
	return model.ThumbnailAsset{
		Bitmap:   fit.Pix,
		Width:    b.Dx(),
		Height:   b.Dy(),
		ByteSize: int64(len(fit.Pix)),
		BuiltAt:  time.Now(),
	}, nil
}

// readOrientation returns the EXIF orientation, or 1 when absent.
func readOrientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
