package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/tilecache/model"
)

// Codec is the compression used for on-disk thumbnails.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

// ParseCodec parses "none", "lz4" or "zstd".
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	case "none":
		return CodecNone, nil
	default:
		return CodecNone, fmt.Errorf("unknown codec %q", s)
	}
}

// ErrCorruptFrame is returned when a stored thumbnail cannot be decoded.
var ErrCorruptFrame = errors.New("corrupt thumbnail frame")

// Frame layout, little endian:
//
//	[magic 4][codec 1][pad 3][width 4][height 4][raw 4][stored 4][crc 4][data...]
//
// stored == 0 means the data is kept uncompressed. crc is the CRC32-C of
// the raw bitmap.
const (
	frameMagic      = "TCT2"
	frameHeaderSize = 28
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func encodeFrame(codec Codec, asset model.ThumbnailAsset) ([]byte, error) {
	raw := asset.Bitmap

	var packed []byte
	switch codec {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CodecZstd:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	}

	// Incompressible payloads are stored as is.
	if len(packed) == 0 || len(packed) >= len(raw) {
		packed = nil
	}

	body := raw
	if packed != nil {
		body = packed
	}

	out := make([]byte, frameHeaderSize+len(body))
	copy(out, frameMagic)
	out[4] = byte(codec)
	binary.LittleEndian.PutUint32(out[8:], uint32(asset.Width))
	binary.LittleEndian.PutUint32(out[12:], uint32(asset.Height))
	binary.LittleEndian.PutUint32(out[16:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[20:], uint32(len(packed)))
	binary.LittleEndian.PutUint32(out[24:], crc32.Checksum(raw, crc32cTable))
	copy(out[frameHeaderSize:], body)
	return out, nil
}

func decodeFrame(data []byte) (model.ThumbnailAsset, error) {
	if len(data) < frameHeaderSize || string(data[:4]) != frameMagic {
		return model.ThumbnailAsset{}, ErrCorruptFrame
	}

	codec := Codec(data[4])
	width := int(binary.LittleEndian.Uint32(data[8:]))
	height := int(binary.LittleEndian.Uint32(data[12:]))
	rawSize := binary.LittleEndian.Uint32(data[16:])
	storedSize := binary.LittleEndian.Uint32(data[20:])
	sum := binary.LittleEndian.Uint32(data[24:])
	body := data[frameHeaderSize:]

	var raw []byte
	switch {
	case storedSize == 0:
		if uint32(len(body)) != rawSize {
			return model.ThumbnailAsset{}, ErrCorruptFrame
		}
		raw = body
	case uint32(len(body)) != storedSize:
		return model.ThumbnailAsset{}, ErrCorruptFrame
	case codec == CodecLZ4:
		raw = make([]byte, rawSize)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil || uint32(n) != rawSize {
			return model.ThumbnailAsset{}, fmt.Errorf("%w: lz4: %v", ErrCorruptFrame, err)
		}
	case codec == CodecZstd:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(body, make([]byte, 0, rawSize))
		zstdDecoderPool.Put(dec)
		if err != nil || uint32(len(decoded)) != rawSize {
			return model.ThumbnailAsset{}, fmt.Errorf("%w: zstd: %v", ErrCorruptFrame, err)
		}
		raw = decoded
	default:
		return model.ThumbnailAsset{}, fmt.Errorf("%w: codec %d", ErrCorruptFrame, codec)
	}

	if crc32.Checksum(raw, crc32cTable) != sum {
		return model.ThumbnailAsset{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptFrame)
	}

	return model.ThumbnailAsset{
		Bitmap:   raw,
		Width:    width,
		Height:   height,
		ByteSize: int64(len(raw)),
	}, nil
}
