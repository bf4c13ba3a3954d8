package tiledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressionKind identifies a tile codec. The JPEG2K kinds are recognized
// for schema compatibility but handled by an external image codec layer.
type CompressionKind int

const (
	CompressionNone CompressionKind = iota
	CompressionGzip
	CompressionZstd
	CompressionJPEG2K
	CompressionJPEG2KRGB
)

func (k CompressionKind) String() string {
	switch k {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionJPEG2K, CompressionJPEG2KRGB:
		return "jpeg2k"
	default:
		return "unknown"
	}
}

// Filter is a reversible pre-compression transform. Bit-shuffle regroups
// bit planes across cells so entropy coding sees long runs; delta stores
// consecutive differences and suits monotone coordinate/offset streams.
type Filter int

const (
	FilterBitShuffle Filter = iota + 1
	FilterDelta
)

// Codec compresses and decompresses tiles of fixed-size elements.
// The zero Codec is not usable; construct with NewCodec.
type Codec struct {
	kind     CompressionKind
	level    int
	elemSize int
	filters  []Filter

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCodec builds a codec handle. level applies to gzip (1-9, 0 selects the
// default); elemSize is the byte width of one element, used by the filters.
func NewCodec(kind CompressionKind, level, elemSize int, filters ...Filter) (*Codec, error) {
	switch kind {
	case CompressionNone, CompressionGzip, CompressionZstd:
	case CompressionJPEG2K, CompressionJPEG2KRGB:
		return nil, fmt.Errorf("jpeg2k codecs are provided by the image codec layer: %w", ErrUnsupported)
	default:
		return nil, fmt.Errorf("unknown compression kind %d: %w", kind, ErrCodec)
	}
	if elemSize <= 0 {
		elemSize = 1
	}
	for _, f := range filters {
		if f != FilterBitShuffle && f != FilterDelta {
			return nil, fmt.Errorf("unknown filter %d: %w", f, ErrCodec)
		}
	}
	return &Codec{kind: kind, level: level, elemSize: elemSize, filters: filters}, nil
}

// Compress applies the filters in order, then the entropy stage.
func (c *Codec) Compress(src []byte) ([]byte, error) {
	data := src
	for _, f := range c.filters {
		var err error
		if data, err = applyFilter(f, data, c.elemSize, true); err != nil {
			return nil, err
		}
	}
	switch c.kind {
	case CompressionNone:
		if len(c.filters) == 0 {
			return src, nil
		}
		return data, nil
	case CompressionGzip:
		var b bytes.Buffer
		level := c.level
		if level <= 0 || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		w, err := gzip.NewWriterLevel(&b, level)
		if err != nil {
			return nil, fmt.Errorf("gzip init: %v: %w", err, ErrCodec)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %v: %w", err, ErrCodec)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %v: %w", err, ErrCodec)
		}
		return b.Bytes(), nil
	case CompressionZstd:
		if c.zenc == nil {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return nil, fmt.Errorf("zstd init: %v: %w", err, ErrCodec)
			}
			c.zenc = enc
		}
		return c.zenc.EncodeAll(data, nil), nil
	}
	return nil, ErrCodec
}

// Decompress inflates src into dst, whose length is the expected
// decompressed size; a length mismatch is an error.
func (c *Codec) Decompress(src, dst []byte) error {
	var data []byte
	switch c.kind {
	case CompressionNone:
		if len(src) != len(dst) {
			return fmt.Errorf("stored tile is %d bytes, expected %d: %w", len(src), len(dst), ErrCodec)
		}
		data = src
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return fmt.Errorf("gzip open: %v: %w", err, ErrCodec)
		}
		data = make([]byte, len(dst))
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("gzip inflate: %v: %w", err, ErrCodec)
		}
		if n, _ := r.Read(make([]byte, 1)); n != 0 {
			return fmt.Errorf("gzip stream longer than expected %d bytes: %w", len(dst), ErrCodec)
		}
		r.Close()
	case CompressionZstd:
		if c.zdec == nil {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return fmt.Errorf("zstd init: %v: %w", err, ErrCodec)
			}
			c.zdec = dec
		}
		out, err := c.zdec.DecodeAll(src, make([]byte, 0, len(dst)))
		if err != nil {
			return fmt.Errorf("zstd inflate: %v: %w", err, ErrCodec)
		}
		if len(out) != len(dst) {
			return fmt.Errorf("zstd tile is %d bytes, expected %d: %w", len(out), len(dst), ErrCodec)
		}
		data = out
	default:
		return ErrCodec
	}
	for i := len(c.filters) - 1; i >= 0; i-- {
		var err error
		if data, err = applyFilter(c.filters[i], data, c.elemSize, false); err != nil {
			return err
		}
	}
	if len(data) != len(dst) {
		return fmt.Errorf("decompressed tile is %d bytes, expected %d: %w", len(data), len(dst), ErrCodec)
	}
	copy(dst, data)
	return nil
}

// Destroy releases codec resources. The handle is unusable afterwards.
func (c *Codec) Destroy() {
	if c.zenc != nil {
		c.zenc.Close()
		c.zenc = nil
	}
	if c.zdec != nil {
		c.zdec.Close()
		c.zdec = nil
	}
}

func applyFilter(f Filter, data []byte, elemSize int, forward bool) ([]byte, error) {
	switch f {
	case FilterBitShuffle:
		if forward {
			return bitShuffle(data, elemSize), nil
		}
		return bitUnshuffle(data, elemSize), nil
	case FilterDelta:
		if len(data)%elemSize != 0 {
			return nil, fmt.Errorf("delta filter over ragged stream of %d bytes: %w", len(data), ErrCodec)
		}
		if forward {
			return deltaEncode(data, elemSize), nil
		}
		return deltaDecode(data, elemSize), nil
	}
	return nil, ErrCodec
}

// bitShuffle transposes the bit matrix of n elements of elemSize bytes:
// output bit position (b*n + e) holds bit b of element e. The ragged tail
// that does not fill a whole element is copied through untouched.
func bitShuffle(data []byte, elemSize int) []byte {
	n := len(data) / elemSize
	bits := elemSize * 8
	out := make([]byte, len(data))
	body := n * elemSize
	for e := 0; e < n; e++ {
		for b := 0; b < bits; b++ {
			if data[e*elemSize+b/8]&(1<<uint(b%8)) != 0 {
				pos := b*n + e
				out[pos/8] |= 1 << uint(pos%8)
			}
		}
	}
	copy(out[body:], data[body:])
	return out
}

func bitUnshuffle(data []byte, elemSize int) []byte {
	n := len(data) / elemSize
	bits := elemSize * 8
	out := make([]byte, len(data))
	body := n * elemSize
	for e := 0; e < n; e++ {
		for b := 0; b < bits; b++ {
			pos := b*n + e
			if data[pos/8]&(1<<uint(pos%8)) != 0 {
				out[e*elemSize+b/8] |= 1 << uint(b%8)
			}
		}
	}
	copy(out[body:], data[body:])
	return out
}

// deltaEncode stores the first element verbatim and every subsequent one as
// the wrapping difference from its predecessor, little-endian.
func deltaEncode(data []byte, elemSize int) []byte {
	out := make([]byte, len(data))
	var prev uint64
	for i := 0; i < len(data); i += elemSize {
		cur := leUint(data[i:i+elemSize], elemSize)
		putLEUint(out[i:i+elemSize], cur-prev, elemSize)
		prev = cur
	}
	return out
}

func deltaDecode(data []byte, elemSize int) []byte {
	out := make([]byte, len(data))
	var prev uint64
	for i := 0; i < len(data); i += elemSize {
		cur := prev + leUint(data[i:i+elemSize], elemSize)
		putLEUint(out[i:i+elemSize], cur, elemSize)
		prev = cur
	}
	return out
}

func leUint(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func putLEUint(b []byte, v uint64, size int) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}
