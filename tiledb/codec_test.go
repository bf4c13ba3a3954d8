package tiledb

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c *Codec, data []byte) {
	t.Helper()
	compressed, err := c.Compress(data)
	require.NoError(t, err)
	out := make([]byte, len(data))
	require.NoError(t, c.Decompress(compressed, out))
	assert.Equal(t, data, out)
}

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestCodecGzipRoundTrip(t *testing.T) {
	for _, level := range []int{0, 1, 5, 9} {
		c, err := NewCodec(CompressionGzip, level, 4)
		require.NoError(t, err)
		roundTrip(t, c, randomBytes(10000, int64(level)))
		roundTrip(t, c, []byte{})
		c.Destroy()
	}
}

func TestCodecZstdRoundTrip(t *testing.T) {
	c, err := NewCodec(CompressionZstd, 0, 8)
	require.NoError(t, err)
	defer c.Destroy()
	roundTrip(t, c, randomBytes(10000, 7))
}

func TestCodecNone(t *testing.T) {
	c, err := NewCodec(CompressionNone, 0, 1)
	require.NoError(t, err)
	data := []byte("hello")
	compressed, err := c.Compress(data)
	require.NoError(t, err)
	assert.Equal(t, data, compressed)

	out := make([]byte, 3)
	assert.ErrorIs(t, c.Decompress(compressed, out), ErrCodec)
}

func TestCodecJPEG2KUnsupported(t *testing.T) {
	_, err := NewCodec(CompressionJPEG2K, 0, 1)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCodecDecompressLengthMismatch(t *testing.T) {
	c, err := NewCodec(CompressionGzip, 0, 1)
	require.NoError(t, err)
	compressed, err := c.Compress([]byte("some longer payload"))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Decompress(compressed, make([]byte, 4)), ErrCodec)
}

func TestCodecDecompressMalformed(t *testing.T) {
	c, err := NewCodec(CompressionGzip, 0, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Decompress([]byte("not a gzip stream"), make([]byte, 8)), ErrCodec)
}

func TestBitShuffleRoundTrip(t *testing.T) {
	for _, elemSize := range []int{1, 2, 4, 8} {
		data := randomBytes(64*elemSize+3, int64(elemSize)) // ragged tail
		shuffled := bitShuffle(data, elemSize)
		assert.Equal(t, data, bitUnshuffle(shuffled, elemSize))
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	values := []int64{100, 110, 125, 125, 4000, -3}
	data := EncodeCoords(values...)
	encoded := deltaEncode(data, 8)
	assert.Equal(t, data, deltaDecode(encoded, 8))
	// The first element is stored verbatim, the rest as differences.
	assert.Equal(t, []int64{100, 10, 15, 0, 3875, -4003}, DecodeCoords[int64](encoded))
}

func TestCodecWithFilters(t *testing.T) {
	c, err := NewCodec(CompressionGzip, 0, 8, FilterDelta)
	require.NoError(t, err)
	roundTrip(t, c, EncodeCoords[int64](0, 1, 2, 3, 1000, 1005, 1010))

	b, err := NewCodec(CompressionGzip, 0, 4, FilterBitShuffle)
	require.NoError(t, err)
	roundTrip(t, b, randomBytes(4096, 42))

	both, err := NewCodec(CompressionZstd, 0, 8, FilterBitShuffle, FilterDelta)
	require.NoError(t, err)
	defer both.Destroy()
	roundTrip(t, both, EncodeCoords[int64](9, 8, 7, 6, 5))
}

func TestDeltaRaggedStream(t *testing.T) {
	c, err := NewCodec(CompressionNone, 0, 8, FilterDelta)
	require.NoError(t, err)
	_, err = c.Compress(make([]byte, 12))
	assert.ErrorIs(t, err, ErrCodec)
}
