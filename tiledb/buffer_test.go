package tiledb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageBufferAppendConcatenation(t *testing.T) {
	fs := newMemFS()
	buf, err := NewStorageBuffer(fs, "file", 16, false)
	require.NoError(t, err)

	chunks := [][]byte{
		[]byte("aaaaaaaaaa"),
		[]byte("bb"),
		[]byte("cccccccccccccccccccccccc"),
		[]byte("d"),
	}
	var want []byte
	for _, c := range chunks {
		require.NoError(t, buf.AppendBuffer(c))
		want = append(want, c...)
	}
	require.NoError(t, buf.Finalize())
	require.NoError(t, fs.CloseFile("file"))

	size, err := fs.FileSize("file")
	require.NoError(t, err)
	require.Equal(t, int64(len(want)), size)
	got := make([]byte, size)
	require.NoError(t, fs.ReadFromFile("file", 0, got))
	assert.Equal(t, want, got)

	// After Finalize, further I/O is an error.
	assert.Error(t, buf.AppendBuffer([]byte("x")))
}

func TestStorageBufferReadWindow(t *testing.T) {
	fs := newMemFS()
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	fs.objects["file"] = data

	buf, err := NewStorageBuffer(fs, "file", 10, true)
	require.NoError(t, err)

	p := make([]byte, 3)
	require.NoError(t, buf.ReadBufferAt(5, p))
	assert.Equal(t, data[5:8], p)

	// Within the cached window.
	require.NoError(t, buf.ReadBufferAt(7, p))
	assert.Equal(t, data[7:10], p)

	// Outside the window forces a refill.
	require.NoError(t, buf.ReadBufferAt(60, p))
	assert.Equal(t, data[60:63], p)

	// Oversized requests bypass the cache.
	big := make([]byte, 50)
	require.NoError(t, buf.ReadBufferAt(25, big))
	assert.Equal(t, data[25:75], big)

	// Beyond file size.
	assert.ErrorIs(t, buf.ReadBufferAt(98, p), ErrShortRead)

	// Sequential reads advance the implicit cursor.
	q := make([]byte, 4)
	require.NoError(t, buf.ReadBuffer(q))
	assert.Equal(t, data[:4], q)
	require.NoError(t, buf.ReadBuffer(q))
	assert.Equal(t, data[4:8], q)

	// Write to a read-only buffer is an error.
	assert.Error(t, buf.AppendBuffer([]byte("x")))
}

func TestCompressedStorageBufferRoundTrip(t *testing.T) {
	fs := newMemFS()
	w, err := NewCompressedStorageBuffer(fs, "file.gz", 32, false, CompressionGzip, 0)
	require.NoError(t, err)

	var want []byte
	for i := 0; i < 20; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, 17)
		require.NoError(t, w.AppendBuffer(chunk))
		want = append(want, chunk...)
	}
	require.NoError(t, w.Finalize())
	require.NoError(t, fs.CloseFile("file.gz"))

	r, err := NewCompressedStorageBuffer(fs, "file.gz", 32, true, CompressionGzip, 0)
	require.NoError(t, err)
	got := make([]byte, len(want))
	// Read in uneven pieces to exercise the streaming inflate.
	for off := 0; off < len(got); {
		n := 13
		if off+n > len(got) {
			n = len(got) - off
		}
		require.NoError(t, r.ReadBuffer(got[off:off+n]))
		off += n
	}
	assert.Equal(t, want, got)

	// The stream is exhausted.
	assert.ErrorIs(t, r.ReadBuffer(make([]byte, 1)), ErrShortRead)
}

func TestCompressedStorageBufferNoCompression(t *testing.T) {
	fs := newMemFS()
	w, err := NewCompressedStorageBuffer(fs, "plain", 8, false, CompressionNone, 0)
	require.NoError(t, err)
	require.NoError(t, w.AppendBuffer([]byte("hello world")))
	require.NoError(t, w.Finalize())
	require.NoError(t, fs.CloseFile("plain"))

	assert.Equal(t, []byte("hello world"), fs.objects["plain"])
}

func TestCompressedStorageBufferRejectsZstd(t *testing.T) {
	fs := newMemFS()
	_, err := NewCompressedStorageBuffer(fs, "x", 8, false, CompressionZstd, 0)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestStorageBufferPosix(t *testing.T) {
	fs := NewPosixFS(nil)
	dir := t.TempDir()
	path := dir + "/buf.bin"

	w, err := NewStorageBuffer(fs, path, 8, false)
	require.NoError(t, err)
	require.NoError(t, w.AppendBuffer([]byte("0123456789")))
	require.NoError(t, w.Finalize())
	require.NoError(t, fs.CloseFile(path))

	r, err := NewStorageBuffer(fs, path, 4, true)
	require.NoError(t, err)
	p := make([]byte, 2)
	require.NoError(t, r.ReadBufferAt(8, p))
	assert.Equal(t, []byte("89"), p)
}
