package tiledb

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// StorageBuffer is a chunked cache in front of one StorageFS file. A buffer
// is either read-only or write-only for its lifetime: reads are served from
// a cached window refilled in download-buffer-sized chunks, writes
// accumulate and are flushed as single appends once they reach the chunk
// size. After Finalize, further I/O is an error.
type StorageBuffer struct {
	fs        StorageFS
	filename  string
	chunkSize int
	readOnly  bool

	buffer     []byte
	fileOffset int64 // file offset of buffer[0] (read side)
	pos        int64 // implicit sequential cursor (read side)
	fileSize   int64
	finalized  bool
}

// NewStorageBuffer creates a buffer over filename. For read-only buffers the
// file must exist; its size bounds all reads.
func NewStorageBuffer(fs StorageFS, filename string, chunkSize int, readOnly bool) (*StorageBuffer, error) {
	b := &StorageBuffer{fs: fs, filename: filename, chunkSize: chunkSize, readOnly: readOnly}
	if chunkSize <= 0 {
		b.chunkSize = 1 << 20
	}
	if readOnly {
		size, err := fs.FileSize(filename)
		if err != nil {
			return nil, err
		}
		b.fileSize = size
	}
	return b, nil
}

// ReadBuffer reads len(p) bytes at the implicit sequential position.
func (b *StorageBuffer) ReadBuffer(p []byte) error {
	if err := b.ReadBufferAt(b.pos, p); err != nil {
		return err
	}
	b.pos += int64(len(p))
	return nil
}

// ReadBufferAt reads len(p) bytes at the given absolute file offset,
// refilling the cached window as needed.
func (b *StorageBuffer) ReadBufferAt(offset int64, p []byte) error {
	if b.finalized || !b.readOnly {
		return pathError(ErrIO, "buffer is not readable for", b.filename)
	}
	if len(p) == 0 {
		return nil
	}
	if offset < 0 || offset+int64(len(p)) > b.fileSize {
		return pathError(ErrShortRead, "read beyond file size of", b.filename)
	}
	// Oversized requests bypass the cache.
	if len(p) >= b.chunkSize {
		return b.fs.ReadFromFile(b.filename, offset, p)
	}
	if offset < b.fileOffset || offset+int64(len(p)) > b.fileOffset+int64(len(b.buffer)) {
		fill := int64(b.chunkSize)
		if offset+fill > b.fileSize {
			fill = b.fileSize - offset
		}
		if cap(b.buffer) < int(fill) {
			b.buffer = make([]byte, fill)
		} else {
			b.buffer = b.buffer[:fill]
		}
		if err := b.fs.ReadFromFile(b.filename, offset, b.buffer); err != nil {
			return err
		}
		b.fileOffset = offset
	}
	copy(p, b.buffer[offset-b.fileOffset:])
	return nil
}

// AppendBuffer queues p for writing; the queue is flushed to the backend as
// one append once it reaches the chunk size.
func (b *StorageBuffer) AppendBuffer(p []byte) error {
	if b.finalized || b.readOnly {
		return pathError(ErrIO, "buffer is not writable for", b.filename)
	}
	b.buffer = append(b.buffer, p...)
	if len(b.buffer) >= b.chunkSize {
		return b.Flush()
	}
	return nil
}

// Flush writes any queued bytes as a single backend append.
func (b *StorageBuffer) Flush() error {
	if b.readOnly || len(b.buffer) == 0 {
		return nil
	}
	if err := b.fs.WriteToFile(b.filename, b.buffer); err != nil {
		return err
	}
	b.buffer = b.buffer[:0]
	return nil
}

// Finalize flushes residual bytes and releases the buffer. It does not close
// the backing file; committing staged parts is the owner's job.
func (b *StorageBuffer) Finalize() error {
	if b.finalized {
		return nil
	}
	if err := b.Flush(); err != nil {
		return err
	}
	b.buffer = nil
	b.finalized = true
	return nil
}

// Size returns the backing file size for read-only buffers.
func (b *StorageBuffer) Size() int64 { return b.fileSize }

// bufferReader adapts the sequential read side to io.Reader for streaming
// decompression.
type bufferReader struct {
	b   *StorageBuffer
	pos int64
}

func (r *bufferReader) Read(p []byte) (int, error) {
	remaining := r.b.fileSize - r.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	n := int64(len(p))
	if n > remaining {
		n = remaining
	}
	if err := r.b.ReadBufferAt(r.pos, p[:n]); err != nil {
		return 0, err
	}
	r.pos += n
	return int(n), nil
}

// bufferWriter adapts the write side to io.Writer for streaming compression.
type bufferWriter struct {
	b *StorageBuffer
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	if err := w.b.AppendBuffer(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CompressedStorageBuffer layers a gzip stream over a StorageBuffer. Writes
// are compressed with the default level into chunked appends; reads maintain
// a streaming inflate refilled from compressed chunks.
type CompressedStorageBuffer struct {
	inner    *StorageBuffer
	kind     CompressionKind
	readOnly bool

	gz        *gzip.Writer
	inflate   io.ReadCloser
	finalized bool
}

// NewCompressedStorageBuffer wraps filename with an optional gzip codec.
// With CompressionNone it behaves exactly like a plain StorageBuffer.
func NewCompressedStorageBuffer(fs StorageFS, filename string, chunkSize int, readOnly bool, kind CompressionKind, level int) (*CompressedStorageBuffer, error) {
	if kind != CompressionNone && kind != CompressionGzip {
		return nil, pathError(ErrCodec, "unsupported storage buffer compression for", filename)
	}
	inner, err := NewStorageBuffer(fs, filename, chunkSize, readOnly)
	if err != nil {
		return nil, err
	}
	c := &CompressedStorageBuffer{inner: inner, kind: kind, readOnly: readOnly}
	if kind == CompressionGzip && !readOnly {
		if level <= 0 || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		c.gz, err = gzip.NewWriterLevel(&bufferWriter{inner}, level)
		if err != nil {
			return nil, pathErrorf(ErrCodec, "cannot initialize gzip stream for", filename, err)
		}
	}
	return c, nil
}

// ReadBuffer reads len(p) cleartext bytes from the (possibly compressed)
// stream. Reads are sequential; a short stream yields ErrShortRead.
func (c *CompressedStorageBuffer) ReadBuffer(p []byte) error {
	if c.finalized || !c.readOnly {
		return pathError(ErrIO, "buffer is not readable for", c.inner.filename)
	}
	if c.kind == CompressionNone {
		return c.inner.ReadBuffer(p)
	}
	if c.inflate == nil {
		gz, err := gzip.NewReader(&bufferReader{b: c.inner})
		if err != nil {
			return pathErrorf(ErrCodec, "cannot initialize gzip stream for", c.inner.filename, err)
		}
		c.inflate = gz
	}
	if _, err := io.ReadFull(c.inflate, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return pathError(ErrShortRead, "compressed stream ended early for", c.inner.filename)
		}
		return pathErrorf(ErrCodec, "cannot inflate", c.inner.filename, err)
	}
	return nil
}

// AppendBuffer queues cleartext bytes into the compressed stream.
func (c *CompressedStorageBuffer) AppendBuffer(p []byte) error {
	if c.finalized || c.readOnly {
		return pathError(ErrIO, "buffer is not writable for", c.inner.filename)
	}
	if c.kind == CompressionNone {
		return c.inner.AppendBuffer(p)
	}
	if _, err := c.gz.Write(p); err != nil {
		return pathErrorf(ErrCodec, "cannot deflate into", c.inner.filename, err)
	}
	return nil
}

// Finalize terminates the compression stream and flushes the tail.
func (c *CompressedStorageBuffer) Finalize() error {
	if c.finalized {
		return nil
	}
	if c.gz != nil {
		if err := c.gz.Close(); err != nil {
			return pathErrorf(ErrCodec, "cannot finish gzip stream for", c.inner.filename, err)
		}
		c.gz = nil
	}
	if c.inflate != nil {
		c.inflate.Close()
		c.inflate = nil
	}
	if err := c.inner.Finalize(); err != nil {
		return err
	}
	c.finalized = true
	return nil
}
