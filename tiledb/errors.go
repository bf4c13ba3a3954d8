package tiledb

import (
	"errors"
	"fmt"
)

// Error taxonomy for the storage core. Callers classify failures with
// errors.Is against these sentinels; the wrapped message carries the
// offending path, attribute or tile.
var (
	// ErrInvalidURI indicates a malformed URI or an unsupported scheme.
	ErrInvalidURI = errors.New("invalid uri")
	// ErrAuth indicates missing or invalid credentials at backend construction.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound indicates a read or delete of a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a strict create colliding with an existing resource.
	ErrAlreadyExists = errors.New("already exists")
	// ErrIO indicates a read/write/close/sync failure reported by the backend.
	ErrIO = errors.New("i/o error")
	// ErrShortRead indicates a read that returned fewer bytes than requested
	// within file bounds.
	ErrShortRead = errors.New("short read")
	// ErrManifestCorrupt indicates an arity, count or decompression failure
	// while loading fragment bookkeeping.
	ErrManifestCorrupt = errors.New("bookkeeping corrupt")
	// ErrTileCorrupt indicates a codec failure or decompressed-length mismatch
	// for a tile.
	ErrTileCorrupt = errors.New("tile corrupt")
	// ErrCodec indicates a compression or decompression failure.
	ErrCodec = errors.New("codec error")
	// ErrUnsupported indicates an optional operation not available on this
	// backend, such as moving paths on an object store.
	ErrUnsupported = errors.New("operation not supported")
)

func pathError(sentinel error, msg, path string) error {
	return fmt.Errorf("%s %q: %w", msg, path, sentinel)
}

func pathErrorf(sentinel error, msg, path string, cause error) error {
	if cause == nil {
		return pathError(sentinel, msg, path)
	}
	return fmt.Errorf("%s %q: %v: %w", msg, path, cause, sentinel)
}

func attrError(sentinel error, msg string, attributeID int, tile int64, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s (attribute %d, tile %d): %w", msg, attributeID, tile, sentinel)
	}
	return fmt.Errorf("%s (attribute %d, tile %d): %v: %w", msg, attributeID, tile, cause, sentinel)
}
