package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The part-size gate runs before any network call, so it is testable
// without credentials: a second write after a short non-final part must
// fail and leave the committed object untouched.
func TestGCSWriteSmallNonFinalPart(t *testing.T) {
	fs := &GCS{writeMap: map[string]*gcsUpload{
		"foo": {partNumber: 0, lastSize: 100},
	}}
	err := fs.WriteToFile("foo", []byte("next part"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.Contains(t, err.Error(), "256KB")

	// The staged upload entry survives for CloseFile to report on.
	assert.Contains(t, fs.writeMap, "foo")
}

func TestGCSPartNaming(t *testing.T) {
	assert.Equal(t, "__tiledb__", gcsPartSuffix)
}

func TestGCSPathResolution(t *testing.T) {
	fs := &GCS{bucketName: "bkt", workingDir: "ws"}
	assert.Equal(t, "ws/frag/a.tdb", fs.path("frag/a.tdb"))
	assert.Equal(t, "abs/path", fs.path("/abs/path"))
	assert.Equal(t, "ws", fs.path(""))
	assert.Equal(t, "ws/frag", fs.path("gs://bkt/ws/frag"))

	_, err := fs.RealDir("gs://other/ws")
	assert.ErrorIs(t, err, ErrInvalidURI)
}
