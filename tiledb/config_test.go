package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPosixDefault(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Init(""))
	posix, ok := cfg.FS().(*PosixFS)
	require.True(t, ok)
	assert.True(t, posix.LockingSupport())
}

func TestConfigPosixHome(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{SharedPosixFSOptimizations: true}
	require.NoError(t, cfg.Init(dir))
	posix, ok := cfg.FS().(*PosixFS)
	require.True(t, ok)
	assert.False(t, posix.LockingSupport())
	assert.Equal(t, dir, posix.CurrentDir())
}

func TestConfigFileScheme(t *testing.T) {
	dir := t.TempDir()
	var cfg Config
	require.NoError(t, cfg.Init("file://"+dir))
	_, ok := cfg.FS().(*PosixFS)
	assert.True(t, ok)
}

func TestConfigHDFSDelegated(t *testing.T) {
	var cfg Config
	assert.ErrorIs(t, cfg.Init("hdfs://namenode:9000/data"), ErrUnsupported)
}

func TestConfigGCSHDFSConnector(t *testing.T) {
	t.Setenv("TILEDB_USE_GCS_HDFS_CONNECTOR", "1")
	var cfg Config
	assert.ErrorIs(t, cfg.Init("gs://bucket/ws"), ErrUnsupported)
}

func TestConfigUnknownScheme(t *testing.T) {
	var cfg Config
	assert.ErrorIs(t, cfg.Init("ftp://host/path"), ErrInvalidURI)
}

func TestIsCloudPath(t *testing.T) {
	assert.True(t, IsCloudPath("s3://b/p"))
	assert.True(t, IsCloudPath("az://c@a.blob.core.windows.net/p"))
	assert.True(t, IsCloudPath("gs://b"))
	assert.False(t, IsCloudPath("/local/path"))
	assert.False(t, IsCloudPath("hdfs://h/p"))
}

func TestTempDirHonorsEnv(t *testing.T) {
	t.Setenv("TMPDIR", "/custom/tmp/")
	assert.Equal(t, "/custom/tmp", TempDir())
}
