package tiledb

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

// ReadMethod selects how the POSIX backend serves tile reads.
type ReadMethod int

const (
	ReadMethodRead ReadMethod = iota
	ReadMethodMmap
)

// Config resolves a home URI to a storage backend plus buffer-size and
// locking knobs. The zero Config with Init("") yields a plain POSIX
// backend.
type Config struct {
	Home       string
	ReadMethod ReadMethod
	// SharedPosixFSOptimizations disables file locking and keeps write
	// handles open, for shared file systems where fcntl locking is unsound.
	SharedPosixFSOptimizations bool
	Logger                     *zap.Logger

	fs StorageFS
}

// Init resolves the home URI to a backend. Cloud schemes construct their
// backend eagerly so credential problems surface here; hdfs:// homes are
// delegated to an external connector and unsupported in this core.
func (c *Config) Init(home string) error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Home = home

	if !isURI(home) {
		posix := NewPosixFS(c.Logger)
		posix.DisableFileLocking = c.SharedPosixFSOptimizations
		posix.KeepWriteHandlesOpen = c.SharedPosixFSOptimizations
		posix.ReadMethod = c.ReadMethod
		if home != "" {
			if err := posix.SetWorkingDir(home); err != nil {
				return err
			}
		}
		c.fs = posix
		return nil
	}

	u, err := ParseURI(home)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "file":
		posix := NewPosixFS(c.Logger)
		posix.DisableFileLocking = c.SharedPosixFSOptimizations
		posix.KeepWriteHandlesOpen = c.SharedPosixFSOptimizations
		posix.ReadMethod = c.ReadMethod
		if err := posix.SetWorkingDir(u.Path); err != nil {
			return err
		}
		c.fs = posix
	case "az", "azb":
		c.fs, err = NewAzureBlob(home, c.Logger)
	case "gs":
		if os.Getenv("TILEDB_USE_GCS_HDFS_CONNECTOR") != "" {
			return pathError(ErrUnsupported, "gcs access through the hdfs connector is delegated, cannot serve", home)
		}
		c.fs, err = NewGCS(home, c.Logger)
	case "s3":
		c.fs, err = NewS3(home, c.Logger)
	case "hdfs", "gphdfs", "webhdfs":
		return pathError(ErrUnsupported, "hdfs homes are delegated to an external connector, cannot serve", home)
	default:
		return pathError(ErrInvalidURI, "no storage support for home", home)
	}
	return err
}

// FS returns the resolved backend.
func (c *Config) FS() StorageFS { return c.fs }

// TempDir returns the root for temporary files, honoring TMPDIR.
func TempDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return Unslashify(dir)
	}
	return os.TempDir()
}

// IsCloudPath reports whether the path targets one of the supported object
// stores.
func IsCloudPath(path string) bool {
	for _, scheme := range []string{"az://", "azb://", "s3://", "gs://"} {
		if strings.HasPrefix(path, scheme) {
			return true
		}
	}
	return false
}
