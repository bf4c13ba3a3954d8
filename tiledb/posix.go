package tiledb

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const posixBackend = "posix"

// PosixFS implements StorageFS over the local file system.
//
// Two optimizations can be toggled for shared file systems (NFS, Lustre)
// where advisory locking is unsound or open/close churn is expensive:
// disabling fcntl locking, and keeping write handles open across appends.
type PosixFS struct {
	bufferSizes

	// DisableFileLocking turns off fcntl advisory locks around appends.
	DisableFileLocking bool
	// KeepWriteHandlesOpen caches append handles until CloseFile.
	KeepWriteHandlesOpen bool
	// ReadMethod selects positional reads or memory-mapped tile access.
	ReadMethod ReadMethod

	workingDir string
	logger     *zap.Logger

	mu           sync.Mutex
	writeHandles map[string]*os.File
}

// NewPosixFS returns a POSIX backend rooted at the process working directory.
func NewPosixFS(logger *zap.Logger) *PosixFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PosixFS{
		logger:       logger,
		writeHandles: make(map[string]*os.File),
	}
}

func (fs *PosixFS) CurrentDir() string {
	if fs.workingDir != "" {
		return fs.workingDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func (fs *PosixFS) SetWorkingDir(dir string) error {
	real, err := fs.RealDir(dir)
	if err != nil {
		return err
	}
	fs.workingDir = real
	return nil
}

func (fs *PosixFS) resolve(path string) string {
	path = strippedFileScheme(path)
	if filepath.IsAbs(path) || fs.workingDir == "" {
		return path
	}
	return filepath.Join(fs.workingDir, path)
}

func strippedFileScheme(path string) string {
	const prefix = "file://"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

func (fs *PosixFS) IsDir(dir string) bool {
	info, err := os.Stat(fs.resolve(Unslashify(dir)))
	return err == nil && info.IsDir()
}

func (fs *PosixFS) IsFile(file string) bool {
	info, err := os.Stat(fs.resolve(file))
	return err == nil && info.Mode().IsRegular()
}

func (fs *PosixFS) RealDir(dir string) (string, error) {
	abs, err := filepath.Abs(fs.resolve(dir))
	if err != nil {
		return "", pathErrorf(ErrIO, "cannot resolve real path for", dir, err)
	}
	return filepath.Clean(abs), nil
}

func (fs *PosixFS) CreateDir(dir string) error {
	path := fs.resolve(Unslashify(dir))
	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) {
			return pathError(ErrAlreadyExists, "cannot create dir", dir)
		}
		return pathErrorf(ErrIO, "cannot create dir", dir, err)
	}
	return nil
}

func (fs *PosixFS) DeleteDir(dir string) error {
	path := fs.resolve(Unslashify(dir))
	if !fs.IsDir(dir) {
		return pathError(ErrNotFound, "cannot delete non-existent dir", dir)
	}
	countOp(posixBackend, "delete")
	if err := os.RemoveAll(path); err != nil {
		countErr(posixBackend, "delete")
		return pathErrorf(ErrIO, "cannot delete dir", dir, err)
	}
	return nil
}

func (fs *PosixFS) GetDirs(dir string) ([]string, error) {
	return fs.list(dir, true)
}

func (fs *PosixFS) GetFiles(dir string) ([]string, error) {
	return fs.list(dir, false)
}

func (fs *PosixFS) list(dir string, dirs bool) ([]string, error) {
	path := fs.resolve(Unslashify(dir))
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pathError(ErrNotFound, "cannot list", dir)
		}
		return nil, pathErrorf(ErrIO, "cannot list", dir, err)
	}
	countOp(posixBackend, "list")
	var out []string
	for _, e := range entries {
		if e.IsDir() == dirs {
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	return out, nil
}

func (fs *PosixFS) CreateFile(filename string) error {
	f, err := os.OpenFile(fs.resolve(filename), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return pathErrorf(ErrIO, "cannot create file", filename, err)
	}
	return f.Close()
}

func (fs *PosixFS) DeleteFile(filename string) error {
	if !fs.IsFile(filename) {
		return pathError(ErrNotFound, "cannot delete non-existent file", filename)
	}
	countOp(posixBackend, "delete")
	if err := os.Remove(fs.resolve(filename)); err != nil {
		return pathErrorf(ErrIO, "cannot delete file", filename, err)
	}
	return nil
}

func (fs *PosixFS) FileSize(filename string) (int64, error) {
	info, err := os.Stat(fs.resolve(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, pathError(ErrNotFound, "cannot stat", filename)
		}
		return -1, pathErrorf(ErrIO, "cannot stat", filename, err)
	}
	if !info.Mode().IsRegular() {
		return -1, pathError(ErrIO, "not a regular file", filename)
	}
	return info.Size(), nil
}

func (fs *PosixFS) ReadFromFile(filename string, offset int64, buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}
	f, err := os.Open(fs.resolve(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return pathError(ErrNotFound, "cannot read", filename)
		}
		return pathErrorf(ErrIO, "cannot open for read", filename, err)
	}
	defer f.Close()
	n, err := f.ReadAt(buffer, offset)
	if err == io.EOF && n < len(buffer) {
		return pathError(ErrShortRead, "read past end of", filename)
	}
	if err != nil && err != io.EOF {
		countErr(posixBackend, "read")
		return pathErrorf(ErrIO, "cannot read", filename, err)
	}
	countRead(posixBackend, n)
	return nil
}

// MapFromFile memory-maps a byte range of the file. The returned release
// function must be called once the region is no longer referenced. Offsets
// are adjusted internally to the page grain.
func (fs *PosixFS) MapFromFile(filename string, offset int64, length int) ([]byte, func() error, error) {
	if length == 0 {
		return nil, func() error { return nil }, nil
	}
	f, err := os.Open(fs.resolve(filename))
	if err != nil {
		return nil, nil, pathErrorf(ErrIO, "cannot open for mmap", filename, err)
	}
	defer f.Close()

	pageSize := int64(os.Getpagesize())
	aligned := offset / pageSize * pageSize
	shift := int(offset - aligned)
	data, err := unix.Mmap(int(f.Fd()), aligned, length+shift, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, pathErrorf(ErrIO, "cannot mmap", filename, err)
	}
	countRead(posixBackend, length)
	release := func() error { return unix.Munmap(data) }
	return data[shift : shift+length], release, nil
}

func (fs *PosixFS) writeHandle(path string) (*os.File, bool, error) {
	if fs.KeepWriteHandlesOpen {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if f, ok := fs.writeHandles[path]; ok {
			return f, true, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, false, err
		}
		fs.writeHandles[path] = f
		return f, true, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	return f, false, err
}

func (fs *PosixFS) WriteToFile(filename string, buffer []byte) error {
	path := fs.resolve(filename)
	f, cached, err := fs.writeHandle(path)
	if err != nil {
		return pathErrorf(ErrIO, "cannot open for append", filename, err)
	}
	if !cached {
		defer f.Close()
	}
	if !fs.DisableFileLocking {
		lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart}
		if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lock); err != nil {
			return pathErrorf(ErrIO, "cannot lock", filename, err)
		}
		defer func() {
			lock.Type = unix.F_UNLCK
			unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock)
		}()
	}
	n, err := f.Write(buffer)
	if err != nil {
		countErr(posixBackend, "write")
		return pathErrorf(ErrIO, "cannot append to", filename, err)
	}
	countWrite(posixBackend, n)
	return nil
}

func (fs *PosixFS) MovePath(oldPath, newPath string) error {
	if err := os.Rename(fs.resolve(oldPath), fs.resolve(newPath)); err != nil {
		return pathErrorf(ErrIO, "cannot move", oldPath, err)
	}
	return nil
}

func (fs *PosixFS) SyncPath(path string) error {
	f, err := os.Open(fs.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return pathError(ErrNotFound, "cannot sync", path)
		}
		return pathErrorf(ErrIO, "cannot open for sync", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return pathErrorf(ErrIO, "cannot sync", path, err)
	}
	return nil
}

func (fs *PosixFS) CloseFile(filename string) error {
	path := fs.resolve(filename)
	fs.mu.Lock()
	f, ok := fs.writeHandles[path]
	if ok {
		delete(fs.writeHandles, path)
	}
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	countOp(posixBackend, "commit")
	if err := f.Close(); err != nil {
		return pathErrorf(ErrIO, "cannot close", filename, err)
	}
	return nil
}

// Close releases any cached write handles held by the backend.
func (fs *PosixFS) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var first error
	for path, f := range fs.writeHandles {
		if err := f.Close(); err != nil && first == nil {
			first = pathErrorf(ErrIO, "cannot close", path, err)
		}
		delete(fs.writeHandles, path)
	}
	return first
}

func (fs *PosixFS) LockingSupport() bool {
	return !fs.DisableFileLocking
}

func (fs *PosixFS) mapTiles() bool {
	return fs.ReadMethod == ReadMethodMmap
}
