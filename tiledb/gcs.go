package tiledb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const gcsBackend = "gcs"

// GCS write parts carry this suffix until composed into the final object.
const gcsPartSuffix = "__tiledb__"

// All but the final upload part must be at least this large.
const gcsMinPartSize = 256 * 1024

// Compose accepts at most this many source objects per call.
const gcsMaxCompose = 32

const gcsDefaultBufferSize = 5 * 1024 * 1024

type gcsUpload struct {
	partNumber int
	lastSize   int
}

// GCS implements StorageFS over a Google Cloud Storage bucket. Each write
// becomes a numbered part object; CloseFile composes the parts into the
// final object and garbage-collects them.
type GCS struct {
	bufferSizes

	bucketName string
	workingDir string
	client     *storage.Client
	bucket     *storage.BucketHandle
	logger     *zap.Logger

	mu       sync.Mutex
	writeMap map[string]*gcsUpload
}

// NewGCS constructs the backend from a gs:// home URI using the standard
// SDK credential chain.
func NewGCS(home string, logger *zap.Logger) (*GCS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	configureCACerts()

	u, err := ParseBucketURI(home)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "gs" {
		return nil, pathError(ErrInvalidURI, "gcs fs only supports gs:// uri protocols, got", home)
	}
	if u.Bucket == "" {
		return nil, pathError(ErrInvalidURI, "gs uri does not seem to have a bucket specified", home)
	}

	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, pathErrorf(ErrAuth, "failed to create gcs client for", home, err)
	}
	bucket := client.Bucket(u.Bucket)
	if _, err := bucket.Attrs(context.Background()); err != nil {
		return nil, pathErrorf(ErrNotFound, "gcs fs only supports already existing buckets; failed to locate bucket", u.Bucket, err)
	}

	fs := &GCS{
		bucketName: u.Bucket,
		client:     client,
		bucket:     bucket,
		logger:     logger,
		writeMap:   make(map[string]*gcsUpload),
	}
	fs.download = gcsDefaultBufferSize
	fs.upload = gcsDefaultBufferSize
	fs.workingDir = cloudPath("", u.Path)
	return fs, nil
}

func (fs *GCS) path(p string) string { return cloudPath(fs.workingDir, p) }

func (fs *GCS) CurrentDir() string { return fs.workingDir }

func (fs *GCS) SetWorkingDir(dir string) error {
	fs.workingDir = fs.path(dir)
	return nil
}

func (fs *GCS) RealDir(dir string) (string, error) {
	if isURI(dir) {
		u, err := ParseBucketURI(dir)
		if err != nil {
			return "", err
		}
		if u.Bucket != fs.bucketName {
			return "", pathError(ErrInvalidURI, "credentialed bucket does not match", dir)
		}
	}
	return fs.path(dir), nil
}

func (fs *GCS) objectExists(path string) bool {
	_, err := fs.bucket.Object(path).Attrs(context.Background())
	return err == nil
}

// IsDir probes for children under the slashified prefix; directories are
// not materialized as marker objects.
func (fs *GCS) IsDir(dir string) bool {
	path := fs.path(dir)
	if path == "" {
		return true
	}
	it := fs.bucket.Objects(context.Background(), &storage.Query{Prefix: Slashify(path)})
	_, err := it.Next()
	return err == nil
}

func (fs *GCS) IsFile(file string) bool {
	return fs.objectExists(Unslashify(fs.path(file)))
}

// CreateDir is a no-op marker.
func (fs *GCS) CreateDir(dir string) error {
	if fs.IsFile(dir) {
		return pathError(ErrAlreadyExists, "cannot create path as it already exists", dir)
	}
	return nil
}

func (fs *GCS) DeleteDir(dir string) error {
	if fs.IsFile(dir) {
		return pathError(ErrIO, "cannot delete dir as it seems to be a file", dir)
	}
	if !fs.IsDir(dir) {
		return pathError(ErrNotFound, "cannot delete non-existent dir", dir)
	}
	return fs.deleteByPrefix(Slashify(fs.path(dir)))
}

func (fs *GCS) deleteByPrefix(prefix string) error {
	countOp(gcsBackend, "delete")
	it := fs.bucket.Objects(context.Background(), &storage.Query{Prefix: prefix})
	var firstErr error
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return pathErrorf(ErrIO, "cannot list for delete under", prefix, err)
		}
		if err := fs.bucket.Object(attrs.Name).Delete(context.Background()); err != nil && firstErr == nil {
			firstErr = pathErrorf(ErrIO, "cannot delete object", attrs.Name, err)
		}
	}
	return firstErr
}

func (fs *GCS) GetDirs(dir string) ([]string, error) {
	countOp(gcsBackend, "list")
	it := fs.bucket.Objects(context.Background(), &storage.Query{
		Prefix:    Slashify(fs.path(dir)),
		Delimiter: "/",
	})
	var dirs []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, pathErrorf(ErrIO, "cannot list dirs under", dir, err)
		}
		if attrs.Prefix != "" {
			dirs = append(dirs, Unslashify(attrs.Prefix))
		}
	}
	return dirs, nil
}

func (fs *GCS) GetFiles(dir string) ([]string, error) {
	countOp(gcsBackend, "list")
	it := fs.bucket.Objects(context.Background(), &storage.Query{
		Prefix:    Slashify(fs.path(dir)),
		Delimiter: "/",
	})
	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, pathErrorf(ErrIO, "cannot list files under", dir, err)
		}
		if attrs.Name != "" && !strings.HasSuffix(attrs.Name, "/") {
			files = append(files, attrs.Name)
		}
	}
	return files, nil
}

func (fs *GCS) CreateFile(filename string) error {
	if fs.IsDir(filename) || fs.IsFile(filename) {
		return pathError(ErrAlreadyExists, "cannot create path as it already exists", filename)
	}
	return fs.insertObject(fs.path(filename), nil)
}

func (fs *GCS) insertObject(path string, data []byte) error {
	w := fs.bucket.Object(path).NewWriter(context.Background())
	if _, err := w.Write(data); err != nil {
		w.Close()
		return pathErrorf(ErrIO, "error inserting object into bucket at", path, err)
	}
	if err := w.Close(); err != nil {
		return pathErrorf(ErrIO, "error inserting object into bucket at", path, err)
	}
	return nil
}

func (fs *GCS) DeleteFile(filename string) error {
	if !fs.IsFile(filename) {
		return pathError(ErrNotFound, "cannot delete non-existent or non-file path", filename)
	}
	countOp(gcsBackend, "delete")
	if err := fs.bucket.Object(fs.path(filename)).Delete(context.Background()); err != nil {
		return pathErrorf(ErrIO, "could not delete path", filename, err)
	}
	return nil
}

func (fs *GCS) FileSize(filename string) (int64, error) {
	attrs, err := fs.bucket.Object(fs.path(filename)).Attrs(context.Background())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || isGoogleAPIStatus(err, 404) {
			return -1, pathError(ErrNotFound, "cannot stat object", filename)
		}
		return -1, pathErrorf(ErrIO, "cannot stat object", filename, err)
	}
	return attrs.Size, nil
}

func isGoogleAPIStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (fs *GCS) ReadFromFile(filename string, offset int64, buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}
	r, err := fs.bucket.Object(fs.path(filename)).NewRangeReader(context.Background(), offset, int64(len(buffer)))
	if err != nil {
		countErr(gcsBackend, "read")
		if errors.Is(err, storage.ErrObjectNotExist) {
			return pathError(ErrNotFound, "cannot read object", filename)
		}
		return pathErrorf(ErrIO, "failed to get object", filename, err)
	}
	defer r.Close()
	if _, err := io.ReadFull(r, buffer); err != nil {
		countErr(gcsBackend, "read")
		return pathErrorf(ErrIO, fmt.Sprintf("could not read %d bytes at offset %d from", len(buffer), offset), filename, err)
	}
	countRead(gcsBackend, len(buffer))
	return nil
}

// WriteToFile uploads one numbered part object. All but the final part must
// be at least 256 KiB; a smaller non-final part fails the write.
func (fs *GCS) WriteToFile(filename string, buffer []byte) error {
	if len(buffer) == 0 {
		return fs.CreateFile(filename)
	}
	path := fs.path(filename)

	fs.mu.Lock()
	upload, ok := fs.writeMap[path]
	var partNumber int
	if !ok {
		fs.writeMap[path] = &gcsUpload{lastSize: len(buffer)}
	} else {
		if upload.lastSize < gcsMinPartSize {
			fs.mu.Unlock()
			return pathError(ErrIO, "only the last of the uploadable parts can be less than 256KB for", path)
		}
		upload.partNumber++
		upload.lastSize = len(buffer)
		partNumber = upload.partNumber
	}
	fs.mu.Unlock()

	part := fmt.Sprintf("%s%s%d", path, gcsPartSuffix, partNumber)
	if err := fs.insertObject(part, buffer); err != nil {
		countErr(gcsBackend, "write")
		return err
	}
	countWrite(gcsBackend, len(buffer))
	return nil
}

// CloseFile composes the uploaded parts into the final object and cleans
// them up, committing the write.
func (fs *GCS) CloseFile(filename string) error {
	path := fs.path(filename)

	fs.mu.Lock()
	upload, ok := fs.writeMap[path]
	if ok {
		delete(fs.writeMap, path)
	}
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	countOp(gcsBackend, "commit")

	parts := make([]*storage.ObjectHandle, 0, upload.partNumber+1)
	for i := 0; i <= upload.partNumber; i++ {
		parts = append(parts, fs.bucket.Object(fmt.Sprintf("%s%s%d", path, gcsPartSuffix, i)))
	}
	err := fs.composeMany(path, parts)

	// Garbage-collect the parts and any compose temporaries regardless of
	// the compose outcome.
	if cleanupErr := fs.deleteByPrefix(path + gcsPartSuffix); cleanupErr != nil {
		fs.logger.Warn("part cleanup failed", zap.String("object", path), zap.Error(cleanupErr))
	}
	if err != nil {
		countErr(gcsBackend, "commit")
		return pathErrorf(ErrIO, "error committing object during compose of", path, err)
	}
	fs.logger.Debug("composed object", zap.String("object", path), zap.Int("parts", upload.partNumber+1))
	return nil
}

// composeMany folds any number of source objects into dst, respecting the
// 32-source compose limit by accumulating through temporary objects.
func (fs *GCS) composeMany(dst string, srcs []*storage.ObjectHandle) error {
	ctx := context.Background()
	tmpIndex := 0
	for len(srcs) > gcsMaxCompose {
		tmp := fs.bucket.Object(fmt.Sprintf("%s%stmp%d", dst, gcsPartSuffix, tmpIndex))
		tmpIndex++
		if _, err := tmp.ComposerFrom(srcs[:gcsMaxCompose]...).Run(ctx); err != nil {
			return err
		}
		srcs = append([]*storage.ObjectHandle{tmp}, srcs[gcsMaxCompose:]...)
	}
	_, err := fs.bucket.Object(dst).ComposerFrom(srcs...).Run(ctx)
	return err
}

func (fs *GCS) MovePath(oldPath, newPath string) error {
	return pathError(ErrUnsupported, "no support for moving path", oldPath)
}

// SyncPath is a no-op: object-store writes become visible on CloseFile.
func (fs *GCS) SyncPath(path string) error { return nil }

func (fs *GCS) LockingSupport() bool { return false }
