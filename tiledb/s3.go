package tiledb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const s3Backend = "s3"

const s3DefaultBufferSize = 5 * 1024 * 1024

type s3Upload struct {
	uploadID string
	parts    []types.CompletedPart
	nextPart int32
}

// S3 implements StorageFS over an S3 bucket. A multipart upload is
// initiated lazily on the first write to a path; parts accumulate a
// completed-part list finalized on CloseFile.
type S3 struct {
	bufferSizes

	bucketName string
	workingDir string
	client     *s3.Client
	logger     *zap.Logger

	mu       sync.Mutex
	writeMap map[string]*s3Upload
}

// NewS3 constructs the backend from an s3:// home URI using the standard
// SDK credential chain.
func NewS3(home string, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	configureCACerts()

	u, err := ParseBucketURI(home)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" {
		return nil, pathError(ErrInvalidURI, "s3 fs only supports s3:// uri protocols, got", home)
	}
	if u.Bucket == "" {
		return nil, pathError(ErrInvalidURI, "s3 uri does not seem to have a bucket specified", home)
	}

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, pathErrorf(ErrAuth, "failed to load aws configuration for", home, err)
	}
	client := s3.NewFromConfig(cfg)

	fs := &S3{
		bucketName: u.Bucket,
		client:     client,
		logger:     logger,
		writeMap:   make(map[string]*s3Upload),
	}
	if _, err := client.HeadBucket(context.Background(), &s3.HeadBucketInput{Bucket: aws.String(u.Bucket)}); err != nil {
		return nil, pathErrorf(ErrNotFound, "s3 fs only supports already existing buckets; failed to locate bucket", u.Bucket, err)
	}
	fs.download = s3DefaultBufferSize
	fs.upload = s3DefaultBufferSize
	fs.workingDir = cloudPath("", u.Path)
	return fs, nil
}

func (fs *S3) path(p string) string { return cloudPath(fs.workingDir, p) }

func (fs *S3) CurrentDir() string { return fs.workingDir }

func (fs *S3) SetWorkingDir(dir string) error {
	fs.workingDir = fs.path(dir)
	return nil
}

func (fs *S3) RealDir(dir string) (string, error) {
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

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

func (fs *S3) objectExists(path string) bool {
	_, err := fs.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(fs.bucketName),
		Key:    aws.String(path),
	})
	return err == nil
}

func (fs *S3) IsDir(dir string) bool {
	path := fs.path(dir)
	if path == "" {
		return true
	}
	if fs.objectExists(Slashify(path)) {
		return true
	}
	one := int32(1)
	out, err := fs.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket:  aws.String(fs.bucketName),
		Prefix:  aws.String(Slashify(path)),
		MaxKeys: &one,
	})
	return err == nil && out.KeyCount != nil && *out.KeyCount > 0
}

func (fs *S3) IsFile(file string) bool {
	return fs.objectExists(Unslashify(fs.path(file)))
}

// CreateDir is a no-op marker, like the other object stores.
func (fs *S3) CreateDir(dir string) error {
	if fs.IsFile(dir) {
		return pathError(ErrAlreadyExists, "path already exists", dir)
	}
	return nil
}

func (fs *S3) DeleteDir(dir string) error {
	if !fs.IsDir(dir) {
		return pathError(ErrNotFound, "cannot delete non-existent dir", dir)
	}
	countOp(s3Backend, "delete")
	prefix := Slashify(fs.path(dir))
	var token *string
	for {
		out, err := fs.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
			Bucket:            aws.String(fs.bucketName),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return pathErrorf(ErrIO, "cannot list for delete", dir, err)
		}
		if len(out.Contents) > 0 {
			ids := make([]types.ObjectIdentifier, 0, len(out.Contents))
			for _, obj := range out.Contents {
				ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := fs.client.DeleteObjects(context.Background(), &s3.DeleteObjectsInput{
				Bucket: aws.String(fs.bucketName),
				Delete: &types.Delete{Objects: ids},
			}); err != nil {
				return pathErrorf(ErrIO, "cannot delete objects under", dir, err)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (fs *S3) list(dir string) (*s3.ListObjectsV2Output, error) {
	return fs.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket:    aws.String(fs.bucketName),
		Prefix:    aws.String(Slashify(fs.path(dir))),
		Delimiter: aws.String("/"),
	})
}

func (fs *S3) GetDirs(dir string) ([]string, error) {
	countOp(s3Backend, "list")
	out, err := fs.list(dir)
	if err != nil {
		return nil, pathErrorf(ErrIO, "cannot list dirs under", dir, err)
	}
	var dirs []string
	for _, p := range out.CommonPrefixes {
		dirs = append(dirs, Unslashify(*p.Prefix))
	}
	return dirs, nil
}

func (fs *S3) GetFiles(dir string) ([]string, error) {
	countOp(s3Backend, "list")
	out, err := fs.list(dir)
	if err != nil {
		return nil, pathErrorf(ErrIO, "cannot list files under", dir, err)
	}
	var files []string
	for _, obj := range out.Contents {
		if !strings.HasSuffix(*obj.Key, "/") {
			files = append(files, *obj.Key)
		}
	}
	return files, nil
}

func (fs *S3) CreateFile(filename string) error {
	if fs.IsFile(filename) {
		return pathError(ErrAlreadyExists, "cannot create path as it already exists", filename)
	}
	_, err := fs.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(fs.bucketName),
		Key:    aws.String(fs.path(filename)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return pathErrorf(ErrIO, "cannot create file", filename, err)
	}
	return nil
}

func (fs *S3) DeleteFile(filename string) error {
	if !fs.IsFile(filename) {
		return pathError(ErrNotFound, "cannot delete non-existent or non-file path", filename)
	}
	countOp(s3Backend, "delete")
	if _, err := fs.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(fs.bucketName),
		Key:    aws.String(fs.path(filename)),
	}); err != nil {
		return pathErrorf(ErrIO, "cannot delete file", filename, err)
	}
	return nil
}

func (fs *S3) FileSize(filename string) (int64, error) {
	out, err := fs.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(fs.bucketName),
		Key:    aws.String(fs.path(filename)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return -1, pathError(ErrNotFound, "cannot stat object", filename)
		}
		return -1, pathErrorf(ErrIO, "cannot stat object", filename, err)
	}
	if out.ContentLength == nil {
		return -1, pathError(ErrIO, "no content length for", filename)
	}
	return *out.ContentLength, nil
}

func (fs *S3) ReadFromFile(filename string, offset int64, buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buffer))-1)
	out, err := fs.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(fs.bucketName),
		Key:    aws.String(fs.path(filename)),
		Range:  aws.String(rng),
	})
	if err != nil {
		countErr(s3Backend, "read")
		if isS3NotFound(err) {
			return pathError(ErrNotFound, "cannot read object", filename)
		}
		return pathErrorf(ErrIO, "cannot read object", filename, err)
	}
	defer out.Body.Close()
	if _, err := io.ReadFull(out.Body, buffer); err != nil {
		countErr(s3Backend, "read")
		return pathErrorf(ErrIO, fmt.Sprintf("could not read %d bytes at offset %d from", len(buffer), offset), filename, err)
	}
	countRead(s3Backend, len(buffer))
	return nil
}

// WriteToFile uploads one part, initiating the multipart upload lazily on
// the first write to the path.
func (fs *S3) WriteToFile(filename string, buffer []byte) error {
	path := fs.path(filename)
	if len(buffer) == 0 {
		if !fs.objectExists(path) {
			return fs.CreateFile(filename)
		}
		return nil
	}

	fs.mu.Lock()
	upload, ok := fs.writeMap[path]
	if !ok {
		out, err := fs.client.CreateMultipartUpload(context.Background(), &s3.CreateMultipartUploadInput{
			Bucket: aws.String(fs.bucketName),
			Key:    aws.String(path),
		})
		if err != nil {
			fs.mu.Unlock()
			countErr(s3Backend, "write")
			return pathErrorf(ErrIO, "cannot initiate multipart upload for", path, err)
		}
		upload = &s3Upload{uploadID: *out.UploadId}
		fs.writeMap[path] = upload
	}
	upload.nextPart++
	partNumber := upload.nextPart
	fs.mu.Unlock()

	out, err := fs.client.UploadPart(context.Background(), &s3.UploadPartInput{
		Bucket:     aws.String(fs.bucketName),
		Key:        aws.String(path),
		UploadId:   aws.String(upload.uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(buffer),
	})
	if err != nil {
		countErr(s3Backend, "write")
		return pathErrorf(ErrIO, fmt.Sprintf("cannot upload part %d of", partNumber), path, err)
	}

	fs.mu.Lock()
	upload.parts = append(upload.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	fs.mu.Unlock()
	countWrite(s3Backend, len(buffer))
	return nil
}

// CloseFile completes the multipart upload, committing the object.
func (fs *S3) CloseFile(filename string) error {
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
	countOp(s3Backend, "commit")

	_, err := fs.client.CompleteMultipartUpload(context.Background(), &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(fs.bucketName),
		Key:             aws.String(path),
		UploadId:        aws.String(upload.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: upload.parts},
	})
	if err != nil {
		countErr(s3Backend, "commit")
		// Leave no dangling upload behind; the previously committed object,
		// if any, stays intact.
		fs.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(fs.bucketName),
			Key:      aws.String(path),
			UploadId: aws.String(upload.uploadID),
		})
		return pathErrorf(ErrIO, "cannot complete multipart upload for", path, err)
	}
	fs.logger.Debug("completed multipart upload", zap.String("key", path), zap.Int("parts", len(upload.parts)))
	return nil
}

func (fs *S3) MovePath(oldPath, newPath string) error {
	return pathError(ErrUnsupported, "no support for moving path", oldPath)
}

// SyncPath is a no-op: object-store writes become visible on CloseFile.
func (fs *S3) SyncPath(path string) error { return nil }

func (fs *S3) LockingSupport() bool { return false }
