package tiledb

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const azureBackend = "azure-blob"

// Azure block blob limits and sizing grain.
const (
	azureMaxNumBlocks     = 50000
	azureGrainSize        = 4 * 1024 * 1024
	azureDefaultBlockSize = 8 * 1024 * 1024
	azureMaxBlockSize     = 100 * 1024 * 1024
	azureDefaultMaxStream = 8 * 1024 * 1024
)

// AzureBlob implements StorageFS over an Azure Blob container. Writes stage
// blocks under generated base64 ids kept in an in-memory map keyed by blob
// path; CloseFile commits them with a put-block-list. A block blob holds at
// most 50000 blocks.
type AzureBlob struct {
	bufferSizes

	account    string
	container  string
	workingDir string

	client        *container.Client
	maxStreamSize int64
	logger        *zap.Logger

	mu       sync.Mutex
	writeMap map[string][]string
}

// NewAzureBlob constructs the backend from an az:// or azb:// home URI.
// Credentials resolve in order: AZURE_STORAGE_KEY shared key,
// AZURE_STORAGE_SAS_TOKEN, and last the azure CLI's token.
func NewAzureBlob(home string, logger *zap.Logger) (*AzureBlob, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	configureCACerts()

	u, err := ParseAzureURI(home)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "az" && u.Scheme != "azb" {
		return nil, pathError(ErrInvalidURI, "azure blob fs only supports az:// uri protocols, got", home)
	}
	if u.Account == "" || u.Container == "" {
		return nil, pathError(ErrInvalidURI, "azure blob uri does not seem to have an account or a container", home)
	}

	endpoint := u.Endpoint
	if v := os.Getenv("AZURE_BLOB_ENDPOINT"); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = u.Account + ".blob.core.windows.net"
	}
	serviceURL := "https://" + endpoint + "/"

	client, err := azureServiceClient(u.Account, serviceURL, logger)
	if err != nil {
		return nil, err
	}

	fs := &AzureBlob{
		account:       u.Account,
		container:     u.Container,
		client:        client.ServiceClient().NewContainerClient(u.Container),
		maxStreamSize: azureDefaultMaxStream,
		logger:        logger,
		writeMap:      make(map[string][]string),
	}
	fs.download = azureDefaultBlockSize
	fs.upload = azureDefaultBlockSize
	if n, ok := envBytes(envMaxStreamSize); ok {
		fs.maxStreamSize = int64(n)
	}

	if _, err := fs.client.GetProperties(context.Background(), nil); err != nil {
		return nil, pathErrorf(ErrNotFound, "azure blob fs only supports accessible and already existing containers; cannot access", u.Container, err)
	}
	fs.workingDir = cloudPath("", u.Path)
	return fs, nil
}

func azureServiceClient(account, serviceURL string, logger *zap.Logger) (*azblob.Client, error) {
	// A key or SAS token in the environment applies when AZURE_STORAGE_ACCOUNT
	// is unset or names the same account.
	envAccount := os.Getenv("AZURE_STORAGE_ACCOUNT")
	accountMatches := envAccount == "" || envAccount == account

	if key := os.Getenv("AZURE_STORAGE_KEY"); key != "" && accountMatches {
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return nil, pathErrorf(ErrAuth, "invalid shared key for account", account, err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, pathErrorf(ErrAuth, "cannot create azure client for", serviceURL, err)
		}
		return client, nil
	}
	if sas := os.Getenv("AZURE_STORAGE_SAS_TOKEN"); sas != "" && accountMatches {
		client, err := azblob.NewClientWithNoCredential(serviceURL+"?"+strings.TrimPrefix(sas, "?"), nil)
		if err != nil {
			return nil, pathErrorf(ErrAuth, "cannot create azure sas client for", serviceURL, err)
		}
		return client, nil
	}
	// Last resort: the azure CLI's cached login.
	logger.Info("no AZURE_STORAGE_KEY or AZURE_STORAGE_SAS_TOKEN in environment, trying azure CLI credential",
		zap.String("account", account))
	cred, err := azidentity.NewAzureCLICredential(nil)
	if err != nil {
		return nil, pathErrorf(ErrAuth, "could not get credentials for azure storage account", account, err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, pathErrorf(ErrAuth, "cannot create azure client for", serviceURL, err)
	}
	return client, nil
}

func (fs *AzureBlob) path(p string) string { return cloudPath(fs.workingDir, p) }

func (fs *AzureBlob) CurrentDir() string { return fs.workingDir }

func (fs *AzureBlob) SetWorkingDir(dir string) error {
	fs.workingDir = fs.path(dir)
	return nil
}

func (fs *AzureBlob) RealDir(dir string) (string, error) {
	if isURI(dir) {
		u, err := ParseAzureURI(dir)
		if err != nil {
			return "", err
		}
		if u.Account != fs.account || u.Container != fs.container {
			return "", pathError(ErrInvalidURI, "credentialed account does not match", dir)
		}
	}
	return fs.path(dir), nil
}

func (fs *AzureBlob) blobExists(path string) bool {
	_, err := fs.client.NewBlobClient(path).GetProperties(context.Background(), nil)
	return err == nil
}

func (fs *AzureBlob) IsDir(dir string) bool {
	path := fs.path(dir)
	if path == "" {
		// The container itself.
		return true
	}
	if fs.blobExists(Slashify(path)) {
		return true
	}
	// Non-hierarchical namespaces have no directory markers; probe for
	// children instead.
	one := int32(1)
	prefix := Slashify(path)
	pager := fs.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     &prefix,
		MaxResults: &one,
	})
	if pager.More() {
		resp, err := pager.NextPage(context.Background())
		if err == nil && len(resp.Segment.BlobItems) > 0 {
			return true
		}
	}
	return false
}

func (fs *AzureBlob) IsFile(file string) bool {
	return fs.blobExists(Unslashify(fs.path(file)))
}

// CreateDir is a no-op marker: object stores have no directories and IsDir
// answers through a child listing.
func (fs *AzureBlob) CreateDir(dir string) error {
	if fs.IsFile(dir) {
		return pathError(ErrAlreadyExists, "path already exists", dir)
	}
	return nil
}

func (fs *AzureBlob) DeleteDir(dir string) error {
	prefix := Slashify(fs.path(dir))
	pager := fs.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	countOp(azureBackend, "delete")
	var firstErr error
	for pager.More() {
		resp, err := pager.NextPage(context.Background())
		if err != nil {
			return pathErrorf(ErrIO, "cannot list for delete", dir, err)
		}
		for _, item := range resp.Segment.BlobItems {
			if _, err := fs.client.NewBlobClient(*item.Name).Delete(context.Background(), nil); err != nil {
				fs.logger.Warn("delete blob failed", zap.String("blob", *item.Name), zap.Error(err))
				if firstErr == nil {
					firstErr = pathErrorf(ErrIO, "cannot delete blob", *item.Name, err)
				}
			}
		}
	}
	return firstErr
}

func (fs *AzureBlob) GetDirs(dir string) ([]string, error) {
	prefix := Slashify(fs.path(dir))
	pager := fs.client.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &prefix})
	countOp(azureBackend, "list")
	var dirs []string
	for pager.More() {
		resp, err := pager.NextPage(context.Background())
		if err != nil {
			return nil, pathErrorf(ErrIO, "cannot list dirs under", dir, err)
		}
		for _, p := range resp.Segment.BlobPrefixes {
			dirs = append(dirs, Unslashify(*p.Name))
		}
	}
	return dirs, nil
}

func (fs *AzureBlob) GetFiles(dir string) ([]string, error) {
	prefix := Slashify(fs.path(dir))
	pager := fs.client.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &prefix})
	countOp(azureBackend, "list")
	var files []string
	for pager.More() {
		resp, err := pager.NextPage(context.Background())
		if err != nil {
			return nil, pathErrorf(ErrIO, "cannot list files under", dir, err)
		}
		for _, item := range resp.Segment.BlobItems {
			if !strings.HasSuffix(*item.Name, "/") {
				files = append(files, *item.Name)
			}
		}
	}
	return files, nil
}

func (fs *AzureBlob) CreateFile(filename string) error {
	if fs.IsFile(filename) {
		return pathError(ErrAlreadyExists, "cannot create path as it already exists", filename)
	}
	return fs.createEmptyBlob(fs.path(filename))
}

func (fs *AzureBlob) createEmptyBlob(path string) error {
	if _, err := fs.client.NewAppendBlobClient(path).Create(context.Background(), nil); err != nil {
		return pathErrorf(ErrIO, "could not create zero length file", path, err)
	}
	return nil
}

func (fs *AzureBlob) DeleteFile(filename string) error {
	if !fs.IsFile(filename) {
		return pathError(ErrNotFound, "cannot delete non-existent or non-file path", filename)
	}
	countOp(azureBackend, "delete")
	if _, err := fs.client.NewBlobClient(fs.path(filename)).Delete(context.Background(), nil); err != nil {
		return pathErrorf(ErrIO, "cannot delete blob", filename, err)
	}
	return nil
}

func (fs *AzureBlob) FileSize(filename string) (int64, error) {
	resp, err := fs.client.NewBlobClient(fs.path(filename)).GetProperties(context.Background(), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return -1, pathError(ErrNotFound, "no blob properties found for", filename)
		}
		return -1, pathErrorf(ErrIO, "cannot stat blob", filename, err)
	}
	if resp.ContentLength == nil {
		return -1, pathError(ErrIO, "no content length for", filename)
	}
	return *resp.ContentLength, nil
}

func (fs *AzureBlob) ReadFromFile(filename string, offset int64, buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}
	path := fs.path(filename)
	// Small reads stream in one request; larger ones fan out ranged
	// downloads.
	if int64(len(buffer)) <= fs.maxStreamSize {
		if err := fs.readRange(path, offset, buffer); err != nil {
			countErr(azureBackend, "read")
			return pathErrorf(ErrIO, "cannot read blob", filename, err)
		}
		countRead(azureBackend, len(buffer))
		return nil
	}
	chunk := int64(fs.DownloadBufferSize())
	if chunk <= 0 {
		chunk = azureDefaultBlockSize
	}
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(maxParallelism())
	for pos := int64(0); pos < int64(len(buffer)); pos += chunk {
		pos := pos
		end := pos + chunk
		if end > int64(len(buffer)) {
			end = int64(len(buffer))
		}
		g.Go(func() error {
			return fs.readRange(path, offset+pos, buffer[pos:end])
		})
	}
	if err := g.Wait(); err != nil {
		countErr(azureBackend, "read")
		return pathErrorf(ErrIO, "cannot read blob", filename, err)
	}
	countRead(azureBackend, len(buffer))
	return nil
}

func (fs *AzureBlob) readRange(path string, offset int64, buffer []byte) error {
	resp, err := fs.client.NewBlobClient(path).DownloadStream(context.Background(), &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: offset, Count: int64(len(buffer))},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.ReadFull(resp.Body, buffer)
	return err
}

// generateBlockIDs reserves num sequential base64 block ids for the blob,
// appending them to the blob's staged list.
func (fs *AzureBlob) generateBlockIDs(path string, num int) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	existing := len(fs.writeMap[path])
	if existing+num > azureMaxNumBlocks {
		return nil, pathError(ErrIO, fmt.Sprintf("block blobs cannot be comprised of more than %d blocks for", azureMaxNumBlocks), path)
	}
	ids := make([]string, 0, num)
	for i := existing; i < existing+num; i++ {
		raw := fmt.Sprintf("%012d", i)
		id := base64.StdEncoding.EncodeToString([]byte(raw))
		ids = append(ids, id)
	}
	fs.writeMap[path] = append(fs.writeMap[path], ids...)
	return ids, nil
}

func (fs *AzureBlob) WriteToFile(filename string, buffer []byte) error {
	path := fs.path(filename)
	if len(buffer) == 0 {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if !fs.blobExists(path) {
			return fs.createEmptyBlob(path)
		}
		return nil
	}
	if int64(len(buffer)) > int64(azureMaxNumBlocks)*azureMaxBlockSize {
		return pathError(ErrIO, "buffer size too large for azure upload to", path)
	}

	blockSize := int64(len(buffer)) / azureMaxNumBlocks
	blockSize = (blockSize + azureGrainSize - 1) / azureGrainSize * azureGrainSize
	if blockSize > azureMaxBlockSize {
		blockSize = azureMaxBlockSize
	}
	if blockSize < azureDefaultBlockSize {
		blockSize = azureDefaultBlockSize
	}
	numBlocks := int((int64(len(buffer)) + blockSize - 1) / blockSize)

	ids, err := fs.generateBlockIDs(path, numBlocks)
	if err != nil {
		return err
	}

	bb := fs.client.NewBlockBlobClient(path)
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(maxParallelism())
	for i := 0; i < numBlocks; i++ {
		i := i
		g.Go(func() error {
			start := int64(i) * blockSize
			end := start + blockSize
			if end > int64(len(buffer)) {
				end = int64(len(buffer))
			}
			body := streaming.NopCloser(bytes.NewReader(buffer[start:end]))
			_, err := bb.StageBlock(context.Background(), ids[i], body, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		countErr(azureBackend, "write")
		return pathErrorf(ErrIO, "cannot stage blocks for", path, err)
	}
	countWrite(azureBackend, len(buffer))
	return nil
}

// CloseFile commits the staged block list; the blob becomes visible whole
// only now.
func (fs *AzureBlob) CloseFile(filename string) error {
	path := fs.path(filename)
	fs.mu.Lock()
	ids, ok := fs.writeMap[path]
	if ok {
		delete(fs.writeMap, path)
	}
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	countOp(azureBackend, "commit")
	if _, err := fs.client.NewBlockBlobClient(path).CommitBlockList(context.Background(), ids, nil); err != nil {
		countErr(azureBackend, "commit")
		return pathErrorf(ErrIO, "could not commit path with put block list", path, err)
	}
	fs.logger.Debug("committed block blob", zap.String("blob", path), zap.Int("blocks", len(ids)))
	return nil
}

func (fs *AzureBlob) MovePath(oldPath, newPath string) error {
	return pathError(ErrUnsupported, "no support for moving path", oldPath)
}

// SyncPath is a no-op: object-store writes become visible on CloseFile.
func (fs *AzureBlob) SyncPath(path string) error { return nil }

func (fs *AzureBlob) LockingSupport() bool { return false }

func maxParallelism() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}
