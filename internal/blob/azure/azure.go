// Package azure implements blob.Store against Azure Blob Storage using a
// shared-key credential and SAS-scoped URLs.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	gblob "github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/netretry"
)

// Options configures a Backend.
type Options struct {
	AccountURL    string // e.g. https://<account>.blob.core.windows.net
	AccountName   string
	AccountKey    string
	ContainerName string
	Prefix        string
	Retry         netretry.Config
}

// Backend adapts an azblob container client to blob.Store.
type Backend struct {
	id       gblob.BackendID
	prefix   string
	client   *azblob.Client
	cred     *azblob.SharedKeyCredential
	account  string
	container string
	retryCfg netretry.Config
}

// New builds a Backend from Options using a shared-key credential to sign its
// own SAS URLs.
func New(id gblob.BackendID, opts Options) (*Backend, error) {
	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: shared key credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(opts.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: new client: %w", err)
	}

	retryCfg := opts.Retry
	if retryCfg.MaxRetries == 0 {
		retryCfg = netretry.DefaultConfig()
	}

	return &Backend{
		id:        id,
		prefix:    opts.Prefix,
		client:    client,
		cred:      cred,
		account:   opts.AccountName,
		container: opts.ContainerName,
		retryCfg:  retryCfg,
	}, nil
}

func (b *Backend) ID() gblob.BackendID { return b.id }
func (b *Backend) Type() gblob.Type    { return gblob.TypeAzure }

func (b *Backend) blobName(key gblob.Key) string {
	if b.prefix == "" {
		return string(key)
	}
	return b.prefix + "/" + string(key)
}

func (b *Backend) do(ctx context.Context, op func() error) error {
	return netretry.Do(ctx, b.retryCfg, op)
}

func (b *Backend) Upload(ctx context.Context, key gblob.Key, r io.Reader, size int64, opts gblob.UploadOpts) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("azure: read source for %s: %w", key, err)
	}
	uploaded := int64(0)
	return b.do(ctx, func() error {
		_, err := b.client.UploadBuffer(ctx, b.container, b.blobName(key), data, &azblob.UploadBufferOptions{})
		if err == nil && opts.Progress != nil {
			uploaded = int64(len(data))
			opts.Progress(uploaded, size)
		}
		return err
	})
}

func (b *Backend) Download(ctx context.Context, key gblob.Key, opts gblob.DownloadOpts) (io.ReadCloser, gblob.ObjectInfo, error) {
	var resp azblob.DownloadStreamResponse
	downloadOpts := &azblob.DownloadStreamOptions{}
	if opts.Offset > 0 || opts.Length > 0 {
		length := opts.Length
		downloadOpts.Range = blob.HTTPRange{Offset: opts.Offset, Count: length}
	}
	err := b.do(ctx, func() error {
		var opErr error
		resp, opErr = b.client.DownloadStream(ctx, b.container, b.blobName(key), downloadOpts)
		return mapNotFound(opErr)
	})
	if err != nil {
		return nil, gblob.ObjectInfo{}, err
	}

	oi := gblob.ObjectInfo{Key: key}
	if resp.ContentLength != nil {
		oi.Size = *resp.ContentLength
	}
	if resp.ETag != nil {
		oi.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		oi.LastModified = *resp.LastModified
	}
	return resp.Body, oi, nil
}

func (b *Backend) Delete(ctx context.Context, key gblob.Key) error {
	return b.do(ctx, func() error {
		_, err := b.client.DeleteBlob(ctx, b.container, b.blobName(key), nil)
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

func (b *Backend) DeleteBatch(ctx context.Context, keys []gblob.Key) map[gblob.Key]error {
	return gblob.DeleteBatchKeys(ctx, keys, gblob.MinBatchConcurrency, b.Delete)
}

func (b *Backend) Exists(ctx context.Context, key gblob.Key) (bool, gblob.ObjectInfo, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.blobName(key))
	var props blob.GetPropertiesResponse
	err := b.do(ctx, func() error {
		var opErr error
		props, opErr = blobClient.GetProperties(ctx, nil)
		return mapNotFound(opErr)
	})
	if err != nil {
		if err == gblob.ErrNotExist {
			return false, gblob.ObjectInfo{}, nil
		}
		return false, gblob.ObjectInfo{}, err
	}
	oi := gblob.ObjectInfo{Key: key}
	if props.ContentLength != nil {
		oi.Size = *props.ContentLength
	}
	if props.ETag != nil {
		oi.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		oi.LastModified = *props.LastModified
	}
	return true, oi, nil
}

func (b *Backend) URL(ctx context.Context, key gblob.Key, expiry time.Duration) (string, bool, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.blobName(key))
	start := time.Now().Add(-5 * time.Minute)
	expiresOn := time.Now().Add(expiry)
	permissions := sas.BlobPermissions{Read: true}
	url, err := blobClient.GetSASURL(permissions, expiresOn, &blob.GetSASURLOptions{StartTime: &start})
	if err != nil {
		return "", false, fmt.Errorf("azure: sas url for %s: %w", key, err)
	}
	return url, true, nil
}

func (b *Backend) Move(ctx context.Context, src, dst gblob.Key) error {
	srcClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.blobName(src))
	dstClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlockBlobClient(b.blobName(dst))

	srcURL, ok, err := b.URL(ctx, src, time.Hour)
	if err != nil || !ok {
		return fmt.Errorf("azure: signing copy source %s: %w", src, err)
	}

	err = b.do(ctx, func() error {
		_, copyErr := dstClient.UploadBlobFromURL(ctx, srcURL, nil)
		return copyErr
	})
	if err != nil {
		return fmt.Errorf("azure: copy %s -> %s: %w", src, dst, err)
	}
	_ = srcClient
	return b.Delete(ctx, src)
}

func (b *Backend) MoveBatch(ctx context.Context, moves map[gblob.Key]gblob.Key) map[gblob.Key]error {
	return gblob.MoveBatchKeys(ctx, moves, gblob.MinBatchConcurrency, b.Move)
}

func (b *Backend) Stats(ctx context.Context) (gblob.Stats, error) {
	var used, count int64
	containerClient := b.client.ServiceClient().NewContainerClient(b.container)
	pager := containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: to.Ptr(b.prefix)})
	for pager.More() {
		var page container.ListBlobsFlatResponse
		err := b.do(ctx, func() error {
			var opErr error
			page, opErr = pager.NextPage(ctx)
			return opErr
		})
		if err != nil {
			return gblob.Stats{}, fmt.Errorf("azure: list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Properties != nil && item.Properties.ContentLength != nil {
				used += *item.Properties.ContentLength
			}
			count++
		}
	}
	return gblob.Stats{BackendID: b.id, Type: gblob.TypeAzure, UsedBytes: used, ObjectCount: count}, nil
}

func (b *Backend) DownloadRange(ctx context.Context, key gblob.Key, offset, length int64) (io.ReadCloser, error) {
	rc, _, err := b.Download(ctx, key, gblob.DownloadOpts{Offset: offset, Length: length})
	return rc, err
}

func (b *Backend) Size(ctx context.Context, key gblob.Key) (int64, error) {
	_, info, err := b.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if info.Key == "" {
		return 0, gblob.ErrNotExist
	}
	return info.Size, nil
}

func isNotFound(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("BlobNotFound"))
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return gblob.ErrNotExist
	}
	return err
}

var _ gblob.ChunkedDownloader = (*Backend)(nil)
