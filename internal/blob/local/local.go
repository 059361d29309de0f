// Package local implements blob.Store over the filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/diskspace"
)

// Backend stores objects as files under Root, with Key mapped directly to a
// relative path. It implements blob.ChunkedDownloader since range reads on a
// local file need no special coordination.
type Backend struct {
	id   blob.BackendID
	root string
}

// New returns a local backend rooted at root. root must already exist.
func New(id blob.BackendID, root string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local: resolve root %q: %w", root, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("local: root %q is not a directory", abs)
	}
	return &Backend{id: id, root: abs}, nil
}

func (b *Backend) ID() blob.BackendID { return b.id }
func (b *Backend) Type() blob.Type    { return blob.TypeLocal }

func (b *Backend) path(key blob.Key) (string, error) {
	clean := filepath.Clean(string(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("local: key %q escapes backend root", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *Backend) Upload(ctx context.Context, key blob.Key, r io.Reader, size int64, opts blob.UploadOpts) error {
	target, err := b.path(key)
	if err != nil {
		return err
	}
	if err := diskspace.CheckAvailableSpace(target, size, 1.05); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("local: mkdir for %s: %w", key, err)
	}

	tmp := target + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("local: create %s: %w", key, err)
	}
	defer os.Remove(tmp)

	var written int64
	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return fmt.Errorf("local: write %s: %w", key, werr)
			}
			written += int64(n)
			if opts.Progress != nil {
				opts.Progress(written, size)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return fmt.Errorf("local: read source for %s: %w", key, readErr)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("local: close %s: %w", key, err)
	}
	return os.Rename(tmp, target)
}

func (b *Backend) Download(ctx context.Context, key blob.Key, opts blob.DownloadOpts) (io.ReadCloser, blob.ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, blob.ObjectInfo{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blob.ObjectInfo{}, blob.ErrNotExist
		}
		return nil, blob.ObjectInfo{}, fmt.Errorf("local: open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, blob.ObjectInfo{}, fmt.Errorf("local: stat %s: %w", key, err)
	}

	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, blob.ObjectInfo{}, fmt.Errorf("local: seek %s: %w", key, err)
		}
	}

	var reader io.Reader = f
	if opts.Length > 0 {
		reader = io.LimitReader(f, opts.Length)
	}

	oi := blob.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}
	return &readCloser{Reader: reader, closer: f}, oi, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readCloser) Close() error { return r.closer.Close() }

func (b *Backend) Delete(ctx context.Context, key blob.Key) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) DeleteBatch(ctx context.Context, keys []blob.Key) map[blob.Key]error {
	return blob.DeleteBatchKeys(ctx, keys, blob.MinBatchConcurrency, b.Delete)
}

func (b *Backend) Exists(ctx context.Context, key blob.Key) (bool, blob.ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return false, blob.ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, blob.ObjectInfo{}, nil
		}
		return false, blob.ObjectInfo{}, fmt.Errorf("local: stat %s: %w", key, err)
	}
	return true, blob.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// URL is unsupported: local backends have no network-addressable form.
func (b *Backend) URL(ctx context.Context, key blob.Key, expiry time.Duration) (string, bool, error) {
	return "", false, nil
}

func (b *Backend) Move(ctx context.Context, src, dst blob.Key) error {
	srcPath, err := b.path(src)
	if err != nil {
		return err
	}
	dstPath, err := b.path(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("local: mkdir for move dst %s: %w", dst, err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		if os.IsNotExist(err) {
			return blob.ErrNotExist
		}
		return fmt.Errorf("local: move %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (b *Backend) MoveBatch(ctx context.Context, moves map[blob.Key]blob.Key) map[blob.Key]error {
	return blob.MoveBatchKeys(ctx, moves, blob.MinBatchConcurrency, b.Move)
}

func (b *Backend) Stats(ctx context.Context) (blob.Stats, error) {
	free := diskspace.GetAvailableSpace(b.root)
	var used int64
	var count int64
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()
		count++
		return nil
	})
	if err != nil {
		return blob.Stats{}, fmt.Errorf("local: walk %s: %w", b.root, err)
	}
	return blob.Stats{
		BackendID:   b.id,
		Type:        blob.TypeLocal,
		UsedBytes:   used,
		FreeBytes:   free,
		ObjectCount: count,
	}, nil
}

// DownloadRange and Size satisfy blob.ChunkedDownloader.
func (b *Backend) DownloadRange(ctx context.Context, key blob.Key, offset, length int64) (io.ReadCloser, error) {
	rc, _, err := b.Download(ctx, key, blob.DownloadOpts{Offset: offset, Length: length})
	return rc, err
}

func (b *Backend) Size(ctx context.Context, key blob.Key) (int64, error) {
	_, info, err := b.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if info.Key == "" {
		return 0, blob.ErrNotExist
	}
	return info.Size, nil
}

var _ blob.ChunkedDownloader = (*Backend)(nil)
