// Package clouddrive implements blob.Store against a consumer cloud drive's
// OAuth2-authenticated REST API (the open API shape aliyunpan-style
// providers expose: session + user-info + drive-id indirection in front of
// every file operation, SHA-1 rapid-upload, and per-part upload URLs).
// Token refresh is single-flighted behind a mutex and, when Options.Locker
// is set, additionally behind a Redis distlock shared across replicas.
package clouddrive

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/distlock"
	"github.com/pixelforge/gallery-core/internal/netretry"
	"github.com/pixelforge/gallery-core/internal/ratelimit"
)

// Options configures a Backend.
type Options struct {
	APIBaseURL  string // e.g. https://openapi.example-drive.com
	DriveKind   string // which drive to select from user info, e.g. "resource" or "backup"
	FolderPath  string // base directory (created if missing) this backend is scoped under
	TokenSource oauth2.TokenSource
	Retry       netretry.Config
	// RatePerSecond/BurstSize configure the outbound token-bucket throttle
	// against the provider's API, matching the shape of its own rate limit.
	// Zero RatePerSecond disables throttling.
	RatePerSecond float64
	BurstSize     float64
	// Locker, when set, serializes token refresh across every gallery-server
	// replica sharing this backend's refresh token, so a fleet of replicas
	// doesn't each race the provider's token endpoint on expiry.
	Locker *distlock.Lock
	// IllegalURLPrefix, when set, flags any resolved download URL with this
	// prefix as corrupt rather than fetching it; the provider uses this
	// prefix to mark resources pulled for abuse review.
	IllegalURLPrefix string
	// ChunkSize and Concurrency size the streaming chunk reader used for
	// downloads above the threshold; both default if zero.
	ChunkSize   int64
	Concurrency int
}

// Backend talks to a consumer cloud drive's REST API over HTTP, treating
// blob.Key as a slash-separated path under a resolved drive + base folder.
type Backend struct {
	id        blob.BackendID
	baseURL   string
	driveKind string
	client    *retryablehttp.Client

	tokenMu sync.Mutex
	tokens  oauth2.TokenSource
	current *oauth2.Token
	locker  *distlock.Lock
	limiter *ratelimit.RateLimiter

	sessionID        string
	driveID          string
	baseFolderPath   string
	illegalURLPrefix string
	chunkSize        int64
	concurrency      int

	retryCfg netretry.Config

	resumeMu sync.Mutex
	resume   map[blob.Key]uploadResumeState
}

// uploadResumeState records progress of a partially-completed multi-part
// upload so a retried Upload call for the same key skips parts already
// acknowledged by the provider instead of restarting the whole transfer.
type uploadResumeState struct {
	uploadID      string
	fileID        string
	nextPartIndex int
}

// New builds a Backend, running the provider's construction sequence:
// exchange the refresh token for an access token, open a session, fetch the
// account's user info to learn its drive ids, select the requested drive
// (erroring if DriveKind isn't present), and ensure the base folder exists.
func New(ctx context.Context, id blob.BackendID, opts Options) (*Backend, error) {
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = 0 // our own netretry drives the outer retry loop

	retryCfg := opts.Retry
	if retryCfg.MaxRetries == 0 {
		retryCfg = netretry.DefaultConfig()
	}

	var limiter *ratelimit.RateLimiter
	if opts.RatePerSecond > 0 {
		burst := opts.BurstSize
		if burst <= 0 {
			burst = opts.RatePerSecond
		}
		limiter = ratelimit.NewRateLimiter(opts.RatePerSecond, burst)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = blob.DefaultChunkSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	b := &Backend{
		id:               id,
		baseURL:          strings.TrimSuffix(opts.APIBaseURL, "/"),
		driveKind:        opts.DriveKind,
		client:           httpClient,
		tokens:           opts.TokenSource,
		locker:           opts.Locker,
		limiter:          limiter,
		baseFolderPath:   normalizeFolderPath(opts.FolderPath),
		illegalURLPrefix: opts.IllegalURLPrefix,
		chunkSize:        chunkSize,
		concurrency:      concurrency,
		retryCfg:         retryCfg,
		resume:           make(map[blob.Key]uploadResumeState),
	}

	if _, err := b.accessToken(ctx); err != nil {
		return nil, fmt.Errorf("clouddrive: initial token exchange: %w", err)
	}

	sessionID, err := b.createSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("clouddrive: create session: %w", err)
	}
	b.sessionID = sessionID

	driveID, err := b.selectDrive(ctx, opts.DriveKind)
	if err != nil {
		return nil, err
	}
	b.driveID = driveID

	if err := b.ensureBaseFolder(ctx); err != nil {
		return nil, fmt.Errorf("clouddrive: ensure base folder %q: %w", b.baseFolderPath, err)
	}

	return b, nil
}

func normalizeFolderPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p
}

func (b *Backend) ID() blob.BackendID { return b.id }
func (b *Backend) Type() blob.Type    { return blob.TypeCloudDrive }

// accessToken returns a valid bearer token, refreshing via the configured
// TokenSource if the cached one is stale. A process-local mutex keeps
// concurrent callers in this process from each triggering a refresh; when
// Locker is configured, the refresh itself is additionally held behind a
// cross-process Redis lock so a multi-replica deployment refreshes once.
func (b *Backend) accessToken(ctx context.Context) (string, error) {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()

	if b.current != nil && b.current.Valid() {
		return b.current.AccessToken, nil
	}

	refresh := func(ctx context.Context) error {
		tok, err := b.tokens.Token()
		if err != nil {
			return fmt.Errorf("clouddrive: refresh token: %w", err)
		}
		b.current = tok
		return nil
	}

	var err error
	if b.locker != nil {
		err = b.locker.WithLock(ctx, "clouddrive-token:"+string(b.id), refresh)
	} else {
		err = refresh(ctx)
	}
	if err != nil {
		return "", err
	}
	return b.current.AccessToken, nil
}

func (b *Backend) newRequest(ctx context.Context, method, path string, body io.Reader) (*retryablehttp.Request, error) {
	token, err := b.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if b.sessionID != "" {
		req.Header.Set("X-Session-Id", b.sessionID)
	}
	return req, nil
}

func (b *Backend) postJSON(ctx context.Context, path string, reqBody, out any) error {
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("clouddrive: marshal request for %s: %w", path, err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusToErr(resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("clouddrive: read response for %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("clouddrive: decode response for %s: %w", path, err)
	}
	return nil
}

func (b *Backend) getJSON(ctx context.Context, path string, out any) error {
	req, err := b.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusToErr(resp.StatusCode); err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("clouddrive: read response for %s: %w", path, err)
	}
	return json.Unmarshal(data, out)
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (b *Backend) createSession(ctx context.Context) (string, error) {
	var resp createSessionResponse
	if err := b.do(ctx, func() error {
		return b.postJSON(ctx, "/v1/user/session", struct{}{}, &resp)
	}); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

type userInfoResponse struct {
	UserID  string            `json:"user_id"`
	DriveID string            `json:"default_drive_id"`
	Drives  map[string]string `json:"drive_ids"` // kind -> drive id, e.g. {"resource": "...", "backup": "..."}
}

// selectDrive fetches user info and returns the drive id for kind, or the
// account's default drive if kind is empty. Errors if the result is empty:
// a cloud-drive backend with no resolvable drive id cannot address any file.
func (b *Backend) selectDrive(ctx context.Context, kind string) (string, error) {
	var info userInfoResponse
	if err := b.do(ctx, func() error {
		return b.getJSON(ctx, "/v1/user/info", &info)
	}); err != nil {
		return "", fmt.Errorf("clouddrive: fetch user info: %w", err)
	}

	driveID := info.DriveID
	if kind != "" {
		driveID = info.Drives[kind]
	}
	if driveID == "" {
		return "", fmt.Errorf("clouddrive: drive %q not present in user info for this account", kind)
	}
	return driveID, nil
}

type fileMeta struct {
	FileID   string `json:"file_id"`
	ParentID string `json:"parent_file_id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "file" | "folder"
	Size     int64  `json:"size"`
}

type getByPathResponse struct {
	Items []fileMeta `json:"items"`
}

// ensureBaseFolder walks baseFolderPath component by component, creating any
// missing segment, so every subsequent operation can address files relative
// to a confirmed-present root.
func (b *Backend) ensureBaseFolder(ctx context.Context) error {
	_, err := b.ensureFolderPath(ctx, b.baseFolderPath)
	return err
}

func (b *Backend) ensureFolderPath(ctx context.Context, path string) (string, error) {
	parentID := "root"
	if path == "/" {
		return parentID, nil
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, name := range segments {
		existing, err := b.findChild(ctx, parentID, name)
		if err != nil {
			return "", err
		}
		if existing != "" {
			parentID = existing
			continue
		}
		created, err := b.createFolder(ctx, parentID, name)
		if err != nil {
			return "", err
		}
		parentID = created
	}
	return parentID, nil
}

func (b *Backend) findChild(ctx context.Context, parentID, name string) (string, error) {
	var resp getByPathResponse
	reqBody := map[string]string{"drive_id": b.driveID, "parent_file_id": parentID, "name": name}
	if err := b.do(ctx, func() error {
		return b.postJSON(ctx, "/v1/file/list", reqBody, &resp)
	}); err != nil {
		return "", err
	}
	for _, item := range resp.Items {
		if item.Name == name {
			return item.FileID, nil
		}
	}
	return "", nil
}

func (b *Backend) createFolder(ctx context.Context, parentID, name string) (string, error) {
	var resp fileMeta
	reqBody := map[string]string{
		"drive_id": b.driveID, "parent_file_id": parentID, "name": name,
		"type": "folder", "check_name_mode": "refuse",
	}
	if err := b.do(ctx, func() error {
		return b.postJSON(ctx, "/v1/file/create", reqBody, &resp)
	}); err != nil {
		return "", err
	}
	return resp.FileID, nil
}

// resolveFile walks key (a slash-separated path under the base folder) to
// its file id and size, without fetching content.
func (b *Backend) resolveFile(ctx context.Context, key blob.Key) (fileMeta, error) {
	parentID, err := b.ensureFolderPath(ctx, b.baseFolderPath)
	if err != nil {
		return fileMeta{}, err
	}
	segments := strings.Split(strings.Trim(string(key), "/"), "/")
	for i, name := range segments {
		last := i == len(segments)-1
		var resp getByPathResponse
		reqBody := map[string]string{"drive_id": b.driveID, "parent_file_id": parentID, "name": name}
		if err := b.do(ctx, func() error {
			return b.postJSON(ctx, "/v1/file/list", reqBody, &resp)
		}); err != nil {
			return fileMeta{}, err
		}
		found := ""
		var meta fileMeta
		for _, item := range resp.Items {
			if item.Name == name {
				found = item.FileID
				meta = item
				continue
			}
		}
		if found == "" {
			return fileMeta{}, blob.ErrNotExist
		}
		if last {
			return meta, nil
		}
		parentID = found
	}
	return fileMeta{}, blob.ErrNotExist
}

func (b *Backend) do(ctx context.Context, op func() error) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return netretry.Do(ctx, b.retryCfg, op)
}

type createUploadRequest struct {
	DriveID       string `json:"drive_id"`
	ParentFileID  string `json:"parent_file_id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Size          int64  `json:"size"`
	ContentHash   string `json:"content_hash,omitempty"`
	HashName      string `json:"content_hash_name,omitempty"`
	CheckNameMode string `json:"check_name_mode"`
}

type partInfo struct {
	PartNumber int    `json:"part_number"`
	UploadURL  string `json:"upload_url"`
}

type createUploadResponse struct {
	FileID           string     `json:"file_id"`
	UploadID         string     `json:"upload_id"`
	RapidUpload      bool       `json:"rapid_upload"`
	NeedRapidProof   bool       `json:"need_rapid_proof"`
	PartInfoList     []partInfo `json:"part_info_list"`
	ProviderPartSize int64      `json:"part_size"`
}

// Upload computes the payload's SHA-1, negotiates an upload session against
// the provider (rapid-upload short-circuit when the hash already matches a
// blob the provider holds), and otherwise uploads each part to its signed
// URL before issuing the completion call. A process-local resume record
// lets a retried call for the same key skip parts already acknowledged.
func (b *Backend) Upload(ctx context.Context, key blob.Key, r io.Reader, size int64, opts blob.UploadOpts) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("clouddrive: read source for %s: %w", key, err)
	}
	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])

	parentID, err := b.ensureFolderPath(ctx, parentPath(b.baseFolderPath, key))
	if err != nil {
		return fmt.Errorf("clouddrive: ensure parent folder for %s: %w", key, err)
	}
	name := baseName(key)

	create, err := b.negotiateUpload(ctx, parentID, name, int64(len(data)), hash)
	if err != nil {
		return err
	}
	if create.RapidUpload {
		b.clearResumeState(key)
		return nil
	}

	partSize := create.ProviderPartSize
	if partSize <= 0 {
		partSize = b.chunkSize
	}

	resumeFrom := b.resumeStartIndex(key, create.UploadID, create.FileID)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = blob.SniffContentType(key)
	}

	for _, part := range create.PartInfoList {
		if part.PartNumber < resumeFrom {
			continue
		}
		start := int64(part.PartNumber-1) * partSize
		end := start + partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := data[start:end]

		if err := b.do(ctx, func() error {
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, part.UploadURL, newCountingReader(chunk, opts.Progress))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", contentType)
			resp, err := b.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return statusToErr(resp.StatusCode)
		}); err != nil {
			b.saveResumeState(key, create.UploadID, create.FileID, part.PartNumber)
			return fmt.Errorf("clouddrive: upload part %d for %s: %w", part.PartNumber, key, err)
		}
	}

	if err := b.completeUpload(ctx, create.FileID, create.UploadID); err != nil {
		return err
	}
	b.clearResumeState(key)
	return nil
}

// negotiateUpload requests an upload session with the hash attached; if the
// provider signals it needs proof of possession before granting a rapid
// upload, it retries once with the hash fields cleared, forcing a full part
// upload instead.
func (b *Backend) negotiateUpload(ctx context.Context, parentID, name string, size int64, hash string) (createUploadResponse, error) {
	var resp createUploadResponse
	reqBody := createUploadRequest{
		DriveID: b.driveID, ParentFileID: parentID, Name: name, Type: "file",
		Size: size, ContentHash: hash, HashName: "sha1", CheckNameMode: "auto_rename",
	}
	err := b.do(ctx, func() error {
		if err := b.postJSON(ctx, "/v1/file/upload/create", reqBody, &resp); err != nil {
			return err
		}
		if resp.NeedRapidProof {
			reqBody.ContentHash = ""
			reqBody.HashName = ""
			if err := b.postJSON(ctx, "/v1/file/upload/create", reqBody, &resp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return createUploadResponse{}, fmt.Errorf("clouddrive: create upload session for %q: %w", name, err)
	}
	return resp, nil
}

func (b *Backend) completeUpload(ctx context.Context, fileID, uploadID string) error {
	reqBody := map[string]string{"drive_id": b.driveID, "file_id": fileID, "upload_id": uploadID}
	return b.do(ctx, func() error {
		return b.postJSON(ctx, "/v1/file/upload/complete", reqBody, nil)
	})
}

func (b *Backend) resumeStartIndex(key blob.Key, uploadID, fileID string) int {
	b.resumeMu.Lock()
	defer b.resumeMu.Unlock()
	st, ok := b.resume[key]
	if !ok || st.uploadID != uploadID || st.fileID != fileID {
		return 1
	}
	return st.nextPartIndex
}

func (b *Backend) saveResumeState(key blob.Key, uploadID, fileID string, failedPart int) {
	b.resumeMu.Lock()
	defer b.resumeMu.Unlock()
	b.resume[key] = uploadResumeState{uploadID: uploadID, fileID: fileID, nextPartIndex: failedPart}
}

func (b *Backend) clearResumeState(key blob.Key) {
	b.resumeMu.Lock()
	defer b.resumeMu.Unlock()
	delete(b.resume, key)
}

func parentPath(base string, key blob.Key) string {
	idx := strings.LastIndex(string(key), "/")
	if idx < 0 {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + string(key)[:idx]
}

func baseName(key blob.Key) string {
	idx := strings.LastIndex(string(key), "/")
	if idx < 0 {
		return string(key)
	}
	return string(key)[idx+1:]
}

type countingReader struct {
	r   io.Reader
	n   int64
	cb  blob.ProgressFunc
	tot int64
}

func newCountingReader(data []byte, cb blob.ProgressFunc) *countingReader {
	return &countingReader{r: bytes.NewReader(data), cb: cb, tot: int64(len(data))}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.cb != nil {
			c.cb(c.n, c.tot)
		}
	}
	return n, err
}

type getDownloadURLResponse struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// resolveDownload resolves key to a file id, then to a time-limited download
// URL, rejecting any URL flagged with the provider's illegal-resource prefix.
func (b *Backend) resolveDownload(ctx context.Context, key blob.Key) (getDownloadURLResponse, error) {
	meta, err := b.resolveFile(ctx, key)
	if err != nil {
		return getDownloadURLResponse{}, err
	}

	var resp getDownloadURLResponse
	reqBody := map[string]string{"drive_id": b.driveID, "file_id": meta.FileID}
	if err := b.do(ctx, func() error {
		return b.postJSON(ctx, "/v1/file/download_url", reqBody, &resp)
	}); err != nil {
		return getDownloadURLResponse{}, fmt.Errorf("clouddrive: fetch download url for %s: %w", key, err)
	}
	if resp.Size == 0 {
		resp.Size = meta.Size
	}
	if b.illegalURLPrefix != "" && strings.HasPrefix(resp.URL, b.illegalURLPrefix) {
		return getDownloadURLResponse{}, fmt.Errorf("clouddrive: download url for %s flagged illegal: %w", key, netretry.ErrCorruptResponse)
	}
	return resp, nil
}

func (b *Backend) fetchRange(ctx context.Context, downloadURL string, offset, length int64) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := b.do(ctx, func() error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return err
		}
		if offset > 0 || length > 0 {
			if length > 0 {
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
			} else {
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
			}
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return blob.ErrNotExist
		}
		if err := statusToErr(resp.StatusCode); err != nil {
			resp.Body.Close()
			return err
		}
		body = resp.Body
		return nil
	})
	return body, err
}

// Download resolves key to a signed URL and streams it directly when the
// object is at or below chunk-size threshold (or a specific range was
// requested); larger whole-object downloads go through the streaming chunk
// reader (concurrent.go) for throughput.
func (b *Backend) Download(ctx context.Context, key blob.Key, opts blob.DownloadOpts) (io.ReadCloser, blob.ObjectInfo, error) {
	resolved, err := b.resolveDownload(ctx, key)
	if err != nil {
		return nil, blob.ObjectInfo{}, err
	}
	info := blob.ObjectInfo{Key: key, Size: resolved.Size}

	if opts.Offset > 0 || opts.Length > 0 {
		rc, err := b.fetchRange(ctx, resolved.URL, opts.Offset, opts.Length)
		return rc, info, err
	}
	if resolved.Size <= b.chunkSize {
		rc, err := b.fetchRange(ctx, resolved.URL, 0, 0)
		return rc, info, err
	}

	rc, err := blob.DownloadConcurrent(ctx, b, key, b.concurrency, b.chunkSize)
	return rc, info, err
}

// DownloadRange and Size satisfy blob.ChunkedDownloader, each resolving a
// fresh signed URL since the provider's download links are short-lived.
func (b *Backend) DownloadRange(ctx context.Context, key blob.Key, offset, length int64) (io.ReadCloser, error) {
	resolved, err := b.resolveDownload(ctx, key)
	if err != nil {
		return nil, err
	}
	return b.fetchRange(ctx, resolved.URL, offset, length)
}

func (b *Backend) Size(ctx context.Context, key blob.Key) (int64, error) {
	meta, err := b.resolveFile(ctx, key)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

func (b *Backend) Delete(ctx context.Context, key blob.Key) error {
	meta, err := b.resolveFile(ctx, key)
	if err != nil {
		if err == blob.ErrNotExist {
			return nil
		}
		return err
	}
	return b.do(ctx, func() error {
		reqBody := map[string]string{"drive_id": b.driveID, "file_id": meta.FileID}
		return b.postJSON(ctx, "/v1/file/delete", reqBody, nil)
	})
}

func (b *Backend) DeleteBatch(ctx context.Context, keys []blob.Key) map[blob.Key]error {
	return blob.DeleteBatchKeys(ctx, keys, blob.MinBatchConcurrency, b.Delete)
}

func (b *Backend) Exists(ctx context.Context, key blob.Key) (bool, blob.ObjectInfo, error) {
	meta, err := b.resolveFile(ctx, key)
	if err != nil {
		if err == blob.ErrNotExist {
			return false, blob.ObjectInfo{}, nil
		}
		return false, blob.ObjectInfo{}, err
	}
	return true, blob.ObjectInfo{Key: key, Size: meta.Size}, nil
}

// URL returns a provider download link good for 4 hours, the lifetime the
// provider's download_url endpoint issues by default.
func (b *Backend) URL(ctx context.Context, key blob.Key, expiry time.Duration) (string, bool, error) {
	resolved, err := b.resolveDownload(ctx, key)
	if err != nil {
		return "", false, err
	}
	return resolved.URL, true, nil
}

// CloudDriveURLExpiry is the lifetime of a URL() result: the provider's
// download link endpoint does not accept a caller-chosen expiry.
const CloudDriveURLExpiry = 4 * time.Hour

func (b *Backend) Move(ctx context.Context, src, dst blob.Key) error {
	meta, err := b.resolveFile(ctx, src)
	if err != nil {
		return err
	}
	dstParentID, err := b.ensureFolderPath(ctx, parentPath(b.baseFolderPath, dst))
	if err != nil {
		return fmt.Errorf("clouddrive: ensure parent folder for move dst %s: %w", dst, err)
	}
	return b.do(ctx, func() error {
		reqBody := map[string]string{
			"drive_id": b.driveID, "file_id": meta.FileID,
			"to_parent_file_id": dstParentID, "new_name": baseName(dst),
		}
		return b.postJSON(ctx, "/v1/file/move", reqBody, nil)
	})
}

func (b *Backend) MoveBatch(ctx context.Context, moves map[blob.Key]blob.Key) map[blob.Key]error {
	return blob.MoveBatchKeys(ctx, moves, blob.MinBatchConcurrency, b.Move)
}

type quotaResponse struct {
	UsedSize  int64 `json:"used_size"`
	TotalSize int64 `json:"total_size"`
}

// Stats asks the drive's quota endpoint for usage; object count isn't
// exposed per-folder by this class of API, so ObjectCount is left at 0.
func (b *Backend) Stats(ctx context.Context) (blob.Stats, error) {
	var resp quotaResponse
	err := b.do(ctx, func() error {
		reqBody := map[string]string{"drive_id": b.driveID}
		return b.postJSON(ctx, "/v1/user/quota", reqBody, &resp)
	})
	if err != nil {
		return blob.Stats{}, err
	}
	return blob.Stats{
		BackendID: b.id,
		Type:      blob.TypeCloudDrive,
		UsedBytes: resp.UsedSize,
		FreeBytes: resp.TotalSize - resp.UsedSize,
	}, nil
}

func statusToErr(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	if code == http.StatusNotFound {
		return blob.ErrNotExist
	}
	return fmt.Errorf("clouddrive: unexpected status %d", code)
}

var _ blob.ChunkedDownloader = (*Backend)(nil)
