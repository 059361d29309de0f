package clouddrive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pixelforge/gallery-core/internal/blob"
	"github.com/pixelforge/gallery-core/internal/netretry"
)

// fakeDrive is a minimal in-memory stand-in for the provider's REST API,
// enough to drive New's construction sequence and the file/upload/download
// operations the Backend issues against it.
type fakeDrive struct {
	mu       sync.Mutex
	nextID   int
	children map[string]map[string]string // parentID -> name -> fileID
	sizes    map[string]int64

	driveID         string
	uploadBehavior  func(req createUploadRequest) createUploadResponse
	downloadURL     func(fileID string) string
	illegalPrefix   string
	uploadedPartsMu sync.Mutex
	uploadedParts   []int
	fileContent     string
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		children: map[string]map[string]string{"root": {}},
		sizes:    map[string]int64{},
		driveID:  "drive-1",
	}
}

func (d *fakeDrive) newID() string {
	d.nextID++
	return "node-" + strconv.Itoa(d.nextID)
}

func (d *fakeDrive) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/user/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createSessionResponse{SessionID: "sess-1"})
	})

	mux.HandleFunc("/v1/user/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(userInfoResponse{
			UserID:  "u1",
			DriveID: d.driveID,
			Drives:  map[string]string{"resource": d.driveID},
		})
	})

	mux.HandleFunc("/v1/file/list", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		defer d.mu.Unlock()
		kids := d.children[req["parent_file_id"]]
		var items []fileMeta
		if id, ok := kids[req["name"]]; ok {
			items = append(items, fileMeta{FileID: id, ParentID: req["parent_file_id"], Name: req["name"], Type: "file", Size: d.sizes[id]})
		}
		json.NewEncoder(w).Encode(getByPathResponse{Items: items})
	})

	mux.HandleFunc("/v1/file/create", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		id := d.newID()
		if d.children[id] == nil {
			d.children[id] = map[string]string{}
		}
		if d.children[req["parent_file_id"]] == nil {
			d.children[req["parent_file_id"]] = map[string]string{}
		}
		d.children[req["parent_file_id"]][req["name"]] = id
		d.mu.Unlock()
		json.NewEncoder(w).Encode(fileMeta{FileID: id, Name: req["name"], Type: req["type"]})
	})

	mux.HandleFunc("/v1/file/upload/create", func(w http.ResponseWriter, r *http.Request) {
		var req createUploadRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := d.uploadBehavior(req)
		if resp.FileID != "" {
			d.mu.Lock()
			if d.children[req.ParentFileID] == nil {
				d.children[req.ParentFileID] = map[string]string{}
			}
			d.children[req.ParentFileID][req.Name] = resp.FileID
			d.sizes[resp.FileID] = req.Size
			d.mu.Unlock()
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/v1/file/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	mux.HandleFunc("/v1/file/download_url", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(getDownloadURLResponse{URL: d.downloadURL(req["file_id"]), Size: int64(len(d.fileContent))})
	})

	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, d.fileContent)
	})

	mux.HandleFunc("/part-upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.uploadedPartsMu.Lock()
		d.uploadedParts = append(d.uploadedParts, len(body))
		d.uploadedPartsMu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func staticTokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)})
}

func TestNewRunsFullConstructionSequence(t *testing.T) {
	d := newFakeDrive()
	srv := d.server(t)

	b, err := New(context.Background(), "drive-1", Options{
		APIBaseURL:  srv.URL,
		DriveKind:   "resource",
		FolderPath:  "gallery",
		TokenSource: staticTokenSource(),
	})
	require.NoError(t, err)
	require.Equal(t, "drive-1", b.driveID)
	require.Equal(t, "sess-1", b.sessionID)
	require.Equal(t, "/gallery", b.baseFolderPath)

	// The base folder must now exist under root.
	d.mu.Lock()
	_, ok := d.children["root"]["gallery"]
	d.mu.Unlock()
	require.True(t, ok)
}

func TestNewErrorsWhenDriveKindMissing(t *testing.T) {
	d := newFakeDrive()
	d.driveID = "" // default_drive_id empty, and "missing" kind absent from Drives
	srv := d.server(t)

	_, err := New(context.Background(), "drive-1", Options{
		APIBaseURL:  srv.URL,
		DriveKind:   "missing",
		TokenSource: staticTokenSource(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), `drive "missing" not present`)
}

func TestUploadRapidUploadShortCircuitsPartTransfer(t *testing.T) {
	d := newFakeDrive()
	d.uploadBehavior = func(req createUploadRequest) createUploadResponse {
		return createUploadResponse{FileID: "f1", RapidUpload: true}
	}
	srv := d.server(t)

	b, err := New(context.Background(), "drive-1", Options{
		APIBaseURL: srv.URL, DriveKind: "resource", FolderPath: "gallery", TokenSource: staticTokenSource(),
	})
	require.NoError(t, err)

	err = b.Upload(context.Background(), "photo.jpg", strings.NewReader("hello"), 5, blob.UploadOpts{})
	require.NoError(t, err)

	d.uploadedPartsMu.Lock()
	defer d.uploadedPartsMu.Unlock()
	require.Empty(t, d.uploadedParts, "rapid upload must not transfer any parts")
}

func TestUploadTransfersPartsWhenNotRapid(t *testing.T) {
	d := newFakeDrive()
	var partURL string
	d.uploadBehavior = func(req createUploadRequest) createUploadResponse {
		return createUploadResponse{
			FileID: "f2", UploadID: "up1", RapidUpload: false,
			PartInfoList:     []partInfo{{PartNumber: 1, UploadURL: partURL}},
			ProviderPartSize: 1024,
		}
	}
	srv := d.server(t)
	partURL = srv.URL + "/part-upload"

	b, err := New(context.Background(), "drive-1", Options{
		APIBaseURL: srv.URL, DriveKind: "resource", FolderPath: "gallery", TokenSource: staticTokenSource(),
	})
	require.NoError(t, err)

	err = b.Upload(context.Background(), "photo.jpg", strings.NewReader("hello world"), 11, blob.UploadOpts{})
	require.NoError(t, err)

	d.uploadedPartsMu.Lock()
	defer d.uploadedPartsMu.Unlock()
	require.Equal(t, []int{11}, d.uploadedParts)
}

func TestResolveDownloadRejectsIllegalURL(t *testing.T) {
	d := newFakeDrive()
	d.fileContent = "hello world!"
	d.uploadBehavior = func(req createUploadRequest) createUploadResponse {
		return createUploadResponse{FileID: "f3", RapidUpload: true}
	}
	srv := d.server(t)
	d.downloadURL = func(fileID string) string { return "https://flagged.example.com/" + fileID }

	b, err := New(context.Background(), "drive-1", Options{
		APIBaseURL: srv.URL, DriveKind: "resource", FolderPath: "gallery",
		TokenSource: staticTokenSource(), IllegalURLPrefix: "https://flagged.example.com/",
	})
	require.NoError(t, err)
	require.NoError(t, b.Upload(context.Background(), "photo.jpg", strings.NewReader("hello world!"), 12, blob.UploadOpts{}))

	_, _, err = b.Download(context.Background(), "photo.jpg", blob.DownloadOpts{})
	require.Error(t, err)
	require.ErrorIs(t, err, netretry.ErrCorruptResponse)
	require.Equal(t, netretry.ErrorTypeCorrupt, netretry.ClassifyError(err))
}

func TestDownloadGoesThroughChunkedDownloaderForLargeObjects(t *testing.T) {
	d := newFakeDrive()
	d.fileContent = "hello world!"
	d.uploadBehavior = func(req createUploadRequest) createUploadResponse {
		return createUploadResponse{FileID: "f4", RapidUpload: true}
	}
	srv := d.server(t)
	d.downloadURL = func(fileID string) string { return srv.URL + "/download" }

	b, err := New(context.Background(), "drive-1", Options{
		APIBaseURL: srv.URL, DriveKind: "resource", FolderPath: "gallery",
		TokenSource: staticTokenSource(), ChunkSize: 1, Concurrency: 2,
	})
	require.NoError(t, err)
	require.NoError(t, b.Upload(context.Background(), "photo.jpg", strings.NewReader(d.fileContent), int64(len(d.fileContent)), blob.UploadOpts{}))

	rc, info, err := b.Download(context.Background(), "photo.jpg", blob.DownloadOpts{})
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, d.fileContent, string(got))
	require.Equal(t, int64(len(d.fileContent)), info.Size)
}

var _ blob.ChunkedDownloader = (*Backend)(nil)
