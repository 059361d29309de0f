// Package storage implements the routing layer in front of blob backends:
// a live registry swapped atomically on reconfiguration, per-request
// backend override, and aggregate stats.
package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pixelforge/gallery-core/internal/blob"
)

type overrideKey struct{}

// WithBackendOverride returns a context that routes calls through backendID
// instead of the manager's configured default, for the rare request that
// needs to read/write a specific backend rather than the active one.
func WithBackendOverride(ctx context.Context, backendID blob.BackendID) context.Context {
	return context.WithValue(ctx, overrideKey{}, backendID)
}

func overrideFromContext(ctx context.Context) (blob.BackendID, bool) {
	id, ok := ctx.Value(overrideKey{}).(blob.BackendID)
	return id, ok
}

// BackendConfig declares one backend to construct during apply_config.
type BackendConfig struct {
	ID          blob.BackendID
	DisplayName string
	Type        blob.Type
	// Params is backend-specific: local root, S3 bucket/region/creds, Azure
	// account/container, or cloud-drive base URL/folder/token source. The
	// registry's Builder decides how to interpret it.
	Params map[string]any
}

// Config is the mutable, atomically-swapped configuration apply_config consumes.
type Config struct {
	DefaultBackendID blob.BackendID
	Backends         []BackendConfig
}

// Builder constructs a live blob.Store from a BackendConfig. Registered per
// blob.Type so apply_config can build any declared backend without storage
// knowing backend construction details.
type Builder func(ctx context.Context, cfg BackendConfig) (blob.Store, error)

type registry struct {
	backends  map[blob.BackendID]namedBackend
	defaultID blob.BackendID
}

type namedBackend struct {
	store       blob.Store
	displayName string
}

// ErrBackendNotInitialized is returned when a call targets an unknown backend id.
type ErrBackendNotInitialized struct{ ID blob.BackendID }

func (e *ErrBackendNotInitialized) Error() string {
	return fmt.Sprintf("storage: backend %q not initialized", e.ID)
}

// Manager routes Store-shaped calls to the live registry, honoring a
// per-request override and serving atomic reconfiguration.
type Manager struct {
	mu       sync.RWMutex
	live     *registry
	builders map[blob.Type]Builder

	statsTTL   time.Duration
	statsMu    sync.Mutex
	statsAt    time.Time
	statsCache []BackendStats
}

// DefaultStatsTTL bounds how often MultiStats re-queries every backend when
// polled repeatedly (e.g. from a dashboard).
const DefaultStatsTTL = 3 * time.Second

// NewManager returns an empty Manager. RegisterBuilder must be called for
// every blob.Type that may appear in a Config before the first apply_config.
func NewManager() *Manager {
	return &Manager{
		live:     &registry{backends: map[blob.BackendID]namedBackend{}},
		builders: map[blob.Type]Builder{},
		statsTTL: DefaultStatsTTL,
	}
}

// SetStatsTTL overrides the MultiStats cache duration; zero disables caching.
func (m *Manager) SetStatsTTL(d time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.statsTTL = d
}

// RegisterBuilder installs the constructor for backends of the given type.
func (m *Manager) RegisterBuilder(t blob.Type, b Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builders[t] = b
}

// ApplyConfig builds a brand new registry from cfg and swaps it in under a
// writer lock. In-flight calls that already resolved a backend reference
// finish against it; only subsequent calls see the new registry.
func (m *Manager) ApplyConfig(ctx context.Context, cfg Config) error {
	m.mu.RLock()
	builders := make(map[blob.Type]Builder, len(m.builders))
	for t, b := range m.builders {
		builders[t] = b
	}
	m.mu.RUnlock()

	next := &registry{
		backends:  make(map[blob.BackendID]namedBackend, len(cfg.Backends)),
		defaultID: cfg.DefaultBackendID,
	}
	for _, bc := range cfg.Backends {
		builder, ok := builders[bc.Type]
		if !ok {
			return fmt.Errorf("storage: no builder registered for backend type %q", bc.Type)
		}
		store, err := builder(ctx, bc)
		if err != nil {
			return fmt.Errorf("storage: build backend %q: %w", bc.ID, err)
		}
		name := bc.DisplayName
		if name == "" {
			name = string(bc.ID)
		}
		next.backends[bc.ID] = namedBackend{store: store, displayName: name}
	}
	if _, ok := next.backends[next.defaultID]; !ok && next.defaultID != "" {
		return fmt.Errorf("storage: default backend %q is not among configured backends", next.defaultID)
	}

	m.mu.Lock()
	m.live = next
	m.mu.Unlock()
	return nil
}

// resolve returns the backend to use for ctx: the override if set and known,
// else the configured default.
func (m *Manager) resolve(ctx context.Context) (blob.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := m.live.defaultID
	if override, ok := overrideFromContext(ctx); ok {
		id = override
	}
	nb, ok := m.live.backends[id]
	if !ok {
		return nil, &ErrBackendNotInitialized{ID: id}
	}
	return nb.store, nil
}

// Backend exposes the resolved blob.Store for callers needing capability
// checks (e.g. blob.ChunkedDownloader) beyond the Store interface.
func (m *Manager) Backend(ctx context.Context) (blob.Store, error) {
	return m.resolve(ctx)
}

// BackendByID looks up a specific backend regardless of ctx's override,
// used by the migration engine which addresses source and target explicitly.
func (m *Manager) BackendByID(id blob.BackendID) (blob.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nb, ok := m.live.backends[id]
	if !ok {
		return nil, &ErrBackendNotInitialized{ID: id}
	}
	return nb.store, nil
}

// Upload resolves the routed backend for ctx and delegates.
func (m *Manager) Upload(ctx context.Context, key blob.Key, r io.Reader, size int64, opts blob.UploadOpts) error {
	b, err := m.resolve(ctx)
	if err != nil {
		return err
	}
	return b.Upload(ctx, key, r, size, opts)
}

// Download resolves the routed backend for ctx and delegates.
func (m *Manager) Download(ctx context.Context, key blob.Key, opts blob.DownloadOpts) (io.ReadCloser, blob.ObjectInfo, error) {
	b, err := m.resolve(ctx)
	if err != nil {
		return nil, blob.ObjectInfo{}, err
	}
	return b.Download(ctx, key, opts)
}

// Delete resolves the routed backend for ctx and delegates.
func (m *Manager) Delete(ctx context.Context, key blob.Key) error {
	b, err := m.resolve(ctx)
	if err != nil {
		return err
	}
	return b.Delete(ctx, key)
}

// Exists resolves the routed backend for ctx and delegates.
func (m *Manager) Exists(ctx context.Context, key blob.Key) (bool, blob.ObjectInfo, error) {
	b, err := m.resolve(ctx)
	if err != nil {
		return false, blob.ObjectInfo{}, err
	}
	return b.Exists(ctx, key)
}

// URL resolves the routed backend for ctx and delegates.
func (m *Manager) URL(ctx context.Context, key blob.Key, expiry time.Duration) (string, bool, error) {
	b, err := m.resolve(ctx)
	if err != nil {
		return "", false, err
	}
	return b.URL(ctx, key, expiry)
}

// BackendStats is one row of MultiStats' result.
type BackendStats struct {
	ID          blob.BackendID
	DisplayName string
	Used        int64
	Total       int64
	IsDefault   bool
}

// MultiStats enumerates every live backend, calling Stats on each. A
// backend whose Stats call fails contributes a zeroed row rather than
// aborting the aggregate. Results are cached for statsTTL so frequent
// polling doesn't re-issue a stats call per backend on every request.
func (m *Manager) MultiStats(ctx context.Context) []BackendStats {
	m.statsMu.Lock()
	if m.statsTTL > 0 && time.Since(m.statsAt) < m.statsTTL && m.statsCache != nil {
		cached := m.statsCache
		m.statsMu.Unlock()
		return cached
	}
	m.statsMu.Unlock()

	fresh := m.computeMultiStats(ctx)

	m.statsMu.Lock()
	m.statsCache = fresh
	m.statsAt = time.Now()
	m.statsMu.Unlock()

	return fresh
}

func (m *Manager) computeMultiStats(ctx context.Context) []BackendStats {
	m.mu.RLock()
	type entry struct {
		id blob.BackendID
		nb namedBackend
	}
	entries := make([]entry, 0, len(m.live.backends))
	for id, nb := range m.live.backends {
		entries = append(entries, entry{id: id, nb: nb})
	}
	defaultID := m.live.defaultID
	m.mu.RUnlock()

	out := make([]BackendStats, len(entries))
	for i, e := range entries {
		row := BackendStats{ID: e.id, DisplayName: e.nb.displayName, IsDefault: e.id == defaultID}
		if stats, err := e.nb.store.Stats(ctx); err == nil {
			row.Used = stats.UsedBytes
			row.Total = stats.UsedBytes + stats.FreeBytes
		}
		out[i] = row
	}
	return out
}
