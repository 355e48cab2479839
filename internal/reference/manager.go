// Package reference keeps the offline copy of routes, stops and service
// calendars in sync with the server's versioned bulk resource.
package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

const (
	DefaultFreshness   = 6 * time.Hour
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 5 * time.Second
	DefaultTimeout     = 30 * time.Second
)

// ErrNotReady means the server is still building the bulk dataset
var ErrNotReady = errors.New("server is still loading reference data")

// HTTPError is a non-retryable unexpected status from the sync endpoints
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Options configures a Manager
type Options struct {
	BaseURL     string
	Client      *http.Client
	Store       Store
	Freshness   time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Now         func() time.Time
	Logger      *log.Logger
}

// Manager is the single writer for the reference cache. Every sync, load
// and persist runs under mu; readers take the current Tables pointer
// without locking.
type Manager struct {
	baseURL     string
	client      *http.Client
	store       Store
	freshness   time.Duration
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	logger      *log.Logger

	mu     sync.Mutex
	tables atomic.Pointer[Tables]
	meta   atomic.Pointer[Meta]
}

// NewManager creates a manager with no data loaded
func NewManager(opts Options) *Manager {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	m := &Manager{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		client:      opts.Client,
		store:       opts.Store,
		freshness:   opts.Freshness,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	m.meta.Store(&Meta{})
	return m
}

// SyncIfNeeded loads the persisted bundle if nothing is loaded yet, then
// syncs when there has never been a sync, nothing is loaded, or the last
// sync is older than the freshness window. A server that stays not-ready
// for every attempt yields an error wrapping ErrNotReady; the loaded data
// stays authoritative.
func (m *Manager) SyncIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.IsReady() {
		m.loadLocked(ctx)
	}

	meta := m.currentMeta()
	if m.IsReady() && !meta.LastSync.IsZero() && m.now().Sub(meta.LastSync) <= m.freshness {
		m.logger.Printf("Reference: using cached data (version %s, last sync %s)",
			orUnknown(meta.Version), meta.LastSync.Format(time.RFC3339))
		return nil
	}

	return m.syncWithRetryLocked(ctx)
}

// ForceSync performs a bulk fetch without the version check. The stored
// ETag is still sent, so an unchanged bundle returns quickly.
func (m *Manager) ForceSync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fullSyncLocked(ctx)
}

// Load reads the persisted bundle into memory without any network call
func (m *Manager) Load(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context) bool {
	if m.store == nil {
		return false
	}

	bundle, meta, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoCache) {
		return false
	}
	if err != nil {
		m.logger.Printf("Reference: failed to load cache from disk: %v", err)
		return false
	}

	t := buildTables(bundle)
	if !t.usable() {
		m.logger.Println("Reference: cached bundle has no routes or stops, ignoring")
		return false
	}

	m.tables.Store(t)
	m.meta.Store(&meta)
	m.logger.Printf("Reference: loaded cache from disk: %d routes, %d stops", len(t.routes), len(t.stops))
	return true
}

func (m *Manager) syncWithRetryLocked(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++

		hasUpdates, err := m.check(ctx)
		if err != nil {
			return retryable(err)
		}

		if !hasUpdates && m.IsReady() {
			m.logger.Printf("Reference: data is up to date (version %s)", orUnknown(m.currentMeta().Version))
			m.markSyncedLocked(ctx)
			return nil
		}

		return retryable(m.fullSyncLocked(ctx))
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Printf("Reference: server still loading, retry %d/%d in %s", attempt, m.maxAttempts, wait)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), uint64(m.maxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotReady):
		m.logger.Printf("Reference: sync gave up after %d attempts, server still loading", attempt)
		return fmt.Errorf("sync failed after %d attempts: %w", attempt, err)
	default:
		if !m.IsReady() {
			m.logger.Println("Reference: no cached data available, lookups will be empty")
		}
		return fmt.Errorf("sync failed: %w", err)
	}
}

// retryable marks everything except ErrNotReady as permanent
func retryable(err error) error {
	if err == nil || errors.Is(err, ErrNotReady) {
		return err
	}
	return backoff.Permanent(err)
}

// check asks whether the server has a version newer than the one loaded
func (m *Manager) check(ctx context.Context) (bool, error) {
	u := m.baseURL + "/v1/sync/check"
	if v := m.currentMeta().Version; v != "" {
		u += "?since=" + url.QueryEscape(v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return false, ErrNotReady
	default:
		return false, &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}

	var check models.SyncCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return false, fmt.Errorf("failed to decode sync check: %w", err)
	}

	m.logger.Printf("Reference: sync check version=%s has_updates=%t", check.Version, check.HasUpdates)
	return check.HasUpdates, nil
}

// fullSyncLocked fetches the bulk bundle. Nothing in memory or on disk
// changes unless the whole bundle decodes.
func (m *Manager) fullSyncLocked(ctx context.Context) error {
	start := m.now()
	u := m.baseURL + "/v1/sync"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if etag := m.currentMeta().ETag; etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch bundle: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		m.logger.Println("Reference: bundle not modified (304), keeping cache")
		m.markSyncedLocked(ctx)
		return nil
	case http.StatusServiceUnavailable:
		return ErrNotReady
	default:
		return &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}

	var bundle models.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return fmt.Errorf("failed to decode bundle: %w", err)
	}

	t := buildTables(&bundle)
	meta := Meta{
		Version:  bundle.Version,
		ETag:     resp.Header.Get("ETag"),
		LastSync: m.now(),
	}

	// Version and ETag only advance once the bundle is on disk. A failed
	// save still serves the new tables, but the next sync refetches.
	if m.store != nil {
		if err := m.store.Save(ctx, &bundle, meta); err != nil {
			m.tables.Store(t)
			return fmt.Errorf("failed to persist bundle: %w", err)
		}
	}

	m.tables.Store(t)
	m.meta.Store(&meta)

	m.logger.Printf("Reference: sync completed in %s: %d routes, %d stops, version %s",
		m.now().Sub(start).Round(time.Millisecond), len(bundle.Routes), len(bundle.Stops), orUnknown(bundle.Version))
	return nil
}

func (m *Manager) markSyncedLocked(ctx context.Context) {
	now := m.now()
	meta := m.currentMeta()
	meta.LastSync = now
	m.meta.Store(&meta)

	if m.store == nil {
		return
	}
	if err := m.store.MarkSynced(ctx, now); err != nil && !errors.Is(err, ErrNoCache) {
		m.logger.Printf("Reference: failed to persist sync time: %v", err)
	}
}

func (m *Manager) currentMeta() Meta {
	return *m.meta.Load()
}

// Tables returns the current lookup tables, or nil before any data loads
func (m *Manager) Tables() *Tables {
	return m.tables.Load()
}

// IsReady reports whether usable reference data is loaded
func (m *Manager) IsReady() bool {
	return m.tables.Load().usable()
}

// Version returns the version token of the loaded bundle
func (m *Manager) Version() string {
	return m.currentMeta().Version
}

// LastSync returns the time of the last successful sync or "synced now" mark
func (m *Manager) LastSync() time.Time {
	return m.currentMeta().LastSync
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
