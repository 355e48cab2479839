package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/api"
	"github.com/drobiAlex/wabus-fleetsync/internal/config"
	"github.com/drobiAlex/wabus-fleetsync/internal/fleet"
	"github.com/drobiAlex/wabus-fleetsync/internal/httpapi"
	"github.com/drobiAlex/wabus-fleetsync/internal/overlay"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/conn"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/gtfsrt"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/subscribe"
	"github.com/drobiAlex/wabus-fleetsync/internal/reference"
	"github.com/drobiAlex/wabus-fleetsync/internal/schedule"
)

// Engine wires every component together and owns their goroutines
type Engine struct {
	cfg    *config.Config
	logger *log.Logger

	API        *api.Client
	Reference  *reference.Manager
	Store      *fleet.Store
	Conn       *conn.Connection
	Tiles      *subscribe.Manager
	Schedules  *schedule.Cache
	Overlays   *overlay.Manager
	Favourites *fleet.FavouriteRefresher
	// Fallback is nil when no GTFS-RT feed is configured
	Fallback *gtfsrt.Source

	closer io.Closer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New constructs every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}

	mode, err := fleet.ParseFavouritesMode(cfg.FavouritesMode)
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: logger}

	var refStore reference.Store
	switch cfg.StoreKind {
	case config.StoreFile:
		refStore = reference.NewFileStore(cfg.CacheDir, logger)
	case config.StoreSQLite:
		db, err := reference.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open reference database: %w", err)
		}
		refStore = db
		e.closer = db
	case config.StoreNone:
	default:
		return nil, fmt.Errorf("unknown reference store %q", cfg.StoreKind)
	}

	e.API = api.New(api.Options{BaseURL: cfg.BaseURL})
	e.Reference = reference.NewManager(reference.Options{
		BaseURL:   cfg.BaseURL,
		Store:     refStore,
		Freshness: cfg.ReferenceFreshness,
		Logger:    logger,
	})

	e.Conn = conn.New(conn.Options{
		URL:       cfg.WSURL,
		Header:    http.Header{api.SessionHeader: []string{e.API.SessionID()}},
		Keepalive: cfg.Keepalive,
		Logger:    logger,
	})
	e.Tiles = subscribe.NewManager(e.Conn, cfg.ViewportDebounce, logger)
	e.Conn.SetResubscriber(e.Tiles)

	e.Store = fleet.NewStore(fleet.Options{
		MaxVisible:     cfg.MaxVisible,
		FavouritesMode: mode,
		Logger:         logger,
	})
	e.Favourites = fleet.NewFavouriteRefresher(e.Store, e.API, cfg.FavouriteRefresh, logger)

	e.Schedules = schedule.New(e.API, schedule.Options{Size: cfg.ScheduleCacheSize, Logger: logger})
	e.Overlays = overlay.New(overlay.Options{
		Selection: e.Store,
		Remote:    e.API,
		Reference: e.Reference,
		Schedules: e.Schedules,
		Logger:    logger,
	})

	if cfg.GTFSRTURL != "" {
		e.Fallback = gtfsrt.New(gtfsrt.Options{
			URL:      cfg.GTFSRTURL,
			Interval: cfg.GTFSRTInterval,
			Sink:     e.Store,
			Tiles:    e.Tiles,
			Lines:    e.Reference,
			Logger:   logger,
		})
	}

	return e, nil
}

// Start launches the background loops and opens the realtime connection.
// It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil || e.stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.goRun(func() { e.Store.Run(ctx, e.Conn.Messages()) })
	e.goRun(func() { e.watchConnection(ctx) })
	e.goRun(func() { e.syncReference(ctx) })
	e.goRun(func() { e.Favourites.Run(ctx) })
	if e.Fallback != nil {
		e.goRun(func() { e.Fallback.Run(ctx) })
		// The connection starts out disconnected
		e.Fallback.ConnectionChanged(e.Conn.State())
	}

	e.Conn.Connect(ctx)
	e.logger.Printf("Engine: started (ws %s, store %s)", e.cfg.WSURL, e.cfg.StoreKind)
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// watchConnection logs state transitions and hands them to the fallback
// source
func (e *Engine) watchConnection(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-e.Conn.States():
			e.logger.Printf("Engine: connection %s", state)
			if e.Fallback != nil {
				e.Fallback.ConnectionChanged(state)
			}
		}
	}
}

// syncReference syncs once at startup, then re-checks freshness on every
// tick
func (e *Engine) syncReference(ctx context.Context) {
	e.checkReference(ctx)
	if len(e.cfg.PrefetchStops) > 0 {
		e.Schedules.Prefetch(ctx, e.cfg.PrefetchStops)
	}

	ticker := time.NewTicker(e.cfg.ReferenceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkReference(ctx)
		}
	}
}

func (e *Engine) checkReference(ctx context.Context) {
	if err := e.Reference.SyncIfNeeded(ctx); err != nil && ctx.Err() == nil {
		e.logger.Printf("Engine: reference sync failed: %v", err)
	}
}

// Stop disconnects intentionally, cancels every loop and waits for them.
// The engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	e.Conn.Disconnect()
	e.Tiles.Close()
	e.Overlays.Close()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			e.logger.Printf("Engine: failed to close reference store: %v", err)
		}
	}
	e.logger.Println("Engine: stopped")
}

// Handler builds the bridge API handler over the engine's components
func (e *Engine) Handler() *httpapi.Handler {
	return httpapi.NewHandler(httpapi.Deps{
		Store:      e.Store,
		Overlays:   e.Overlays,
		Viewport:   e.Tiles,
		Connection: e.Conn,
		Reference:  e.Reference,
		Schedules:  e.Schedules,
	})
}
