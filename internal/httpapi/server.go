// Package httpapi exposes the engine's live state and controls over a
// local JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/drobiAlex/wabus-fleetsync/internal/fleet"
	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
	"github.com/drobiAlex/wabus-fleetsync/internal/overlay"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/conn"
	"github.com/drobiAlex/wabus-fleetsync/internal/reference"
	"github.com/drobiAlex/wabus-fleetsync/internal/schedule"
)

// ViewportSink receives viewport changes for tile subscription
type ViewportSink interface {
	ViewportChanged(v geo.Viewport)
	CurrentTiles() []string
}

// ConnectionState reports the realtime connection state
type ConnectionState interface {
	State() conn.State
}

// ReferenceService is the offline reference cache
type ReferenceService interface {
	Stats() reference.Stats
	ForceSync(ctx context.Context) error
	ActiveServiceIDs(date time.Time) []string
}

// ScheduleService serves stop timetables
type ScheduleService interface {
	Schedule(ctx context.Context, stopID, date string) (*schedule.StopSchedule, error)
	Lines(ctx context.Context, stopID string) ([]models.StopLine, error)
}

// Deps are the components the handlers read from and drive
type Deps struct {
	Store      *fleet.Store
	Overlays   *overlay.Manager
	Viewport   ViewportSink
	Connection ConnectionState
	Reference  ReferenceService
	Schedules  ScheduleService
	Now        func() time.Time
	// SyncTimeout bounds POST /api/reference/sync
	SyncTimeout time.Duration
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Handler serves the bridge API
type Handler struct {
	deps     Deps
	validate *validator.Validate
}

// NewHandler creates a handler over deps
func NewHandler(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SyncTimeout <= 0 {
		deps.SyncTimeout = 2 * time.Minute
	}
	return &Handler{deps: deps, validate: validator.New()}
}

// NewRouter builds the chi router with CORS for allowedOrigins
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Live fleet
		r.Get("/vehicles", h.GetVehicles)
		r.Get("/vehicles/{key}", h.GetVehicle)
		r.Get("/clusters", h.GetClusters)
		r.Get("/lines", h.GetLines)
		r.Get("/stats", h.GetStats)

		// Controls
		r.Put("/viewport", h.PutViewport)
		r.Put("/filters", h.PutFilters)
		r.Post("/lines/{line}/toggle", h.ToggleLine)
		r.Put("/favourites", h.PutFavourites)

		// Overlays and stops
		r.Get("/overlays", h.GetOverlays)
		r.Put("/stops/selected", h.SelectStop)
		r.Delete("/stops/selected", h.ClearStop)
		r.Get("/stops/{stopId}/schedule", h.GetStopSchedule)
		r.Get("/stops/{stopId}/lines", h.GetStopLines)

		// Reference data
		r.Get("/reference/status", h.GetReferenceStatus)
		r.Post("/reference/sync", h.PostReferenceSync)
		r.Get("/services", h.GetServices)
	})

	return r
}

// LogRoutes prints the route table the way the server announces itself
func LogRoutes(logger *log.Logger, addr string) {
	logger.Printf("Bridge API starting on %s", addr)
	logger.Println("Live fleet:")
	logger.Println("  GET /api/vehicles, /api/vehicles/{key}, /api/clusters, /api/lines, /api/stats")
	logger.Println("Controls:")
	logger.Println("  PUT /api/viewport, /api/filters, /api/favourites")
	logger.Println("  POST /api/lines/{line}/toggle")
	logger.Println("Overlays:")
	logger.Println("  GET /api/overlays, PUT|DELETE /api/stops/selected")
	logger.Println("  GET /api/stops/{stopId}/schedule, /api/stops/{stopId}/lines")
	logger.Println("Reference:")
	logger.Println("  GET /api/reference/status, POST /api/reference/sync, GET /api/services")
	logger.Println("Health:")
	logger.Println("  GET /health")
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status         string    `json:"status"`
	Connection     string    `json:"connection"`
	ReferenceReady bool      `json:"referenceReady"`
	Vehicles       int       `json:"vehicles"`
	Timestamp      time.Time `json:"timestamp"`
}

// Health handles GET /health. The engine is degraded, not down, while the
// realtime connection or the reference data is missing.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Connection: conn.Disconnected.String(),
		Timestamp:  h.deps.Now().UTC(),
	}
	if h.deps.Connection != nil {
		resp.Connection = h.deps.Connection.State().String()
	}
	if h.deps.Reference != nil {
		resp.ReferenceReady = h.deps.Reference.Stats().Ready
	}
	if h.deps.Store != nil {
		resp.Vehicles = h.deps.Store.Len()
	}
	if resp.Connection != conn.Connected.String() || !resp.ReferenceReady {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]interface{}{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}

// noStore marks live responses as uncacheable
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
