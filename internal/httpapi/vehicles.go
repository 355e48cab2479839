package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drobiAlex/wabus-fleetsync/internal/fleet"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// VehiclesResponse is the JSON response for GET /api/vehicles
type VehiclesResponse struct {
	Vehicles    []fleet.VehicleView `json:"vehicles"`
	Count       int                 `json:"count"`
	BusCount    int                 `json:"busCount"`
	TramCount   int                 `json:"tramCount"`
	Eligible    int                 `json:"eligible"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// VehicleResponse is the JSON response for GET /api/vehicles/{key}
type VehicleResponse struct {
	fleet.VehicleView
}

// ClustersResponse is the JSON response for GET /api/clusters
type ClustersResponse struct {
	Clusters []fleet.Cluster     `json:"clusters"`
	Singles  []fleet.VehicleView `json:"singles"`
}

// LinesResponse is the JSON response for GET /api/lines
type LinesResponse struct {
	Lines   []models.LineKey `json:"lines"`
	Count   int              `json:"count"`
	Version uint64           `json:"version"`
}

// StatsResponse is the JSON response for GET /api/stats
type StatsResponse struct {
	Fleet      fleet.Stats `json:"fleet"`
	Connection string      `json:"connection"`
	Tiles      int         `json:"tiles"`
}

// GetVehicles handles GET /api/vehicles
// Returns the filtered and capped vehicle set with pre-cap counts
func (h *Handler) GetVehicles(w http.ResponseWriter, r *http.Request) {
	view := h.deps.Store.View()
	vehicles := view.Vehicles
	if vehicles == nil {
		vehicles = []fleet.VehicleView{}
	}

	noStore(w)
	writeJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles:    vehicles,
		Count:       len(vehicles),
		BusCount:    view.BusCount,
		TramCount:   view.TramCount,
		Eligible:    view.Eligible,
		GeneratedAt: h.deps.Now().UTC(),
	})
}

// GetVehicle handles GET /api/vehicles/{key}
func (h *Handler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key parameter is required", nil)
		return
	}

	v, ok := h.deps.Store.Vehicle(key)
	if !ok {
		writeError(w, http.StatusNotFound, "Vehicle not found", nil)
		return
	}

	resp := VehicleResponse{fleet.VehicleView{Vehicle: v}}
	if heading, ok := h.deps.Store.Heading(key); ok {
		resp.Heading = &heading
	}

	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// GetClusters handles GET /api/clusters
func (h *Handler) GetClusters(w http.ResponseWriter, r *http.Request) {
	view := h.deps.Store.View()
	resp := ClustersResponse{Clusters: view.Clusters, Singles: view.Singles}
	if resp.Clusters == nil {
		resp.Clusters = []fleet.Cluster{}
	}
	if resp.Singles == nil {
		resp.Singles = []fleet.VehicleView{}
	}

	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// GetLines handles GET /api/lines
func (h *Handler) GetLines(w http.ResponseWriter, r *http.Request) {
	lines, version := h.deps.Store.Lines()
	if lines == nil {
		lines = []models.LineKey{}
	}

	noStore(w)
	writeJSON(w, http.StatusOK, LinesResponse{Lines: lines, Count: len(lines), Version: version})
}

// GetStats handles GET /api/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Fleet: h.deps.Store.Stats()}
	if h.deps.Connection != nil {
		resp.Connection = h.deps.Connection.State().String()
	}
	if h.deps.Viewport != nil {
		resp.Tiles = len(h.deps.Viewport.CurrentTiles())
	}

	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}
