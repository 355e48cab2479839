package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drobiAlex/wabus-fleetsync/internal/fleet"
	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// ViewportResponse is the JSON response for PUT /api/viewport
type ViewportResponse struct {
	Viewport geo.Viewport `json:"viewport"`
	Tiles    []string     `json:"tiles"`
}

// FiltersRequest is the body of PUT /api/filters. Omitted fields keep
// their current value.
type FiltersRequest struct {
	ShowBuses      *bool     `json:"showBuses"`
	ShowTrams      *bool     `json:"showTrams"`
	SelectedLines  *[]string `json:"selectedLines"`
	FavouritesMode *string   `json:"favouritesMode"`
}

// FavouritesRequest is the body of PUT /api/favourites
type FavouritesRequest struct {
	Favourites []models.LineKey `json:"favourites"`
}

// ToggleResponse is the JSON response for POST /api/lines/{line}/toggle
type ToggleResponse struct {
	Line     string `json:"line"`
	Selected bool   `json:"selected"`
}

// PutViewport handles PUT /api/viewport
// Updates clustering immediately; tile subscription follows after the
// debounce period
func (h *Handler) PutViewport(w http.ResponseWriter, r *http.Request) {
	var v geo.Viewport
	if err := decodeBody(r, &v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid viewport body", err)
		return
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid viewport", err)
		return
	}

	h.deps.Store.SetViewport(&v)
	if h.deps.Viewport != nil {
		h.deps.Viewport.ViewportChanged(v)
	}

	writeJSON(w, http.StatusAccepted, ViewportResponse{Viewport: v, Tiles: geo.VisibleTiles(v)})
}

// PutFilters handles PUT /api/filters
func (h *Handler) PutFilters(w http.ResponseWriter, r *http.Request) {
	var req FiltersRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filters body", err)
		return
	}

	var mode fleet.FavouritesMode
	if req.FavouritesMode != nil {
		m, err := fleet.ParseFavouritesMode(*req.FavouritesMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid favourites mode", err)
			return
		}
		mode = m
	}

	store := h.deps.Store
	if req.ShowBuses != nil {
		store.SetShowBuses(*req.ShowBuses)
	}
	if req.ShowTrams != nil {
		store.SetShowTrams(*req.ShowTrams)
	}
	if req.FavouritesMode != nil {
		store.SetFavouritesMode(mode)
	}
	if req.SelectedLines != nil {
		h.replaceSelection(*req.SelectedLines)
	}

	writeJSON(w, http.StatusOK, store.Filters())
}

// replaceSelection routes selection changes through the overlay manager so
// shapes load and cancel with the selection
func (h *Handler) replaceSelection(lines []string) {
	if h.deps.Overlays == nil {
		h.deps.Store.SetSelectedLines(lines)
		return
	}

	want := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		want[l] = struct{}{}
	}
	for _, l := range h.deps.Store.Filters().SelectedLines {
		if _, keep := want[l]; !keep {
			h.deps.Overlays.DeselectLine(l)
		}
	}
	for l := range want {
		if !h.deps.Store.IsSelected(l) {
			h.deps.Overlays.SelectLine(l)
		}
	}
}

// ToggleLine handles POST /api/lines/{line}/toggle
func (h *Handler) ToggleLine(w http.ResponseWriter, r *http.Request) {
	line := chi.URLParam(r, "line")
	if line == "" {
		writeError(w, http.StatusBadRequest, "line parameter is required", nil)
		return
	}

	var selected bool
	if h.deps.Overlays != nil {
		selected = h.deps.Overlays.ToggleLine(line)
	} else {
		selected = h.deps.Store.ToggleLine(line)
	}

	writeJSON(w, http.StatusOK, ToggleResponse{Line: line, Selected: selected})
}

// PutFavourites handles PUT /api/favourites
func (h *Handler) PutFavourites(w http.ResponseWriter, r *http.Request) {
	var req FavouritesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid favourites body", err)
		return
	}
	for _, f := range req.Favourites {
		if f.Line == "" || (f.Type != models.VehicleTypeBus && f.Type != models.VehicleTypeTram) {
			writeError(w, http.StatusBadRequest, "Invalid favourite line", nil)
			return
		}
	}

	h.deps.Store.SetFavourites(req.Favourites)
	writeJSON(w, http.StatusOK, h.deps.Store.Filters())
}
