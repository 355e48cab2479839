package httpapi

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
	"github.com/drobiAlex/wabus-fleetsync/internal/reference"
	"github.com/drobiAlex/wabus-fleetsync/internal/schedule"
)

var gtfsDateRegex = regexp.MustCompile(`^\d{8}$`)

// SelectStopRequest is the body of PUT /api/stops/selected
type SelectStopRequest struct {
	StopID string `json:"stopId" validate:"required"`
}

// StopLinesResponse is the JSON response for GET /api/stops/{stopId}/lines
type StopLinesResponse struct {
	StopID string            `json:"stopId"`
	Lines  []models.StopLine `json:"lines"`
	Count  int               `json:"count"`
}

// GetOverlays handles GET /api/overlays
func (h *Handler) GetOverlays(w http.ResponseWriter, r *http.Request) {
	if h.deps.Overlays == nil {
		writeError(w, http.StatusServiceUnavailable, "Overlays are not enabled", nil)
		return
	}

	noStore(w)
	writeJSON(w, http.StatusOK, h.deps.Overlays.View())
}

// SelectStop handles PUT /api/stops/selected
// The schedule loads in the background; poll GET /api/overlays for it
func (h *Handler) SelectStop(w http.ResponseWriter, r *http.Request) {
	if h.deps.Overlays == nil {
		writeError(w, http.StatusServiceUnavailable, "Overlays are not enabled", nil)
		return
	}

	var req SelectStopRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid stop selection body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "stopId is required", err)
		return
	}

	h.deps.Overlays.SelectStop(req.StopID)
	writeJSON(w, http.StatusAccepted, req)
}

// ClearStop handles DELETE /api/stops/selected
func (h *Handler) ClearStop(w http.ResponseWriter, r *http.Request) {
	if h.deps.Overlays != nil {
		h.deps.Overlays.ClearStop()
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStopSchedule handles GET /api/stops/{stopId}/schedule
// Accepts an optional date query parameter (YYYYMMDD), defaulting to today
func (h *Handler) GetStopSchedule(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopId")
	date := r.URL.Query().Get("date")
	if date == "" {
		date = reference.GTFSDate(h.deps.Now())
	} else if !gtfsDateRegex.MatchString(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYYMMDD", nil)
		return
	}

	s, err := h.deps.Schedules.Schedule(r.Context(), stopID, date)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to retrieve schedule", err)
		return
	}
	if s.StopTimes == nil {
		s = &schedule.StopSchedule{StopID: s.StopID, Date: s.Date, StopTimes: []models.StopTime{}, FetchedAt: s.FetchedAt}
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, s)
}

// GetStopLines handles GET /api/stops/{stopId}/lines
func (h *Handler) GetStopLines(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopId")

	lines, err := h.deps.Schedules.Lines(r.Context(), stopID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to retrieve stop lines", err)
		return
	}
	if lines == nil {
		lines = []models.StopLine{}
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, StopLinesResponse{StopID: stopID, Lines: lines, Count: len(lines)})
}
