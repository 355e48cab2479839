package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/reference"
)

// ServicesResponse is the JSON response for GET /api/services
type ServicesResponse struct {
	Date       string   `json:"date"`
	ServiceIDs []string `json:"serviceIds"`
	Count      int      `json:"count"`
}

// GetReferenceStatus handles GET /api/reference/status
func (h *Handler) GetReferenceStatus(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	writeJSON(w, http.StatusOK, h.deps.Reference.Stats())
}

// PostReferenceSync handles POST /api/reference/sync
// Forces a bulk fetch; the stored ETag still applies
func (h *Handler) PostReferenceSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.deps.SyncTimeout)
	defer cancel()

	err := h.deps.Reference.ForceSync(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.deps.Reference.Stats())
	case errors.Is(err, reference.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "Server is still loading reference data", err)
	default:
		writeError(w, http.StatusBadGateway, "Reference sync failed", err)
	}
}

// GetServices handles GET /api/services
// Returns the service ids active on date (YYYYMMDD, default today)
func (h *Handler) GetServices(w http.ResponseWriter, r *http.Request) {
	now := h.deps.Now()
	date := now
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := time.ParseInLocation("20060102", s, now.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYYMMDD", err)
			return
		}
		date = d
	}

	ids := h.deps.Reference.ActiveServiceIDs(date)
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)

	writeJSON(w, http.StatusOK, ServicesResponse{
		Date:       reference.GTFSDate(date),
		ServiceIDs: ids,
		Count:      len(ids),
	})
}
