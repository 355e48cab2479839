package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/", SessionID: "session-1"})
}

func TestVehiclesQueryAndHeaders(t *testing.T) {
	var gotPath, gotQuery, gotSession string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotSession = r.Header.Get(SessionHeader)
		w.Write([]byte(`{"vehicles":[{"key":"k1","type":1,"line":"175","lat":52.2,"lon":21.0}]}`))
	})

	vehicles, err := c.Vehicles(context.Background(), VehicleQuery{
		Type: models.VehicleTypeBus,
		Line: "175",
		BBox: &geo.BBox{MinLat: 52.1, MinLon: 20.9, MaxLat: 52.3, MaxLon: 21.1},
	})
	if err != nil {
		t.Fatalf("Vehicles: %v", err)
	}

	if gotPath != "/v1/vehicles" {
		t.Errorf("path = %s, expected /v1/vehicles", gotPath)
	}
	for _, want := range []string{"type=1", "line=175", "bbox=52.100000%2C20.900000%2C52.300000%2C21.100000"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q is missing %q", gotQuery, want)
		}
	}
	if gotSession != "session-1" {
		t.Errorf("session header = %q", gotSession)
	}
	if len(vehicles) != 1 || vehicles[0].Key != "k1" || vehicles[0].Line != "175" {
		t.Errorf("unexpected vehicles: %+v", vehicles)
	}
}

func TestVehiclesWithoutFiltersSendsNoQuery(t *testing.T) {
	var raw string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.RawQuery
		w.Write([]byte(`{"vehicles":[]}`))
	})

	if _, err := c.Vehicles(context.Background(), VehicleQuery{}); err != nil {
		t.Fatalf("Vehicles: %v", err)
	}
	if raw != "" {
		t.Errorf("expected empty query, got %q", raw)
	}
}

func TestNonSuccessStatusIsHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	_, err := c.Stop(context.Background(), "missing")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, expected 404", httpErr.StatusCode)
	}
}

func TestDecodeFailureIsWrapped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"routes": [`))
	})

	_, err := c.Routes(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to decode") {
		t.Fatalf("expected decode error, got %v", err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		t.Error("decode failure must not be an HTTPError")
	}
}

func TestStopScheduleAndLines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/stops/7009/schedule":
			if got := r.URL.Query().Get("date"); got != "20260112" {
				t.Errorf("date = %q, expected 20260112", got)
			}
			w.Write([]byte(`{"stop_times":[{"trip_id":"t1","route_id":"r1","line":"17","headsign":"Tarchomin","arrival_time":"25:10:00","departure_time":"25:10:30","stop_sequence":4}],"count":1,"server_time":"2026-01-12T10:00:00Z"}`))
		case "/v1/stops/7009/lines":
			w.Write([]byte(`{"lines":[{"route_id":"r1","line":"17","long_name":"Tarchomin - Woronicza","type":0,"color":"FF0000","headsigns":["Tarchomin"]}],"count":1}`))
		default:
			http.NotFound(w, r)
		}
	})

	times, err := c.StopSchedule(context.Background(), "7009", "20260112")
	if err != nil {
		t.Fatalf("StopSchedule: %v", err)
	}
	if len(times) != 1 || times[0].ArrivalTime != "25:10:00" || times[0].StopSequence != 4 {
		t.Errorf("unexpected stop times: %+v", times)
	}

	lines, err := c.StopLines(context.Background(), "7009")
	if err != nil {
		t.Fatalf("StopLines: %v", err)
	}
	if len(lines) != 1 || lines[0].Type != models.RouteTypeTram || lines[0].Headsigns[0] != "Tarchomin" {
		t.Errorf("unexpected lines: %+v", lines)
	}
}

func TestRouteShapeAndStats(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/routes/N01/shape":
			w.Write([]byte(`{"shapes":[{"id":"s1","direction_id":1,"points":[{"lat":52.1,"lon":21.0,"sequence":1},{"lat":52.2,"lon":21.1,"sequence":2}]}]}`))
		case "/v1/gtfs/stats":
			w.Write([]byte(`{"route_count":300,"stop_count":7000,"trip_count":90000,"last_updated":"2026-01-12T03:00:00Z"}`))
		default:
			http.NotFound(w, r)
		}
	})

	shapes, err := c.RouteShape(context.Background(), "N01")
	if err != nil {
		t.Fatalf("RouteShape: %v", err)
	}
	if len(shapes) != 1 || len(shapes[0].Points) != 2 || shapes[0].DirectionID == nil || *shapes[0].DirectionID != 1 {
		t.Errorf("unexpected shapes: %+v", shapes)
	}

	stats, err := c.GTFSStats(context.Background())
	if err != nil {
		t.Fatalf("GTFSStats: %v", err)
	}
	if stats.RouteCount != 300 || stats.StopCount != 7000 || stats.LastUpdated.IsZero() {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestGeneratedSessionID(t *testing.T) {
	a := New(Options{BaseURL: "http://example"})
	b := New(Options{BaseURL: "http://example"})
	if a.SessionID() == "" || a.SessionID() == b.SessionID() {
		t.Errorf("expected distinct generated session ids, got %q and %q", a.SessionID(), b.SessionID())
	}
}
