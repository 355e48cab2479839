// Package api is the typed client for the server's read-only REST surface
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

const (
	DefaultTimeout = 30 * time.Second

	// SessionHeader carries the per-process client session id
	SessionHeader = "X-Client-Session"
)

// HTTPError is returned for any non-2xx response
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Client talks to the /v1 REST endpoints
type Client struct {
	baseURL   string
	http      *http.Client
	sessionID string
}

// Options configures a Client
type Options struct {
	BaseURL   string
	Client    *http.Client
	SessionID string
}

// New creates a client. A session id is generated when none is given.
func New(opts Options) *Client {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		http:      opts.Client,
		sessionID: opts.SessionID,
	}
}

// SessionID returns the id sent with every request
func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SessionHeader, c.sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// VehicleQuery narrows GET /v1/vehicles. Zero fields are omitted.
type VehicleQuery struct {
	Type models.VehicleType
	Line string
	BBox *geo.BBox
}

func (q VehicleQuery) values() url.Values {
	v := url.Values{}
	if q.Type != 0 {
		v.Set("type", strconv.Itoa(int(q.Type)))
	}
	if q.Line != "" {
		v.Set("line", q.Line)
	}
	if q.BBox != nil {
		v.Set("bbox", formatBBox(*q.BBox))
	}
	return v
}

// formatBBox renders minLat,minLon,maxLat,maxLon
func formatBBox(b geo.BBox) string {
	parts := []float64{b.MinLat, b.MinLon, b.MaxLat, b.MaxLon}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strconv.FormatFloat(p, 'f', 6, 64)
	}
	return strings.Join(out, ",")
}

// Vehicles lists current vehicle positions
func (c *Client) Vehicles(ctx context.Context, q VehicleQuery) ([]models.Vehicle, error) {
	var resp struct {
		Vehicles []models.Vehicle `json:"vehicles"`
	}
	if err := c.get(ctx, "/v1/vehicles", q.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Vehicles, nil
}

// VehiclesByLine lists the vehicles currently running on one line
func (c *Client) VehiclesByLine(ctx context.Context, line string) ([]models.Vehicle, error) {
	return c.Vehicles(ctx, VehicleQuery{Line: line})
}

// Vehicle fetches a single vehicle by key
func (c *Client) Vehicle(ctx context.Context, key string) (*models.Vehicle, error) {
	var v models.Vehicle
	if err := c.get(ctx, "/v1/vehicles/"+url.PathEscape(key), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Routes lists every route the server knows
func (c *Client) Routes(ctx context.Context) ([]models.Route, error) {
	var resp struct {
		Routes []models.Route `json:"routes"`
		Count  int            `json:"count"`
	}
	if err := c.get(ctx, "/v1/routes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

// Route fetches one route by id
func (c *Client) Route(ctx context.Context, id string) (*models.Route, error) {
	var r models.Route
	if err := c.get(ctx, "/v1/routes/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RouteShape fetches the shapes (one per direction) of a line
func (c *Client) RouteShape(ctx context.Context, line string) ([]models.Shape, error) {
	var resp struct {
		Shapes []models.Shape `json:"shapes"`
	}
	if err := c.get(ctx, "/v1/routes/"+url.PathEscape(line)+"/shape", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Shapes, nil
}

// Stops lists every stop
func (c *Client) Stops(ctx context.Context) ([]models.Stop, error) {
	var resp struct {
		Stops []models.Stop `json:"stops"`
	}
	if err := c.get(ctx, "/v1/stops", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stops, nil
}

// Stop fetches one stop by id
func (c *Client) Stop(ctx context.Context, id string) (*models.Stop, error) {
	var s models.Stop
	if err := c.get(ctx, "/v1/stops/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StopSchedule fetches the stop times at a stop for a GTFS date
// (YYYYMMDD). An empty date lets the server pick today.
func (c *Client) StopSchedule(ctx context.Context, stopID, date string) ([]models.StopTime, error) {
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}

	var resp struct {
		StopTimes  []models.StopTime `json:"stop_times"`
		Count      int               `json:"count"`
		ServerTime time.Time         `json:"server_time"`
	}
	if err := c.get(ctx, "/v1/stops/"+url.PathEscape(stopID)+"/schedule", q, &resp); err != nil {
		return nil, err
	}
	return resp.StopTimes, nil
}

// StopLines fetches the lines that serve a stop
func (c *Client) StopLines(ctx context.Context, stopID string) ([]models.StopLine, error) {
	var resp struct {
		Lines []models.StopLine `json:"lines"`
		Count int               `json:"count"`
	}
	if err := c.get(ctx, "/v1/stops/"+url.PathEscape(stopID)+"/lines", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// GTFSStats fetches the server's static feed summary
func (c *Client) GTFSStats(ctx context.Context) (*models.GTFSStats, error) {
	var s models.GTFSStats
	if err := c.get(ctx, "/v1/gtfs/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
