// Package gtfsrt is a polling fallback that keeps vehicles moving from a
// GTFS-Realtime VehiclePositions feed while the websocket is down.
package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/conn"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/wire"
)

const (
	// KeyPrefix marks vehicles that came from the fallback feed
	KeyPrefix = "gtfsrt:"

	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 15 * time.Second
)

// lineLabelRegex extracts the line from a vehicle label
// (e.g. "175/3" -> "175", "N01/2" -> "N01", "E-2/1" -> "E-2")
var lineLabelRegex = regexp.MustCompile(`^([A-Z]{0,2}-?\d{1,3})(?:[^0-9]|$)`)

// Sink receives the fallback vehicles
type Sink interface {
	Apply(msg wire.Inbound)
	KeysWithPrefix(prefix string) []string
}

// TileFilter reports whether a tile is currently subscribed
type TileFilter interface {
	Contains(tile string) bool
}

// LineTyper resolves a line label to a vehicle type from reference data
type LineTyper interface {
	LineType(line string) (models.VehicleType, bool)
}

// Options configures a Source
type Options struct {
	URL      string
	Client   *http.Client
	Interval time.Duration
	Sink     Sink
	Tiles    TileFilter
	Lines    LineTyper
	Now      func() time.Time
	Logger   *log.Logger
}

// Source polls the feed only while the realtime connection is not
// Connected
type Source struct {
	url      string
	client   *http.Client
	interval time.Duration
	sink     Sink
	tiles    TileFilter
	lines    LineTyper
	now      func() time.Time
	logger   *log.Logger

	mu     sync.Mutex
	active bool
	kick   chan struct{}

	// applyMu orders a poll's final apply against the reconnect purge
	applyMu sync.Mutex
}

// New creates a source. It starts inactive until told the connection is
// not Connected.
func New(opts Options) *Source {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Source{
		url:      opts.URL,
		client:   opts.Client,
		interval: opts.Interval,
		sink:     opts.Sink,
		tiles:    opts.Tiles,
		lines:    opts.Lines,
		now:      opts.Now,
		logger:   opts.Logger,
		kick:     make(chan struct{}, 1),
	}
}

// ConnectionChanged switches polling on or off. Becoming Connected removes
// every fallback vehicle in one delta.
func (s *Source) ConnectionChanged(state conn.State) {
	s.mu.Lock()
	wasActive := s.active
	s.active = state != conn.Connected
	nowActive := s.active
	s.mu.Unlock()

	switch {
	case nowActive && !wasActive:
		s.logger.Println("Fallback: realtime connection lost, polling GTFS-RT")
		select {
		case s.kick <- struct{}{}:
		default:
		}
	case !nowActive && wasActive:
		s.purge()
	}
}

// Active reports whether the source is currently polling
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run polls on every tick while active until ctx ends
func (s *Source) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}

		if !s.Active() {
			continue
		}
		if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("Fallback: poll failed: %v", err)
		}
	}
}

func (s *Source) purge() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	keys := s.sink.KeysWithPrefix(KeyPrefix)
	if len(keys) == 0 {
		return
	}
	s.sink.Apply(wire.NewDelta(nil, keys))
	s.logger.Printf("Fallback: realtime connection restored, removed %d fallback vehicles", len(keys))
}

// PollOnce fetches the feed and applies it as one delta: vehicles inside
// the subscribed tiles are upserted and fallback keys no longer present
// are removed
func (s *Source) PollOnce(ctx context.Context) error {
	feed, err := s.fetchFeed(ctx)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	vehicles := s.convert(feed, now)

	seen := make(map[string]struct{}, len(vehicles))
	updates := make([]models.Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if s.tiles != nil && !s.tiles.Contains(v.TileID) {
			continue
		}
		seen[v.Key] = struct{}{}
		updates = append(updates, v)
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	// the connection may have come back while the feed was in flight
	if !s.Active() {
		return nil
	}

	var removes []string
	for _, k := range s.sink.KeysWithPrefix(KeyPrefix) {
		if _, ok := seen[k]; !ok {
			removes = append(removes, k)
		}
	}
	if len(updates) == 0 && len(removes) == 0 {
		return nil
	}

	s.sink.Apply(wire.NewDelta(updates, removes))
	s.logger.Printf("Fallback: applied %d vehicles, removed %d", len(updates), len(removes))
	return nil
}

// convert maps feed entities onto vehicles, skipping any without a
// position or a resolvable line
func (s *Source) convert(feed *gtfs.FeedMessage, now time.Time) []models.Vehicle {
	var out []models.Vehicle
	for _, entity := range feed.Entity {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}

		id := vp.GetVehicle().GetId()
		if id == "" {
			id = entity.GetId()
		}
		if id == "" {
			continue
		}

		label := vp.GetVehicle().GetLabel()
		line, brigade := lineFromTrip(vp.GetTrip().GetRouteId()), ""
		if l, b := parseLabel(label); l != "" {
			if line == "" {
				line = l
			}
			brigade = b
		}
		if line == "" {
			continue
		}

		lat := float64(vp.GetPosition().GetLatitude())
		lon := float64(vp.GetPosition().GetLongitude())

		v := models.Vehicle{
			Key:           KeyPrefix + id,
			VehicleNumber: id,
			Type:          s.lineType(line),
			Line:          line,
			Brigade:       brigade,
			Lat:           lat,
			Lon:           lon,
			TileID:        geo.TileID(lat, lon),
			UpdatedAt:     now,
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			v.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
		if v.Validate() != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// lineType prefers the reference route type; numeric lines below 100 are
// trams, everything else is a bus
func (s *Source) lineType(line string) models.VehicleType {
	if s.lines != nil {
		if t, ok := s.lines.LineType(line); ok {
			return t
		}
	}
	if n, err := strconv.Atoi(line); err == nil && n < 100 {
		return models.VehicleTypeTram
	}
	return models.VehicleTypeBus
}

func lineFromTrip(routeID string) string {
	return strings.TrimSpace(routeID)
}

// parseLabel splits "175/3" into line and brigade
func parseLabel(label string) (string, string) {
	m := lineLabelRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(label)))
	if m == nil {
		return "", ""
	}
	var brigade string
	if i := strings.IndexByte(label, '/'); i >= 0 {
		brigade = strings.TrimSpace(label[i+1:])
	}
	return m[1], brigade
}

func (s *Source) fetchFeed(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}
	return feed, nil
}
