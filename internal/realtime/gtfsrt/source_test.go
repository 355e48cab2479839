package gtfsrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/drobiAlex/wabus-fleetsync/internal/fleet"
	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/conn"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/wire"
)

func TestParseLabel(t *testing.T) {
	tests := []struct {
		label   string
		line    string
		brigade string
	}{
		{"175/3", "175", "3"},
		{"N01/2", "N01", "2"},
		{"e-2/1", "E-2", "1"},
		{"17", "17", ""},
		{"1001", "", ""},
		{"", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.label, func(t *testing.T) {
			line, brigade := parseLabel(tc.label)
			if line != tc.line || brigade != tc.brigade {
				t.Errorf("parseLabel(%q) = %q, %q; expected %q, %q", tc.label, line, brigade, tc.line, tc.brigade)
			}
		})
	}
}

type entity struct {
	id, vehicleID, label, routeID string
	lat, lon                      float32
}

func buildFeed(t *testing.T, entities ...entity) []byte {
	t.Helper()

	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1768212000),
		},
	}
	for _, e := range entities {
		vp := &gtfs.VehiclePosition{
			Position: &gtfs.Position{
				Latitude:  proto.Float32(e.lat),
				Longitude: proto.Float32(e.lon),
			},
			Timestamp: proto.Uint64(1768211990),
		}
		if e.vehicleID != "" || e.label != "" {
			vp.Vehicle = &gtfs.VehicleDescriptor{}
			if e.vehicleID != "" {
				vp.Vehicle.Id = proto.String(e.vehicleID)
			}
			if e.label != "" {
				vp.Vehicle.Label = proto.String(e.label)
			}
		}
		if e.routeID != "" {
			vp.Trip = &gtfs.TripDescriptor{RouteId: proto.String(e.routeID)}
		}
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{Id: proto.String(e.id), Vehicle: vp})
	}

	data, err := proto.Marshal(feed)
	if err != nil {
		t.Fatalf("failed to marshal feed: %v", err)
	}
	return data
}

// feedServer serves whatever feed was last set
type feedServer struct {
	mu   sync.Mutex
	body []byte
}

func (f *feedServer) set(b []byte) {
	f.mu.Lock()
	f.body = b
	f.mu.Unlock()
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Write(f.body)
}

type tileSet map[string]bool

func (s tileSet) Contains(tile string) bool { return s[tile] }

type lineTypes map[string]models.VehicleType

func (l lineTypes) LineType(line string) (models.VehicleType, bool) {
	t, ok := l[line]
	return t, ok
}

func newTestSource(t *testing.T, feed *feedServer, store *fleet.Store, tiles TileFilter) *Source {
	t.Helper()
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	return New(Options{
		URL:   srv.URL,
		Sink:  store,
		Tiles: tiles,
		Lines: lineTypes{"4": models.VehicleTypeTram, "N01": models.VehicleTypeBus},
		Now:   func() time.Time { return time.Unix(1768212000, 0) },
	})
}

func TestPollOnceAppliesSubscribedVehicles(t *testing.T) {
	inside := geo.TileID(52.23, 21.01)
	feed := &feedServer{}
	feed.set(buildFeed(t,
		entity{id: "e1", vehicleID: "1001", label: "175/3", routeID: "175", lat: 52.23, lon: 21.01},
		entity{id: "e2", label: "N01/2", lat: 52.23, lon: 21.01},
		entity{id: "e3", vehicleID: "3003", routeID: "4", lat: 52.23, lon: 21.01},
		entity{id: "e4", vehicleID: "4004", routeID: "9", lat: 50.06, lon: 19.94},
		entity{id: "e5", vehicleID: "5005", label: "9999", lat: 52.23, lon: 21.01},
	))

	store := fleet.NewStore(fleet.Options{})
	src := newTestSource(t, feed, store, tileSet{inside: true})
	src.ConnectionChanged(conn.Disconnected)

	if err := src.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	keys := store.KeysWithPrefix(KeyPrefix)
	want := []string{"gtfsrt:1001", "gtfsrt:3003", "gtfsrt:e2"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, expected %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, expected %s", i, keys[i], want[i])
		}
	}

	v, _ := store.Vehicle("gtfsrt:1001")
	if v.Line != "175" || v.Brigade != "3" || v.Type != models.VehicleTypeBus || v.TileID != inside {
		t.Errorf("unexpected bus: %+v", v)
	}
	if v.Timestamp.Unix() != 1768211990 {
		t.Errorf("timestamp = %v", v.Timestamp)
	}
	if tram, _ := store.Vehicle("gtfsrt:3003"); tram.Type != models.VehicleTypeTram {
		t.Errorf("line 4 must be a tram from reference data, got %s", tram.Type)
	}
	if night, _ := store.Vehicle("gtfsrt:e2"); night.Line != "N01" {
		t.Errorf("line must come from the label when the trip has no route, got %q", night.Line)
	}
}

func TestPollOnceRemovesVanishedKeys(t *testing.T) {
	feed := &feedServer{}
	feed.set(buildFeed(t,
		entity{id: "e1", vehicleID: "1001", routeID: "175", lat: 52.23, lon: 21.01},
		entity{id: "e2", vehicleID: "2002", routeID: "175", lat: 52.23, lon: 21.01},
	))

	store := fleet.NewStore(fleet.Options{})
	store.Upsert([]models.Vehicle{{Key: "ws-1", Type: models.VehicleTypeBus, Line: "9", Lat: 52.2, Lon: 21}})
	src := newTestSource(t, feed, store, nil)
	src.ConnectionChanged(conn.Connecting)

	if err := src.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	feed.set(buildFeed(t, entity{id: "e2", vehicleID: "2002", routeID: "175", lat: 52.24, lon: 21.02}))
	if err := src.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if _, ok := store.Vehicle("gtfsrt:1001"); ok {
		t.Error("vanished fallback vehicle must be removed")
	}
	if v, ok := store.Vehicle("gtfsrt:2002"); !ok || v.Lat < 52.239 {
		t.Errorf("remaining vehicle must be updated, got %+v", v)
	}
	if _, ok := store.Vehicle("ws-1"); !ok {
		t.Error("websocket vehicles must never be touched")
	}
}

func TestConnectedPurgesFallbackKeys(t *testing.T) {
	feed := &feedServer{}
	feed.set(buildFeed(t, entity{id: "e1", vehicleID: "1001", routeID: "175", lat: 52.23, lon: 21.01}))

	store := fleet.NewStore(fleet.Options{})
	store.Upsert([]models.Vehicle{{Key: "ws-1", Type: models.VehicleTypeBus, Line: "9", Lat: 52.2, Lon: 21}})
	src := newTestSource(t, feed, store, nil)

	src.ConnectionChanged(conn.Disconnected)
	if !src.Active() {
		t.Fatal("source must poll while disconnected")
	}
	src.PollOnce(context.Background())
	if len(store.KeysWithPrefix(KeyPrefix)) != 1 {
		t.Fatal("expected one fallback vehicle")
	}

	src.ConnectionChanged(conn.Connected)
	if src.Active() {
		t.Error("source must stop polling once connected")
	}
	if keys := store.KeysWithPrefix(KeyPrefix); len(keys) != 0 {
		t.Errorf("fallback keys must be removed on reconnect, got %v", keys)
	}
	if store.Len() != 1 {
		t.Errorf("expected only the websocket vehicle to remain, got %d", store.Len())
	}

	if err := src.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(store.KeysWithPrefix(KeyPrefix)) != 0 {
		t.Error("an inactive source must not apply feed results")
	}
}

func TestRunPollsImmediatelyWhenDisconnected(t *testing.T) {
	feed := &feedServer{}
	feed.set(buildFeed(t, entity{id: "e1", vehicleID: "1001", routeID: "175", lat: 52.23, lon: 21.01}))

	store := fleet.NewStore(fleet.Options{})
	srv := httptest.NewServer(feed)
	defer srv.Close()
	src := New(Options{URL: srv.URL, Sink: store, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	src.ConnectionChanged(conn.Disconnected)

	deadline := time.After(2 * time.Second)
	for len(store.KeysWithPrefix(KeyPrefix)) == 0 {
		select {
		case <-deadline:
			t.Fatal("fallback never polled after the connection dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollOnceBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := New(Options{URL: srv.URL, Sink: fleet.NewStore(fleet.Options{})})
	src.ConnectionChanged(conn.Disconnected)
	if err := src.PollOnce(context.Background()); err == nil {
		t.Error("expected an error for a non-200 feed")
	}
}

// reconnectingSink reports a reconnect from another goroutine while the
// first poll result is being applied
type reconnectingSink struct {
	*fleet.Store
	src  *Source
	once sync.Once
	done chan struct{}
}

func (r *reconnectingSink) Apply(msg wire.Inbound) {
	r.once.Do(func() {
		go func() {
			r.src.ConnectionChanged(conn.Connected)
			close(r.done)
		}()
		// Give the reconnect a chance to run its purge first
		time.Sleep(50 * time.Millisecond)
	})
	r.Store.Apply(msg)
}

func TestReconnectDuringApplyLeavesNoFallbackKeys(t *testing.T) {
	feed := &feedServer{}
	feed.set(buildFeed(t, entity{id: "e1", vehicleID: "1001", routeID: "175", lat: 52.23, lon: 21.01}))
	srv := httptest.NewServer(feed)
	defer srv.Close()

	store := fleet.NewStore(fleet.Options{})
	sink := &reconnectingSink{Store: store, done: make(chan struct{})}
	src := New(Options{
		URL:   srv.URL,
		Sink:  sink,
		Lines: lineTypes{},
		Now:   func() time.Time { return time.Unix(1768212000, 0) },
	})
	sink.src = src

	src.ConnectionChanged(conn.Disconnected)
	if err := src.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect did not finish")
	}

	if src.Active() {
		t.Error("source must be inactive after reconnect")
	}
	if keys := store.KeysWithPrefix(KeyPrefix); len(keys) != 0 {
		t.Errorf("fallback vehicles survived the reconnect: %v", keys)
	}
}
