package fleet

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/wire"
)

func bus(key, line string, lat, lon float64) models.Vehicle {
	return models.Vehicle{Key: key, Type: models.VehicleTypeBus, Line: line, Lat: lat, Lon: lon}
}

func tram(key, line string, lat, lon float64) models.Vehicle {
	return models.Vehicle{Key: key, Type: models.VehicleTypeTram, Line: line, Lat: lat, Lon: lon}
}

func keysOf(list []VehicleView) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, v.Key)
	}
	return out
}

func TestLastMessagePerKeyWins(t *testing.T) {
	s := NewStore(Options{})

	s.Apply(wire.NewSnapshot([]models.Vehicle{bus("a", "175", 52.1, 21.0), bus("b", "175", 52.2, 21.0)}))
	s.Apply(wire.NewDelta([]models.Vehicle{bus("a", "180", 52.3, 21.1)}, nil))
	s.Apply(wire.NewSnapshot([]models.Vehicle{tram("c", "17", 52.25, 21.05)}))
	s.Apply(wire.NewDelta([]models.Vehicle{bus("b", "175", 52.21, 21.01)}, nil))

	want := map[string]models.Vehicle{
		"a": bus("a", "180", 52.3, 21.1),
		"b": bus("b", "175", 52.21, 21.01),
		"c": tram("c", "17", 52.25, 21.05),
	}
	got := make(map[string]models.Vehicle)
	for _, v := range s.All() {
		got[v.Key] = v
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("table = %+v, expected %+v", got, want)
	}
}

func TestSnapshotNeverRemoves(t *testing.T) {
	s := NewStore(Options{})
	s.Apply(wire.NewSnapshot([]models.Vehicle{bus("a", "1", 52, 21), bus("b", "2", 52, 21)}))
	s.Apply(wire.NewSnapshot([]models.Vehicle{bus("a", "1", 52.1, 21)}))

	if s.Len() != 2 {
		t.Errorf("expected snapshot to merge, got %d vehicles", s.Len())
	}
}

func TestDeltaRemovesAfterUpserts(t *testing.T) {
	s := NewStore(Options{})
	s.Apply(wire.NewSnapshot([]models.Vehicle{bus("a", "1", 52, 21)}))
	s.Apply(wire.NewSnapshot([]models.Vehicle{bus("a", "1", 52.01, 21)}))

	if _, ok := s.Heading("a"); !ok {
		t.Fatal("expected heading after movement")
	}

	s.Apply(wire.NewDelta([]models.Vehicle{bus("a", "1", 52.02, 21), bus("x", "2", 52, 21)}, []string{"a", "x"}))

	if _, ok := s.Vehicle("a"); ok {
		t.Error("vehicle a should be removed")
	}
	if _, ok := s.Vehicle("x"); ok {
		t.Error("vehicle x updated and removed in the same delta should be absent")
	}
	if _, ok := s.Heading("a"); ok {
		t.Error("heading should be removed with the vehicle")
	}
}

func TestHeadingEpsilon(t *testing.T) {
	s := NewStore(Options{})

	s.Upsert([]models.Vehicle{bus("a", "1", 52.0, 21.0)})
	if _, ok := s.Heading("a"); ok {
		t.Fatal("first sighting must not produce a heading")
	}

	// Move due east
	s.Upsert([]models.Vehicle{bus("a", "1", 52.0, 21.01)})
	h, ok := s.Heading("a")
	if !ok || math.Abs(h-90) > 0.1 {
		t.Fatalf("expected ~90 degree heading, got %f (%v)", h, ok)
	}

	// Identical and sub-epsilon reports keep it
	s.Upsert([]models.Vehicle{bus("a", "1", 52.0, 21.01)})
	s.Upsert([]models.Vehicle{bus("a", "1", 52.0+5e-7, 21.01)})
	if h2, _ := s.Heading("a"); h2 != h {
		t.Errorf("heading changed on stationary report: %f -> %f", h, h2)
	}

	// Move due north
	s.Upsert([]models.Vehicle{bus("a", "1", 52.01, 21.01)})
	if h3, _ := s.Heading("a"); math.Abs(h3) > 0.1 && math.Abs(h3-360) > 0.1 {
		t.Errorf("expected ~0 degree heading, got %f", h3)
	}

	view := s.View()
	if len(view.Vehicles) != 1 || view.Vehicles[0].Heading == nil {
		t.Errorf("expected heading in view, got %+v", view.Vehicles)
	}
}

func TestTypeToggleAndCounts(t *testing.T) {
	s := NewStore(Options{})
	s.Upsert([]models.Vehicle{bus("a", "1", 52, 21), bus("b", "2", 52, 21), tram("c", "17", 52, 21)})

	v := s.View()
	if v.BusCount != 2 || v.TramCount != 1 || len(v.Vehicles) != 3 {
		t.Fatalf("unexpected view %+v", v)
	}

	s.SetShowBuses(false)
	v = s.View()
	if v.BusCount != 0 || v.TramCount != 1 || !reflect.DeepEqual(keysOf(v.Vehicles), []string{"c"}) {
		t.Errorf("buses hidden: unexpected view %+v", v)
	}

	s.SetShowBuses(true)
	s.SetShowTrams(false)
	if got := keysOf(s.View().Vehicles); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("trams hidden: got %v", got)
	}
}

func TestLineSelectionAndFavouritesMode(t *testing.T) {
	s := NewStore(Options{})
	s.Upsert([]models.Vehicle{bus("a", "175", 52, 21), bus("b", "180", 52, 21), tram("c", "17", 52, 21)})
	s.SetFavourites([]models.LineKey{{Type: models.VehicleTypeTram, Line: "17"}})

	if got := keysOf(s.View().Vehicles); len(got) != 3 {
		t.Fatalf("no selection should show everything, got %v", got)
	}

	s.SelectLine("175")
	if got := keysOf(s.View().Vehicles); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("priority mode: got %v, expected only the selected line", got)
	}

	s.SetFavouritesMode(FavouritesInclude)
	if got := keysOf(s.View().Vehicles); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("include mode: got %v, expected selected plus favourite line", got)
	}

	if s.ToggleLine("175") {
		t.Error("toggling a selected line should deselect it")
	}
	if got := s.View().Vehicles; len(got) != 3 {
		t.Errorf("empty selection should show everything, got %d", len(got))
	}
}

func TestCapPrefersSelectedAndFavouriteLines(t *testing.T) {
	s := NewStore(Options{MaxVisible: 5})

	var vs []models.Vehicle
	for i := 0; i < 10; i++ {
		vs = append(vs, bus(fmt.Sprintf("other-%02d", i), "100", 52, 21))
	}
	vs = append(vs, bus("z-fav-1", "500", 52, 21), bus("z-fav-2", "500", 52, 21))
	s.Upsert(vs)
	s.SetFavourites([]models.LineKey{{Type: models.VehicleTypeBus, Line: "500"}})

	v := s.View()
	if v.BusCount != 12 {
		t.Errorf("counts must be taken before capping, got %d", v.BusCount)
	}
	want := []string{"z-fav-1", "z-fav-2", "other-00", "other-01", "other-02"}
	if got := keysOf(v.Vehicles); !reflect.DeepEqual(got, want) {
		t.Errorf("capped set = %v, expected %v", got, want)
	}
}

func TestClusteringThreeAndOne(t *testing.T) {
	s := NewStore(Options{})
	s.SetViewport(&geo.Viewport{CenterLat: 52.2, CenterLon: 21.0, LatSpan: 0.1, LonSpan: 0.1})

	s.Upsert([]models.Vehicle{
		bus("a", "1", 52.151, 20.951),
		bus("b", "1", 52.152, 20.953),
		tram("c", "17", 52.155, 20.955),
		bus("d", "2", 52.245, 21.045),
		bus("outside", "3", 53.0, 21.0),
	})

	v := s.View()
	if len(v.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %+v", v.Clusters)
	}
	c := v.Clusters[0]
	if c.Count != 3 || c.ID != "cell-0-0" || c.Type != models.VehicleTypeBus {
		t.Errorf("unexpected cluster %+v", c)
	}
	if !reflect.DeepEqual(c.Keys, []string{"a", "b", "c"}) {
		t.Errorf("cluster keys = %v", c.Keys)
	}
	if math.Abs(c.Lat-(52.151+52.152+52.155)/3) > 1e-9 {
		t.Errorf("centroid lat = %f", c.Lat)
	}
	if c.Bounds.MinLat != 52.151 || c.Bounds.MaxLon != 20.955 {
		t.Errorf("cluster bounds = %+v", c.Bounds)
	}
	if got := keysOf(v.Singles); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("singles = %v, expected [d]", got)
	}

	// Clearing the viewport turns every vehicle into a single
	s.SetViewport(nil)
	v = s.View()
	if len(v.Clusters) != 0 || len(v.Singles) != 5 {
		t.Errorf("without viewport expected 5 singles, got %d clusters %d singles", len(v.Clusters), len(v.Singles))
	}
}

func TestClusterDominantTypeTram(t *testing.T) {
	s := NewStore(Options{})
	s.SetViewport(&geo.Viewport{CenterLat: 52.2, CenterLon: 21.0, LatSpan: 0.1, LonSpan: 0.1})
	s.Upsert([]models.Vehicle{
		tram("a", "17", 52.151, 20.951),
		tram("b", "17", 52.152, 20.952),
		bus("c", "1", 52.153, 20.953),
	})

	clusters := s.View().Clusters
	if len(clusters) != 1 || clusters[0].Type != models.VehicleTypeTram {
		t.Errorf("expected tram-dominated cluster, got %+v", clusters)
	}
}

func TestLineCatalogue(t *testing.T) {
	s := NewStore(Options{})

	s.Upsert([]models.Vehicle{bus("a", "N01", 52, 21), bus("b", "175", 52, 21), tram("c", "17", 52, 21), bus("d", "9", 52, 21)})
	lines, v1 := s.Lines()
	want := []models.LineKey{
		{Type: models.VehicleTypeBus, Line: "9"},
		{Type: models.VehicleTypeBus, Line: "175"},
		{Type: models.VehicleTypeBus, Line: "N01"},
		{Type: models.VehicleTypeTram, Line: "17"},
	}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("catalogue = %v, expected %v", lines, want)
	}

	// Another vehicle on a known line and a position update leave it alone
	s.Upsert([]models.Vehicle{bus("e", "175", 52, 21), bus("a", "N01", 52.1, 21)})
	if _, v2 := s.Lines(); v2 != v1 {
		t.Errorf("catalogue version moved without a key change: %d -> %d", v1, v2)
	}

	// Removing one of two vehicles on a line keeps the line
	s.Remove("e")
	if _, v3 := s.Lines(); v3 != v1 {
		t.Errorf("catalogue version moved while line still present: %d -> %d", v1, v3)
	}

	// A vehicle switching lines changes the set
	s.Upsert([]models.Vehicle{bus("d", "10", 52, 21)})
	lines, v4 := s.Lines()
	if v4 == v1 {
		t.Error("expected catalogue version to move after line change")
	}
	if lines[0].Line != "10" {
		t.Errorf("expected line 9 replaced by 10, got %v", lines)
	}

	if typ, ok := s.LineType("17"); !ok || typ != models.VehicleTypeTram {
		t.Errorf("LineType(17) = %v %v", typ, ok)
	}
}

func TestRunAppliesInOrder(t *testing.T) {
	s := NewStore(Options{})
	in := make(chan wire.Inbound, 3)
	in <- wire.NewSnapshot([]models.Vehicle{bus("a", "1", 52, 21)})
	in <- wire.NewDelta([]models.Vehicle{bus("a", "2", 52, 21)}, nil)
	in <- wire.NewDelta(nil, []string{"a"})
	close(in)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty table, got %d", s.Len())
	}
}

func TestChangesCoalesce(t *testing.T) {
	s := NewStore(Options{})
	s.Upsert([]models.Vehicle{bus("a", "1", 52, 21)})
	s.Upsert([]models.Vehicle{bus("b", "1", 52, 21)})

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-s.Changes():
		t.Fatal("expected notifications to coalesce")
	default:
	}
}

func TestReportLagStats(t *testing.T) {
	now := time.Date(2026, 6, 15, 8, 0, 0, 0, time.UTC)
	s := NewStore(Options{Now: func() time.Time { return now }})

	a := bus("a", "1", 52, 21)
	a.Timestamp = now.Add(-10 * time.Second)
	a.UpdatedAt = now.Add(-6 * time.Second)
	b := bus("b", "1", 52, 21)
	b.Timestamp = now.Add(-8 * time.Second)
	s.Upsert([]models.Vehicle{a, b})

	st := s.Stats()
	if st.ReportLag.Count != 2 || math.Abs(st.ReportLag.Mean-6) > 1e-9 {
		t.Errorf("unexpected lag stats %+v", st.ReportLag)
	}
	if st.Vehicles != 2 || st.Buses != 2 || st.Lines != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestParseFavouritesMode(t *testing.T) {
	for in, want := range map[string]FavouritesMode{"": FavouritesPriority, "priority": FavouritesPriority, "INCLUDE": FavouritesInclude} {
		got, err := ParseFavouritesMode(in)
		if err != nil || got != want {
			t.Errorf("ParseFavouritesMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFavouritesMode("always"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
