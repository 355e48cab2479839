// Package fleet holds the authoritative table of live vehicles and derives
// the filtered, capped and clustered views consumers render.
package fleet

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/metrics"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/wire"
)

// DefaultMaxVisible caps the rendered vehicle set
const DefaultMaxVisible = 150

// FavouritesMode decides how favourite lines interact with a line selection
type FavouritesMode string

const (
	// FavouritesPriority only moves favourite-line vehicles ahead when capping
	FavouritesPriority FavouritesMode = "priority"
	// FavouritesInclude also keeps favourite lines visible while a selection
	// is active
	FavouritesInclude FavouritesMode = "include"
)

// ParseFavouritesMode validates a mode name; empty means priority
func ParseFavouritesMode(s string) (FavouritesMode, error) {
	switch FavouritesMode(strings.ToLower(s)) {
	case "", FavouritesPriority:
		return FavouritesPriority, nil
	case FavouritesInclude:
		return FavouritesInclude, nil
	}
	return "", fmt.Errorf("unknown favourites mode %q", s)
}

// Options configures a Store
type Options struct {
	MaxVisible     int
	FavouritesMode FavouritesMode
	Now            func() time.Time
	Logger         *log.Logger
}

// Store is safe for concurrent use. Every mutation takes the write lock and
// recomputes the derived view before releasing it.
type Store struct {
	maxVisible int
	now        func() time.Time
	logger     *log.Logger

	mu       sync.RWMutex
	vehicles map[string]models.Vehicle
	headings map[string]float64

	lineRefs         map[models.LineKey]int
	catalogue        []models.LineKey
	catalogueVersion uint64

	showBuses  bool
	showTrams  bool
	selected   map[string]struct{}
	favourites []models.LineKey
	favLines   map[string]struct{}
	mode       FavouritesMode
	viewport   *geo.Viewport

	view    View
	lag     metrics.Running
	applied uint64

	changes chan struct{}
}

// NewStore creates an empty store with both vehicle types visible
func NewStore(opts Options) *Store {
	if opts.MaxVisible <= 0 {
		opts.MaxVisible = DefaultMaxVisible
	}
	if opts.FavouritesMode == "" {
		opts.FavouritesMode = FavouritesPriority
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Store{
		maxVisible: opts.MaxVisible,
		now:        opts.Now,
		logger:     opts.Logger,
		vehicles:   make(map[string]models.Vehicle),
		headings:   make(map[string]float64),
		lineRefs:   make(map[models.LineKey]int),
		showBuses:  true,
		showTrams:  true,
		selected:   make(map[string]struct{}),
		favLines:   make(map[string]struct{}),
		mode:       opts.FavouritesMode,
		changes:    make(chan struct{}, 1),
	}
}

// Run applies messages in receipt order until ctx ends or in is closed
func (s *Store) Run(ctx context.Context, in <-chan wire.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			s.Apply(msg)
		}
	}
}

// Apply reconciles one inbound message. Snapshots only merge; deltas upsert
// and then remove.
func (s *Store) Apply(msg wire.Inbound) {
	switch msg.Kind {
	case wire.KindSnapshot:
		s.mutate(func() bool {
			return s.upsertLocked(msg.Vehicles)
		})
	case wire.KindDelta:
		s.mutate(func() bool {
			changed := s.upsertLocked(msg.Updates)
			if s.removeLocked(msg.Removes) {
				changed = true
			}
			return changed
		})
	}
}

// Upsert merges vehicles like a snapshot. Used by local producers.
func (s *Store) Upsert(vehicles []models.Vehicle) {
	s.Apply(wire.NewSnapshot(vehicles))
}

// Remove deletes vehicles and their headings
func (s *Store) Remove(keys ...string) {
	s.Apply(wire.NewDelta(nil, keys))
}

// mutate runs fn under the write lock and refreshes derived state. fn
// reports whether the line key set changed.
func (s *Store) mutate(fn func() bool) {
	s.mu.Lock()
	linesChanged := fn()
	if linesChanged {
		s.rebuildCatalogueLocked()
	}
	s.recomputeLocked()
	s.mu.Unlock()

	s.notify()
}

func (s *Store) upsertLocked(vehicles []models.Vehicle) bool {
	linesChanged := false
	now := s.now()

	for _, v := range vehicles {
		old, existed := s.vehicles[v.Key]
		if existed {
			if geo.Moved(old.Lat, old.Lon, v.Lat, v.Lon) {
				s.headings[v.Key] = geo.Bearing(old.Lat, old.Lon, v.Lat, v.Lon)
			}
			if old.LineKey() != v.LineKey() {
				if s.releaseLineLocked(old.LineKey()) {
					linesChanged = true
				}
				if s.retainLineLocked(v.LineKey()) {
					linesChanged = true
				}
			}
		} else if s.retainLineLocked(v.LineKey()) {
			linesChanged = true
		}

		s.vehicles[v.Key] = v
		s.recordLagLocked(v, now)
	}

	s.applied += uint64(len(vehicles))
	return linesChanged
}

func (s *Store) removeLocked(keys []string) bool {
	linesChanged := false
	for _, key := range keys {
		old, ok := s.vehicles[key]
		if !ok {
			continue
		}
		delete(s.vehicles, key)
		delete(s.headings, key)
		if s.releaseLineLocked(old.LineKey()) {
			linesChanged = true
		}
	}
	return linesChanged
}

// retainLineLocked returns true when k enters the key set
func (s *Store) retainLineLocked(k models.LineKey) bool {
	s.lineRefs[k]++
	return s.lineRefs[k] == 1
}

// releaseLineLocked returns true when k leaves the key set
func (s *Store) releaseLineLocked(k models.LineKey) bool {
	n := s.lineRefs[k] - 1
	if n <= 0 {
		delete(s.lineRefs, k)
		return true
	}
	s.lineRefs[k] = n
	return false
}

func (s *Store) rebuildCatalogueLocked() {
	keys := make([]models.LineKey, 0, len(s.lineRefs))
	for k := range s.lineRefs {
		keys = append(keys, k)
	}
	models.SortLineKeys(keys)
	s.catalogue = keys
	s.catalogueVersion++
}

func (s *Store) recordLagLocked(v models.Vehicle, now time.Time) {
	if v.Timestamp.IsZero() {
		return
	}
	ref := v.UpdatedAt
	if ref.IsZero() {
		ref = now
	}
	s.lag.Add(ref.Sub(v.Timestamp).Seconds())
}

// notify signals Changes without blocking; pending signals coalesce
func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes receives a value after one or more mutations
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// Vehicle returns the current record for key
func (s *Store) Vehicle(key string) (models.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[key]
	return v, ok
}

// Heading returns the last computed heading for key
func (s *Store) Heading(key string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headings[key]
	return h, ok
}

// Len returns the number of tracked vehicles
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

// All returns every tracked vehicle sorted by key
func (s *Store) All() []models.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KeysWithPrefix returns tracked keys starting with prefix
func (s *Store) KeysWithPrefix(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.vehicles {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// LineType returns the vehicle type seen on line, preferring buses when a
// label is shared
func (s *Store) LineType(line string) (models.VehicleType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range []models.VehicleType{models.VehicleTypeBus, models.VehicleTypeTram} {
		if s.lineRefs[models.LineKey{Type: t, Line: line}] > 0 {
			return t, true
		}
	}
	return 0, false
}

// Lines returns the sorted line catalogue and its version. The version
// only moves when the set of (type, line) pairs changes.
func (s *Store) Lines() ([]models.LineKey, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LineKey(nil), s.catalogue...), s.catalogueVersion
}

// Stats summarizes the table
type Stats struct {
	Vehicles         int             `json:"vehicles"`
	Buses            int             `json:"buses"`
	Trams            int             `json:"trams"`
	Lines            int             `json:"lines"`
	CatalogueVersion uint64          `json:"catalogueVersion"`
	Applied          uint64          `json:"applied"`
	ReportLag        metrics.Summary `json:"reportLagSeconds"`
}

// Stats reports table sizes and the observed report lag
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Vehicles:         len(s.vehicles),
		Lines:            len(s.lineRefs),
		CatalogueVersion: s.catalogueVersion,
		Applied:          s.applied,
		ReportLag:        s.lag.Summary(),
	}
	for _, v := range s.vehicles {
		switch v.Type {
		case models.VehicleTypeBus:
			st.Buses++
		case models.VehicleTypeTram:
			st.Trams++
		}
	}
	return st
}
