package fleet

import (
	"sort"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// Filters is the user-controlled part of the derived view
type Filters struct {
	ShowBuses      bool             `json:"showBuses"`
	ShowTrams      bool             `json:"showTrams"`
	SelectedLines  []string         `json:"selectedLines"`
	Favourites     []models.LineKey `json:"favourites"`
	FavouritesMode FavouritesMode   `json:"favouritesMode"`
}

// Filters returns the current filter settings
func (s *Store) Filters() Filters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Filters{
		ShowBuses:      s.showBuses,
		ShowTrams:      s.showTrams,
		SelectedLines:  sortedSet(s.selected),
		Favourites:     append([]models.LineKey(nil), s.favourites...),
		FavouritesMode: s.mode,
	}
}

// SetShowBuses toggles bus visibility
func (s *Store) SetShowBuses(show bool) {
	s.mutate(func() bool {
		s.showBuses = show
		return false
	})
}

// SetShowTrams toggles tram visibility
func (s *Store) SetShowTrams(show bool) {
	s.mutate(func() bool {
		s.showTrams = show
		return false
	})
}

// SetFavouritesMode switches the favourites policy
func (s *Store) SetFavouritesMode(mode FavouritesMode) {
	s.mutate(func() bool {
		s.mode = mode
		return false
	})
}

// SelectLine adds line to the selection
func (s *Store) SelectLine(line string) {
	s.mutate(func() bool {
		s.selected[line] = struct{}{}
		return false
	})
}

// DeselectLine removes line from the selection
func (s *Store) DeselectLine(line string) {
	s.mutate(func() bool {
		delete(s.selected, line)
		return false
	})
}

// ToggleLine flips line's selection and returns whether it is now selected
func (s *Store) ToggleLine(line string) bool {
	var selected bool
	s.mutate(func() bool {
		if _, ok := s.selected[line]; ok {
			delete(s.selected, line)
		} else {
			s.selected[line] = struct{}{}
			selected = true
		}
		return false
	})
	return selected
}

// SetSelectedLines replaces the selection
func (s *Store) SetSelectedLines(lines []string) {
	s.mutate(func() bool {
		s.selected = make(map[string]struct{}, len(lines))
		for _, l := range lines {
			s.selected[l] = struct{}{}
		}
		return false
	})
}

// IsSelected reports whether line is selected
func (s *Store) IsSelected(line string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.selected[line]
	return ok
}

// SetFavourites replaces the favourite lines. Duplicates are dropped.
func (s *Store) SetFavourites(favs []models.LineKey) {
	s.mutate(func() bool {
		seen := make(map[models.LineKey]struct{}, len(favs))
		s.favourites = s.favourites[:0]
		s.favLines = make(map[string]struct{}, len(favs))
		for _, f := range favs {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			s.favourites = append(s.favourites, f)
			s.favLines[f.Line] = struct{}{}
		}
		return false
	})
}

// Favourites returns the favourite lines
func (s *Store) Favourites() []models.LineKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LineKey(nil), s.favourites...)
}

// SetViewport sets the region used for clustering. A nil viewport turns
// clustering off.
func (s *Store) SetViewport(v *geo.Viewport) {
	s.mutate(func() bool {
		if v == nil {
			s.viewport = nil
		} else {
			vp := *v
			s.viewport = &vp
		}
		return false
	})
}

func (s *Store) eligibleLocked(v *models.Vehicle) bool {
	switch v.Type {
	case models.VehicleTypeBus:
		if !s.showBuses {
			return false
		}
	case models.VehicleTypeTram:
		if !s.showTrams {
			return false
		}
	default:
		return false
	}

	if len(s.selected) == 0 {
		return true
	}
	if _, ok := s.selected[v.Line]; ok {
		return true
	}
	if s.mode == FavouritesInclude {
		_, fav := s.favLines[v.Line]
		return fav
	}
	return false
}

func (s *Store) priorityLocked(v *models.Vehicle) bool {
	if _, ok := s.selected[v.Line]; ok {
		return true
	}
	_, fav := s.favLines[v.Line]
	return fav
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return models.CompareLines(out[i], out[j]) < 0 })
	return out
}
