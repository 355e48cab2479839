package fleet

import (
	"context"
	"log"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// DefaultFavouriteRefresh is the interval between favourite-line refreshes
const DefaultFavouriteRefresh = 30 * time.Second

// LineFetcher looks up the current vehicles of one line
type LineFetcher interface {
	VehiclesByLine(ctx context.Context, line string) ([]models.Vehicle, error)
}

// FavouriteRefresher periodically pulls favourite-line vehicles over REST
// so they stay current outside the subscribed tiles
type FavouriteRefresher struct {
	store    *Store
	fetcher  LineFetcher
	interval time.Duration
	logger   *log.Logger
}

// NewFavouriteRefresher creates a refresher; interval <= 0 uses the default
func NewFavouriteRefresher(store *Store, fetcher LineFetcher, interval time.Duration, logger *log.Logger) *FavouriteRefresher {
	if interval <= 0 {
		interval = DefaultFavouriteRefresh
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FavouriteRefresher{
		store:    store,
		fetcher:  fetcher,
		interval: interval,
		logger:   logger,
	}
}

// Run refreshes on every tick until ctx ends
func (r *FavouriteRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce fetches every favourite line and merges the results. Lines
// that fail are skipped. It returns the number of vehicles merged.
func (r *FavouriteRefresher) RefreshOnce(ctx context.Context) int {
	favs := r.store.Favourites()
	if len(favs) == 0 {
		return 0
	}

	seen := make(map[string]struct{}, len(favs))
	var merged []models.Vehicle
	for _, fav := range favs {
		if _, dup := seen[fav.Line]; dup {
			continue
		}
		seen[fav.Line] = struct{}{}

		vehicles, err := r.fetcher.VehiclesByLine(ctx, fav.Line)
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			r.logger.Printf("Fleet: favourite refresh for line %s failed: %v", fav.Line, err)
			continue
		}
		for _, v := range vehicles {
			if v.Validate() == nil {
				merged = append(merged, v)
			}
		}
	}

	if len(merged) > 0 {
		r.store.Upsert(merged)
	}
	return len(merged)
}
