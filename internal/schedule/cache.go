// Package schedule caches per-stop timetables and served lines fetched
// over REST.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

const (
	DefaultScheduleTTL = 5 * time.Minute
	DefaultLinesTTL    = 10 * time.Minute
	DefaultSize        = 512

	// PrefetchLimit bounds concurrent fetches during Prefetch
	PrefetchLimit = 5
)

// Fetcher is the REST surface the cache reads through
type Fetcher interface {
	StopSchedule(ctx context.Context, stopID, date string) ([]models.StopTime, error)
	StopLines(ctx context.Context, stopID string) ([]models.StopLine, error)
}

// StopSchedule is one day's stop times at a stop
type StopSchedule struct {
	StopID    string            `json:"stopId"`
	Date      string            `json:"date"`
	StopTimes []models.StopTime `json:"stopTimes"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Options configures a Cache
type Options struct {
	ScheduleTTL time.Duration
	LinesTTL    time.Duration
	Size        int
	// Clock drives both expiry and FetchedAt; nil uses the real clock
	Clock  gcache.Clock
	Logger *log.Logger
}

// Cache is a read-through cache keyed by (stop, date) for schedules and by
// stop for lines. Concurrent misses for the same key share one fetch.
type Cache struct {
	fetcher Fetcher
	clock   gcache.Clock
	logger  *log.Logger

	schedules gcache.Cache
	lines     gcache.Cache
	group     singleflight.Group
}

// New creates a cache in front of fetcher
func New(fetcher Fetcher, opts Options) *Cache {
	if opts.ScheduleTTL <= 0 {
		opts.ScheduleTTL = DefaultScheduleTTL
	}
	if opts.LinesTTL <= 0 {
		opts.LinesTTL = DefaultLinesTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Clock == nil {
		opts.Clock = gcache.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Cache{
		fetcher: fetcher,
		clock:   opts.Clock,
		logger:  opts.Logger,
		schedules: gcache.New(opts.Size).
			LRU().
			Expiration(opts.ScheduleTTL).
			Clock(opts.Clock).
			Build(),
		lines: gcache.New(opts.Size).
			LRU().
			Expiration(opts.LinesTTL).
			Clock(opts.Clock).
			Build(),
	}
}

func scheduleKey(stopID, date string) string {
	return stopID + "|" + date
}

// Schedule returns the stop times at stopID for a GTFS date (YYYYMMDD)
func (c *Cache) Schedule(ctx context.Context, stopID, date string) (*StopSchedule, error) {
	key := scheduleKey(stopID, date)
	if v, err := c.schedules.Get(key); err == nil {
		return v.(*StopSchedule), nil
	}

	v, err := c.shared(ctx, "schedule:"+key, func(ctx context.Context) (any, error) {
		times, err := c.fetcher.StopSchedule(ctx, stopID, date)
		if err != nil {
			return nil, err
		}
		s := &StopSchedule{
			StopID:    stopID,
			Date:      date,
			StopTimes: times,
			FetchedAt: c.clock.Now(),
		}
		if err := c.schedules.Set(key, s); err != nil {
			c.logger.Printf("Schedule: failed to cache %s: %v", key, err)
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schedule for stop %s: %w", stopID, err)
	}
	return v.(*StopSchedule), nil
}

// shared runs fn once per key for all concurrent callers. The fetch is
// detached from any single caller's cancellation and bounded by the REST
// client timeout; a cancelled caller stops waiting without failing the
// others.
func (c *Cache) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Today returns the schedule for the clock's current date
func (c *Cache) Today(ctx context.Context, stopID string) (*StopSchedule, error) {
	return c.Schedule(ctx, stopID, gtfsDate(c.clock.Now()))
}

// Tomorrow returns the schedule for the day after the clock's current date
func (c *Cache) Tomorrow(ctx context.Context, stopID string) (*StopSchedule, error) {
	return c.Schedule(ctx, stopID, gtfsDate(c.clock.Now().AddDate(0, 0, 1)))
}

// Lines returns the lines serving stopID
func (c *Cache) Lines(ctx context.Context, stopID string) ([]models.StopLine, error) {
	if v, err := c.lines.Get(stopID); err == nil {
		return v.([]models.StopLine), nil
	}

	v, err := c.shared(ctx, "lines:"+stopID, func(ctx context.Context) (any, error) {
		lines, err := c.fetcher.StopLines(ctx, stopID)
		if err != nil {
			return nil, err
		}
		if err := c.lines.Set(stopID, lines); err != nil {
			c.logger.Printf("Schedule: failed to cache lines for %s: %v", stopID, err)
		}
		return lines, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lines for stop %s: %w", stopID, err)
	}
	return v.([]models.StopLine), nil
}

// InvalidateStop drops every cached schedule and the lines of one stop
func (c *Cache) InvalidateStop(stopID string) {
	prefix := stopID + "|"
	for _, k := range c.schedules.Keys(false) {
		if s, ok := k.(string); ok && strings.HasPrefix(s, prefix) {
			c.schedules.Remove(k)
		}
	}
	c.lines.Remove(stopID)
}

// InvalidateAll empties both caches
func (c *Cache) InvalidateAll() {
	c.schedules.Purge()
	c.lines.Purge()
}

// Prefetch warms today's schedule for every stop, at most PrefetchLimit at
// a time. Failures are logged and ignored.
func (c *Cache) Prefetch(ctx context.Context, stopIDs []string) {
	var g errgroup.Group
	g.SetLimit(PrefetchLimit)

	for _, id := range stopIDs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := c.Today(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Printf("Schedule: prefetch for stop %s failed: %v", id, err)
			}
			return nil
		})
	}
	g.Wait()
}

func gtfsDate(t time.Time) string {
	return t.Format("20060102")
}
