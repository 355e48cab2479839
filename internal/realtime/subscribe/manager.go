// Package subscribe turns viewport changes into minimal tile
// subscribe/unsubscribe frames.
package subscribe

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/conn"
	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/wire"
)

// DefaultQuietPeriod is how long the viewport must stay still before the
// subscription set is updated
const DefaultQuietPeriod = 300 * time.Millisecond

// Sender delivers outbound frames. *conn.Connection satisfies it.
type Sender interface {
	Send(msg wire.Outbound) error
}

// Manager owns the subscription set. Pending viewport updates are
// last-write-wins; applying a set is serialized.
type Manager struct {
	sender Sender
	quiet  time.Duration
	logger *log.Logger

	mu      sync.Mutex
	current map[string]struct{}
	timer   *time.Timer
	gen     uint64
	closed  bool

	applyMu sync.Mutex
}

// NewManager creates a manager with an empty subscription set. A quiet
// period <= 0 uses DefaultQuietPeriod.
func NewManager(sender Sender, quiet time.Duration, logger *log.Logger) *Manager {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		sender:  sender,
		quiet:   quiet,
		logger:  logger,
		current: make(map[string]struct{}),
	}
}

// ViewportChanged schedules an update for v after the quiet period,
// replacing any update still pending
func (m *Manager) ViewportChanged(v geo.Viewport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}

	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.quiet, func() {
		m.mu.Lock()
		stale := gen != m.gen || m.closed
		if !stale {
			m.timer = nil
		}
		m.mu.Unlock()

		// A timer that fired while being replaced must not apply
		if stale {
			return
		}
		m.Apply(v)
	})
}

// Apply immediately replaces the subscription set with the coverage of v
func (m *Manager) Apply(v geo.Viewport) {
	m.SetTiles(geo.VisibleTiles(v))
}

// SetTiles replaces the subscription set with tiles, sending only the
// difference. Empty frames are never sent.
func (m *Manager) SetTiles(tiles []string) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	next := make(map[string]struct{}, len(tiles))
	for _, t := range tiles {
		next[t] = struct{}{}
	}

	m.mu.Lock()
	prev := m.current
	m.current = next
	m.mu.Unlock()

	add := difference(next, prev)
	remove := difference(prev, next)

	if len(add) > 0 {
		m.send(wire.Subscribe(add))
	}
	if len(remove) > 0 {
		m.send(wire.Unsubscribe(remove))
	}
}

// Resubscribe sends the full current set, used after a socket (re)opens
func (m *Manager) Resubscribe() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	tiles := m.CurrentTiles()
	if len(tiles) == 0 {
		return
	}
	m.send(wire.Subscribe(tiles))
}

// CurrentTiles returns the subscribed tile ids, sorted
func (m *Manager) CurrentTiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.current)
}

// Contains reports whether tile is currently subscribed
func (m *Manager) Contains(tile string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.current[tile]
	return ok
}

// Close cancels any pending update
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) send(msg wire.Outbound) {
	err := m.sender.Send(msg)
	switch {
	case err == nil:
	case errors.Is(err, conn.ErrNotConnected):
		// The whole set is replayed on the next open
	default:
		m.logger.Printf("Subscribe: failed to send %s for %d tiles: %v", msg.Type, len(msg.Payload.TileIDs), err)
	}
}

func difference(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
