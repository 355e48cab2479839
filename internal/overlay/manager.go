// Package overlay loads what is drawn on top of the live fleet: shapes and
// stops for selected lines, and the timetable of a selected stop.
package overlay

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
	"github.com/drobiAlex/wabus-fleetsync/internal/schedule"
)

// DefaultArrivalWindow is how far ahead selected-stop arrivals reach
const DefaultArrivalWindow = time.Hour

// Selection is the line selection kept by the vehicle store
type Selection interface {
	SelectLine(line string)
	DeselectLine(line string)
	IsSelected(line string) bool
	LineType(line string) (models.VehicleType, bool)
}

// RemoteSource is the REST fallback for shapes and stops
type RemoteSource interface {
	RouteShape(ctx context.Context, line string) ([]models.Shape, error)
	Stops(ctx context.Context) ([]models.Stop, error)
}

// ReferenceSource is the offline reference cache
type ReferenceSource interface {
	IsReady() bool
	Stops() []models.Stop
	Stop(id string) (models.Stop, bool)
	LineType(line string) (models.VehicleType, bool)
}

// ScheduleSource loads timetables for a stop
type ScheduleSource interface {
	Today(ctx context.Context, stopID string) (*schedule.StopSchedule, error)
	Lines(ctx context.Context, stopID string) ([]models.StopLine, error)
}

// Options configures a Manager
type Options struct {
	Selection     Selection
	Remote        RemoteSource
	Reference     ReferenceSource
	Schedules     ScheduleSource
	ArrivalWindow time.Duration
	Now           func() time.Time
	Logger        *log.Logger
}

type task struct {
	cancel context.CancelFunc
}

type lineData struct {
	shapes []models.Shape
	stops  []models.Stop
	// stopsKnown is false when no stop list could be loaded; the next
	// selection derives stops again from the cached shapes
	stopsKnown bool
}

type stopState struct {
	id       string
	task     *task
	loading  bool
	schedule *schedule.StopSchedule
	lines    []models.StopLine
}

// Manager owns the in-flight overlay loads. Every load runs in its own
// cancellable goroutine; a result arriving after its task was cancelled or
// replaced is discarded.
type Manager struct {
	selection Selection
	remote    RemoteSource
	reference ReferenceSource
	schedules ScheduleSource
	window    time.Duration
	now       func() time.Time
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	remoteStops singleflight.Group

	mu       sync.Mutex
	lines    map[string]*lineData
	inflight map[string]*task
	stop     *stopState
	fallback []models.Stop
}

// New creates a manager. Close cancels every outstanding load.
func New(opts Options) *Manager {
	if opts.ArrivalWindow <= 0 {
		opts.ArrivalWindow = DefaultArrivalWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		selection: opts.Selection,
		remote:    opts.Remote,
		reference: opts.Reference,
		schedules: opts.Schedules,
		window:    opts.ArrivalWindow,
		now:       opts.Now,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		lines:     make(map[string]*lineData),
		inflight:  make(map[string]*task),
	}
}

// Close cancels all loads and waits for their goroutines
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// SelectLine selects line and loads its shape unless already known
func (m *Manager) SelectLine(line string) {
	m.selection.SelectLine(line)

	m.mu.Lock()
	defer m.mu.Unlock()

	var shapes []models.Shape
	if data, ok := m.lines[line]; ok {
		if data.stopsKnown {
			return
		}
		shapes = data.shapes
	}
	if _, ok := m.inflight[line]; ok {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{cancel: cancel}
	m.inflight[line] = t

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.loadLine(ctx, line, t, shapes)
	}()
}

// DeselectLine deselects line and cancels its shape load
func (m *Manager) DeselectLine(line string) {
	m.selection.DeselectLine(line)

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.inflight[line]; ok {
		t.cancel()
		delete(m.inflight, line)
	}
}

// ToggleLine flips line's selection and returns whether it is now selected
func (m *Manager) ToggleLine(line string) bool {
	if m.selection.IsSelected(line) {
		m.DeselectLine(line)
		return false
	}
	m.SelectLine(line)
	return true
}

// Loading reports whether a shape load for line is in flight
func (m *Manager) Loading(line string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[line]
	return ok
}

// loadLine fetches the shape unless shapes is already known, then the
// stops near it
func (m *Manager) loadLine(ctx context.Context, line string, t *task, shapes []models.Shape) {
	if shapes == nil {
		var err error
		shapes, err = m.remote.RouteShape(ctx, line)
		if err != nil {
			m.finishLine(line, t, nil)
			if ctx.Err() == nil {
				m.logger.Printf("Overlay: failed to load shape for line %s: %v", line, err)
			}
			return
		}
	}

	all, ok := m.stopsFor(ctx)
	if ctx.Err() != nil {
		return
	}
	m.finishLine(line, t, &lineData{shapes: shapes, stops: stopsNearShapes(shapes, all), stopsKnown: ok})
}

// finishLine stores data only if t is still the current task for line
func (m *Manager) finishLine(line string, t *task, data *lineData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight[line] != t {
		return
	}
	delete(m.inflight, line)
	if data != nil {
		m.lines[line] = data
	}
}

// stopsFor prefers the reference cache and falls back to one REST fetch
// of every stop, kept once it succeeds. ok is false when neither source
// had a stop list.
func (m *Manager) stopsFor(ctx context.Context) ([]models.Stop, bool) {
	if m.reference != nil && m.reference.IsReady() {
		return m.reference.Stops(), true
	}

	m.mu.Lock()
	cached := m.fallback
	m.mu.Unlock()
	if cached != nil {
		return cached, true
	}

	v, err, _ := m.remoteStops.Do("stops", func() (any, error) {
		// shared by every waiting line load, so one cancellation must not fail the rest
		return m.remote.Stops(context.WithoutCancel(ctx))
	})
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Printf("Overlay: failed to load stops: %v", err)
		}
		return nil, false
	}

	stops := v.([]models.Stop)
	if stops == nil {
		stops = []models.Stop{}
	}
	m.mu.Lock()
	if m.fallback == nil {
		m.fallback = stops
	}
	m.mu.Unlock()
	return stops, true
}

// SelectStop makes stopID the selected stop and loads today's schedule
// and served lines for it
func (m *Manager) SelectStop(stopID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		if m.stop.id == stopID {
			return
		}
		m.stop.task.cancel()
	}

	ctx, cancel := context.WithCancel(m.ctx)
	st := &stopState{id: stopID, task: &task{cancel: cancel}, loading: true}
	m.stop = st

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.loadStop(ctx, st)
	}()
}

// ClearStop drops the selected stop and cancels its load
func (m *Manager) ClearStop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		m.stop.task.cancel()
		m.stop = nil
	}
}

func (m *Manager) loadStop(ctx context.Context, st *stopState) {
	sched, err := m.schedules.Today(ctx, st.id)
	if err != nil && ctx.Err() == nil {
		m.logger.Printf("Overlay: failed to load schedule for stop %s: %v", st.id, err)
	}
	lines, err := m.schedules.Lines(ctx, st.id)
	if err != nil && ctx.Err() == nil {
		m.logger.Printf("Overlay: failed to load lines for stop %s: %v", st.id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != st || ctx.Err() != nil {
		return
	}
	st.schedule = sched
	st.lines = lines
	st.loading = false
}

// LineOverlay is the drawable state of one selected line
type LineOverlay struct {
	Line      string                `json:"line"`
	Type      models.VehicleType    `json:"type"`
	Loading   bool                  `json:"loading"`
	Polylines [][]models.ShapePoint `json:"polylines"`
	StopIDs   []string              `json:"stopIds"`
}

// StopOverlay is the selected stop with its upcoming service
type StopOverlay struct {
	StopID   string             `json:"stopId"`
	Stop     *models.Stop       `json:"stop,omitempty"`
	Loading  bool               `json:"loading"`
	Lines    []models.StopLine  `json:"lines"`
	Arrivals []schedule.Arrival `json:"arrivals"`
}

// View is everything the overlay layer draws
type View struct {
	Lines        []LineOverlay `json:"lines"`
	Stops        []models.Stop `json:"stops"`
	SelectedStop *StopOverlay  `json:"selectedStop,omitempty"`
}

// View returns overlays for the currently selected lines. Stops shared by
// several lines appear once.
func (m *Manager) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.lines)+len(m.inflight))
	seen := make(map[string]struct{})
	for line := range m.lines {
		names = append(names, line)
		seen[line] = struct{}{}
	}
	for line := range m.inflight {
		if _, ok := seen[line]; !ok {
			names = append(names, line)
		}
	}
	sort.Slice(names, func(i, j int) bool { return models.CompareLines(names[i], names[j]) < 0 })

	view := View{Lines: []LineOverlay{}, Stops: []models.Stop{}}
	stopSeen := make(map[string]struct{})

	for _, line := range names {
		if !m.selection.IsSelected(line) {
			continue
		}

		lo := LineOverlay{Line: line, Type: m.lineType(line), Polylines: [][]models.ShapePoint{}, StopIDs: []string{}}
		if _, ok := m.inflight[line]; ok {
			lo.Loading = true
		}
		if data, ok := m.lines[line]; ok {
			lo.Polylines = polylines(data.shapes)
			for _, s := range data.stops {
				lo.StopIDs = append(lo.StopIDs, s.ID)
				if _, dup := stopSeen[s.ID]; dup {
					continue
				}
				stopSeen[s.ID] = struct{}{}
				view.Stops = append(view.Stops, s)
			}
		}
		view.Lines = append(view.Lines, lo)
	}

	if st := m.stop; st != nil {
		so := &StopOverlay{StopID: st.id, Loading: st.loading, Lines: st.lines, Arrivals: []schedule.Arrival{}}
		so.Stop = m.lookupStopLocked(st.id)
		if st.schedule != nil {
			if arr := schedule.Upcoming(st.schedule.StopTimes, m.now(), m.window); arr != nil {
				so.Arrivals = arr
			}
		}
		view.SelectedStop = so
	}

	return view
}

// lineType prefers what the live fleet reports, then the reference routes
func (m *Manager) lineType(line string) models.VehicleType {
	if t, ok := m.selection.LineType(line); ok {
		return t
	}
	if m.reference != nil {
		if t, ok := m.reference.LineType(line); ok {
			return t
		}
	}
	return models.VehicleTypeBus
}

func (m *Manager) lookupStopLocked(id string) *models.Stop {
	if m.reference != nil {
		if s, ok := m.reference.Stop(id); ok {
			return &s
		}
	}
	for i := range m.fallback {
		if m.fallback[i].ID == id {
			s := m.fallback[i]
			return &s
		}
	}
	return nil
}
