// Package monitor keeps a shared cache of the latest telemetry fresh with
// independently scheduled collectors and derives system health from it.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/fan"
	"codeberg.org/mutker/thermalctl/internal/history"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/metrics"
	"codeberg.org/mutker/thermalctl/internal/task"
	"codeberg.org/mutker/thermalctl/internal/telemetry"
)

const (
	DefaultRetention  = 24 * time.Hour
	DefaultHistoryCap = 17280

	subscriberBuffer = 4
)

type Option func(*Supervisor)

func WithLogger(log logger.Logger) Option {
	return func(s *Supervisor) { s.logger = log.With("monitor") }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func WithIntervals(i Intervals) Option {
	return func(s *Supervisor) { s.intervals = i }
}

// WithRetention sets how long history and cached readings are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithHistoryCap(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

// WithAlerts routes every collected reading through the alert engine and
// counts its active alerts into the health score.
func WithAlerts(e *alert.Engine) Option {
	return func(s *Supervisor) { s.alerts = e }
}

func WithControl(c ControlStatus) Option {
	return func(s *Supervisor) { s.control = c }
}

// WithRecorder persists every health snapshot.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithPerformanceSampler replaces the host resource sampler.
func WithPerformanceSampler(fn func(ctx context.Context) (Performance, error)) Option {
	return func(s *Supervisor) { s.samplePerformance = fn }
}

// Supervisor runs the monitoring collectors. The cache, history, collector
// metrics and subscribers each have their own lock.
type Supervisor struct {
	source            telemetry.Source
	fans              *fan.Engine
	alerts            *alert.Engine
	control           ControlStatus
	recorder          metrics.Recorder
	samplePerformance func(ctx context.Context) (Performance, error)
	logger            logger.Logger
	now               func() time.Time
	started           time.Time
	retention         time.Duration
	historyCap        int
	tasks             *task.Group

	runMu     sync.Mutex
	baseCtx   context.Context
	intervals Intervals
	running   bool

	cacheMu sync.RWMutex
	cache   Cache

	histMu  sync.RWMutex
	history map[DataType][]DataPoint

	statsMu    sync.Mutex
	collectors map[string]*CollectorMetrics

	subsMu  sync.Mutex
	subs    map[int]chan Cache
	nextSub int
}

func NewSupervisor(source telemetry.Source, fans *fan.Engine, opts ...Option) *Supervisor {
	s := &Supervisor{
		source:            source,
		fans:              fans,
		samplePerformance: samplePerformance,
		logger:            logger.Default().With("monitor"),
		now:               time.Now,
		retention:         DefaultRetention,
		historyCap:        DefaultHistoryCap,
		intervals:         DefaultIntervals(),
		history:           make(map[DataType][]DataPoint),
		collectors:        make(map[string]*CollectorMetrics),
		subs:              make(map[int]chan Cache),
		cache: Cache{
			Temperatures: make(map[string]TemperatureReading),
			Fans:         make(map[string]fan.Reading),
			Sensors:      make(map[string]SensorReading),
		},
	}

	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	s.tasks = task.NewGroup(s.logger)

	return s
}

// Start spawns one task per collector. Collectors first run after one
// interval; call TriggerDataCollection to fill the cache right away.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return errors.New().WithMessage(errors.ErrAlreadyRunning, "monitoring already running")
	}

	if err := s.spawnAll(ctx); err != nil {
		return err
	}
	s.baseCtx = ctx
	s.running = true

	s.logger.Info().Strs("tasks", s.tasks.Names()).Msg("Monitoring started")

	return nil
}

// spawnAll must be called with runMu held.
func (s *Supervisor) spawnAll(ctx context.Context) error {
	for _, c := range s.collectorSet(s.intervals) {
		c := c
		if err := s.tasks.Spawn(ctx, c.name, c.interval, func(ctx context.Context) error {
			return s.runCollector(ctx, c)
		}); err != nil {
			s.tasks.StopAll()
			return err
		}
	}
	return nil
}

func (s *Supervisor) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.tasks.StopAll()
	s.running = false

	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
}

func (s *Supervisor) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// RestartMonitoringTasks stops every collector and spawns them again. When
// intervals is non-nil the new periods take effect.
func (s *Supervisor) RestartMonitoringTasks(intervals *Intervals) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if intervals != nil {
		s.intervals = *intervals
	}

	if !s.running {
		return errors.New().WithMessage(errors.ErrNotRunning, "monitoring not running")
	}

	s.tasks.StopAll()
	if err := s.spawnAll(s.baseCtx); err != nil {
		s.running = false
		return err
	}

	s.logger.Info().Msg("Monitoring tasks restarted")

	return nil
}

// Tasks returns the names of the running collector tasks.
func (s *Supervisor) Tasks() []string {
	return s.tasks.Names()
}

func (s *Supervisor) Intervals() Intervals {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.intervals
}

// TriggerDataCollection runs every collector once, in order, and returns
// their errors joined. A failing collector does not stop the others.
func (s *Supervisor) TriggerDataCollection(ctx context.Context) error {
	var errs []error
	for _, c := range s.collectorSet(s.Intervals()) {
		if err := s.runCollector(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Realtime returns a copy of the cache.
func (s *Supervisor) Realtime() Cache {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.clone()
}

func (s *Supervisor) Health() SystemHealth {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	h := s.cache.Health
	h.Issues = append([]string(nil), h.Issues...)
	return h
}

// Metrics returns per collector run statistics sorted by name.
func (s *Supervisor) Metrics() []CollectorMetrics {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	out := make([]CollectorMetrics, 0, len(s.collectors))
	for _, m := range s.collectors {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Subscribe registers for a cache copy after every health evaluation.
// Slow subscribers miss updates. The returned func unsubscribes.
func (s *Supervisor) Subscribe() (<-chan Cache, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Cache, subscriberBuffer)
	s.subs[id] = ch

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Supervisor) broadcast(c Cache) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- c.clone():
		default:
		}
	}
}

// GetHistoricalData returns samples of type t with start <= timestamp <=
// end, oldest first. DataAll merges every type. A zero start or end leaves
// that side open.
func (s *Supervisor) GetHistoricalData(start, end time.Time, t DataType) ([]DataPoint, error) {
	if !t.IsValid() {
		return nil, errors.New().WithData(errors.ErrValidation, "unknown data type "+string(t))
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, errors.New().WithMessage(errors.ErrValidation, "end before start")
	}

	types := []DataType{t}
	if t == DataAll {
		types = []DataType{DataTemperature, DataFan, DataSensor, DataHealth, DataPerformance}
	}

	inRange := func(ts time.Time) bool {
		return (start.IsZero() || !ts.Before(start)) && (end.IsZero() || !ts.After(end))
	}

	var out []DataPoint
	for _, dt := range types {
		if dt == DataFan {
			for _, r := range s.fans.History(fan.HistoryQuery{Start: start, End: end}) {
				out = append(out, DataPoint{
					Timestamp: r.Timestamp,
					Type:      DataFan,
					Source:    r.FanID,
					Value:     r.SpeedPercent,
					Data:      r,
				})
			}
			continue
		}

		s.histMu.RLock()
		for _, p := range s.history[dt] {
			if inRange(p.Timestamp) {
				out = append(out, p)
			}
		}
		s.histMu.RUnlock()
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	return out, nil
}

func (s *Supervisor) appendHistory(points ...DataPoint) {
	if len(points) == 0 {
		return
	}

	s.histMu.Lock()
	defer s.histMu.Unlock()

	for _, p := range points {
		s.history[p.Type] = history.TrimOldest(append(s.history[p.Type], p), s.historyCap)
	}
}

func (s *Supervisor) recordRun(name string, interval time.Duration, started time.Time, took time.Duration, err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	m, ok := s.collectors[name]
	if !ok {
		m = &CollectorMetrics{Name: name}
		s.collectors[name] = m
	}

	m.Interval = interval
	m.Runs++
	m.LastRun = started
	m.LastDuration = took
	m.LastError = ""
	if err != nil {
		m.Errors++
		m.LastError = err.Error()
	}
}
