package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/history"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/task"
	"github.com/google/uuid"
)

const (
	DefaultMaxHistory      = 10000
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultCheckInterval   = time.Minute
	DefaultCleanupInterval = time.Hour

	criticalEscalationAge = 15 * time.Minute
	warningEscalationAge  = 60 * time.Minute

	taskEscalation = "alert-escalation"
	taskCleanup    = "alert-cleanup"
)

type Option func(*Engine)

func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.logger = log.With("alert") }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMaxHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHistory = n
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithIntervals sets the escalation check and cleanup periods.
func WithIntervals(check, cleanup time.Duration) Option {
	return func(e *Engine) {
		if check > 0 {
			e.checkInterval = check
		}
		if cleanup > 0 {
			e.cleanupInterval = cleanup
		}
	}
}

// Engine owns alert rules, the active alert set, alert history,
// notification channels and statistics. Each is guarded by its own lock.
type Engine struct {
	logger          logger.Logger
	now             func() time.Time
	notifier        Notifier
	maxHistory      int
	retention       time.Duration
	checkInterval   time.Duration
	cleanupInterval time.Duration
	tasks           *task.Group

	alertsMu sync.RWMutex
	active   map[string]*Alert
	history  []Alert
	// open maps rule and source to the alert raised for them.
	open map[string]string

	rulesMu sync.RWMutex
	rules   map[string]Rule

	channelsMu sync.RWMutex
	channels   map[string]Channel

	statsMu sync.RWMutex
	stats   Statistics
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:          logger.Default().With("alert"),
		now:             time.Now,
		maxHistory:      DefaultMaxHistory,
		retention:       DefaultRetention,
		checkInterval:   DefaultCheckInterval,
		cleanupInterval: DefaultCleanupInterval,
		active:          make(map[string]*Alert),
		open:            make(map[string]string),
		rules:           make(map[string]Rule),
		channels:        make(map[string]Channel),
	}

	for _, opt := range opts {
		opt(e)
	}
	e.tasks = task.NewGroup(e.logger)

	return e
}

// Start launches the escalation check and history cleanup loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.tasks.Spawn(ctx, taskEscalation, e.checkInterval, func(ctx context.Context) error {
		e.CheckEscalations(ctx)
		return nil
	}); err != nil {
		return err
	}

	if err := e.tasks.Spawn(ctx, taskCleanup, e.cleanupInterval, func(context.Context) error {
		if n := e.Cleanup(e.retention); n > 0 {
			e.logger.Info().Int("removed", n).Msg("Alert history trimmed")
		}
		return nil
	}); err != nil {
		e.tasks.StopAll()
		return err
	}

	return nil
}

func (e *Engine) Stop() {
	e.tasks.StopAll()
}

// CreateAlert records a new active alert and notifies matching channels.
func (e *Engine) CreateAlert(ctx context.Context, n NewAlert) (Alert, error) {
	errFactory := errors.New()

	switch {
	case !n.AlertType.IsValid():
		return Alert{}, errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown alert type %q", n.AlertType))
	case !n.Severity.IsValid():
		return Alert{}, errFactory.WithData(errors.ErrValidation, fmt.Sprintf("unknown severity %q", n.Severity))
	case n.Source == "":
		return Alert{}, errFactory.WithMessage(errors.ErrValidation, "alert source is required")
	}

	now := e.now()
	a := Alert{
		ID:        uuid.NewString(),
		AlertType: n.AlertType,
		Severity:  n.Severity,
		Source:    n.Source,
		Message:   n.Message,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Details:   n.Details,
	}
	a = a.clone()

	e.alertsMu.Lock()
	e.insert(a)
	activeCount := len(e.active)
	e.alertsMu.Unlock()

	e.updateStats(func(s *Statistics) {
		s.Total++
		switch a.Severity {
		case SeverityCritical:
			s.Critical++
		case SeverityWarning:
			s.Warning++
		case SeverityInfo:
			s.Info++
		}
		s.ActiveCount = activeCount
	})

	e.logger.Info().
		Str("alert_id", a.ID).
		Str("type", string(a.AlertType)).
		Str("severity", string(a.Severity)).
		Str("source", a.Source).
		Msg(a.Message)

	e.dispatch(ctx, a)

	return a, nil
}

// insert must be called with alertsMu held.
func (e *Engine) insert(a Alert) {
	stored := a.clone()
	e.active[a.ID] = &stored
	e.history = history.TrimOldest(append(e.history, a.clone()), e.maxHistory)
}

// syncHistory replaces the history entry of a with its current state, or
// appends it when it has been trimmed. Must be called with alertsMu held.
func (e *Engine) syncHistory(a Alert) {
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == a.ID {
			e.history[i] = a.clone()
			return
		}
	}
	e.history = history.TrimOldest(append(e.history, a.clone()), e.maxHistory)
}

// Acknowledge marks an active alert as seen.
func (e *Engine) Acknowledge(id, by string) (Alert, error) {
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()

	a, ok := e.active[id]
	if !ok {
		return Alert{}, errors.New().WithData(errors.ErrNotFound, "alert "+id)
	}

	now := e.now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	a.UpdatedAt = now
	e.syncHistory(*a)

	e.logger.Info().Str("alert_id", id).Str("by", by).Msg("Alert acknowledged")

	return a.clone(), nil
}

// Resolve removes an alert from the active set and records the resolution
// in history. The alert's existing history entry is updated in place rather
// than a resolved copy being appended, so history holds one entry per alert.
func (e *Engine) Resolve(id, by string) (Alert, error) {
	e.alertsMu.Lock()
	a, ok := e.active[id]
	if !ok {
		e.alertsMu.Unlock()
		return Alert{}, errors.New().WithData(errors.ErrNotFound, "alert "+id)
	}

	now := e.now()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.UpdatedAt = now

	delete(e.active, id)
	for key, openID := range e.open {
		if openID == id {
			delete(e.open, key)
		}
	}
	e.syncHistory(*a)
	resolved := a.clone()
	activeCount := len(e.active)
	e.alertsMu.Unlock()

	e.updateStats(func(s *Statistics) {
		s.Resolved++
		s.ActiveCount = activeCount
	})

	e.logger.Info().Str("alert_id", id).Str("by", by).Msg("Alert resolved")

	return resolved, nil
}

// Active returns active and acknowledged alerts, oldest first.
func (e *Engine) Active() []Alert {
	e.alertsMu.RLock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.clone())
	}
	e.alertsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

func (e *Engine) ActiveCount() int {
	e.alertsMu.RLock()
	defer e.alertsMu.RUnlock()
	return len(e.active)
}

// Get returns an alert from the active set or history.
func (e *Engine) Get(id string) (Alert, error) {
	e.alertsMu.RLock()
	defer e.alertsMu.RUnlock()

	if a, ok := e.active[id]; ok {
		return a.clone(), nil
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].clone(), nil
		}
	}

	return Alert{}, errors.New().WithData(errors.ErrNotFound, "alert "+id)
}

// History returns alerts matching f, oldest first. Only the newest Limit
// matches are kept when a limit is set.
func (e *Engine) History(f Filter) []Alert {
	e.alertsMu.RLock()
	var out []Alert
	for _, a := range e.history {
		if f.matches(a) {
			out = append(out, a.clone())
		}
	}
	e.alertsMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}

	return out
}

func (e *Engine) HistoryLen() int {
	e.alertsMu.RLock()
	defer e.alertsMu.RUnlock()
	return len(e.history)
}

func (e *Engine) Statistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

func (e *Engine) updateStats(fn func(*Statistics)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	fn(&e.stats)
	e.stats.LastUpdated = e.now()
}

// Cleanup drops history entries created before the retention horizon.
// Alerts that are still open are kept.
func (e *Engine) Cleanup(retention time.Duration) int {
	cutoff := e.now().Add(-retention)

	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()

	keep := e.history[:0]
	removed := 0
	for _, a := range e.history {
		if _, open := e.active[a.ID]; !open && a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		keep = append(keep, a)
	}
	e.history = keep

	return removed
}

// dispatch notifies every channel accepting a. Failures are logged.
func (e *Engine) dispatch(ctx context.Context, a Alert) int {
	if e.notifier == nil {
		return 0
	}

	sent := 0
	for _, ch := range e.Channels() {
		if !ch.accepts(a) {
			continue
		}
		if err := e.notifier.Send(ctx, ch, a); err != nil {
			e.logger.Warn().
				Err(err).
				Str("alert_id", a.ID).
				Str("channel_id", ch.ID).
				Str("channel_type", string(ch.ChannelType)).
				Msg("Notification failed")
			continue
		}
		sent++
	}

	return sent
}
