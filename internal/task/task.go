// Package task runs named periodic jobs that can be stopped individually or
// as a group.
package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
)

// Func is executed on every tick. A returned error is logged and the task
// keeps running.
type Func func(ctx context.Context) error

type entry struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Group owns a set of periodic tasks keyed by name.
type Group struct {
	log logger.Logger

	mu    sync.Mutex
	tasks map[string]*entry
}

func NewGroup(log logger.Logger) *Group {
	if log == nil {
		log = logger.Nop()
	}

	return &Group{
		log:   log,
		tasks: make(map[string]*entry),
	}
}

// Spawn starts fn every interval until ctx is cancelled or the task is
// stopped. The first run happens after one interval.
func (g *Group) Spawn(ctx context.Context, name string, interval time.Duration, fn Func) error {
	errFactory := errors.New()

	if interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, fmt.Sprintf("%s: %s", name, interval))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.tasks[name]; ok && !isDone(e) {
		return errFactory.WithData(errors.ErrAlreadyRunning, name)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	g.tasks[name] = e

	go g.loop(taskCtx, name, e, fn)

	g.log.Debug().Str("task", name).Dur("interval", interval).Msg("Task started")

	return nil
}

func (g *Group) loop(ctx context.Context, name string, e *entry, fn Func) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.run(ctx, name, fn); err != nil && ctx.Err() == nil {
				g.log.Error().Err(err).Str("task", name).Msg("Task run failed")
			}
		}
	}
}

func (g *Group) run(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New().WithData(errors.ErrInternal, fmt.Sprintf("task %s panicked: %v", name, r))
		}
	}()

	return fn(ctx)
}

// Stop cancels a single task and waits for its current run to finish.
func (g *Group) Stop(name string) error {
	g.mu.Lock()
	e, ok := g.tasks[name]
	if ok {
		delete(g.tasks, name)
	}
	g.mu.Unlock()

	if !ok {
		return errors.New().WithData(errors.ErrNotRunning, name)
	}

	e.cancel()
	<-e.done

	g.log.Debug().Str("task", name).Msg("Task stopped")

	return nil
}

// StopAll cancels every task and waits until all of them have returned.
func (g *Group) StopAll() {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = make(map[string]*entry)
	g.mu.Unlock()

	for _, e := range tasks {
		e.cancel()
	}
	for _, e := range tasks {
		<-e.done
	}

	if len(tasks) > 0 {
		g.log.Debug().Int("count", len(tasks)).Msg("All tasks stopped")
	}
}

// Names returns the sorted names of tasks that are still running.
func (g *Group) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.tasks))
	for name, e := range g.tasks {
		if !isDone(e) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names
}

func (g *Group) Running(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.tasks[name]
	return ok && !isDone(e)
}

// Len returns the number of running tasks.
func (g *Group) Len() int {
	return len(g.Names())
}

func isDone(e *entry) bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
