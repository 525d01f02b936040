// Package engine invokes task actions for the scheduler.
//
// Execution is synchronous: Exec returns only after the action has returned or
// panicked. A failing action is isolated to its own invocation; the caller
// only ever sees a Result.
package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tasksched/internal/eventbus"
	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

type Executor struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter // keyed by task ID

	runs       atomic.Uint64
	faults     atomic.Uint64
	panics     atomic.Uint64
	suppressed atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		limiters: map[string]*rate.Limiter{},
	}
}

// Exec records the run on t and invokes its action.
func (e *Executor) Exec(t *task.Task) Result {
	start := time.Now()
	t.MarkRun(start)
	e.runs.Add(1)

	ev := NewTaskEvent(t)
	ev.Started = start
	e.publish(eventbus.TaskStarted, start, ev)

	err := e.call(t)
	dur := time.Since(start)
	ev.Duration = dur

	item := HistoryItem{ID: t.ID(), Name: t.Name(), Priority: t.Priority(), Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		item.Panicked = IsPanic(err)
		ev.Error = item.Error
		ev.Panicked = item.Panicked
		e.onFault(t, err, dur)
		e.publish(eventbus.TaskFailed, time.Now(), ev)
	} else {
		fields := []logx.Field{logx.String("task", t.Name()), logx.String("id", t.ID()), logx.Uint64("run", t.Runs()), logx.Duration("dur", dur)}
		if dur >= e.cfg.SlowThreshold {
			e.log.Info("task.completed", fields...)
		} else {
			e.log.Debug("task.completed", fields...)
		}
		e.publish(eventbus.TaskFinished, time.Now(), ev)
	}
	e.record(item)

	return Result{Started: start, Duration: dur, Err: err}
}

// call runs the action, converting a panic into a *PanicError so one bad
// action cannot take down the loop.
func (e *Executor) call(t *task.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	if callErr := t.Call(); callErr != nil {
		return fmt.Errorf("task %q: %w", t.Name(), callErr)
	}
	return nil
}

func (e *Executor) onFault(t *task.Task, err error, dur time.Duration) {
	e.faults.Add(1)
	var stack string
	var pe *PanicError
	if errors.As(err, &pe) {
		e.panics.Add(1)
		stack = pe.Stack
	}

	if !e.limiter(t.ID()).Allow() {
		e.suppressed.Add(1)
		e.log.Debug("task.failed (throttled)", logx.String("task", t.Name()), logx.String("id", t.ID()), logx.Err(err))
		return
	}
	e.log.Warn("task.failed",
		logx.String("task", t.Name()),
		logx.String("id", t.ID()),
		logx.Uint64("run", t.Runs()),
		logx.Duration("dur", dur),
		logx.Err(err),
		logx.Stack(stack),
	)
}

func (e *Executor) limiter(id string) *rate.Limiter {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	l := e.limiters[id]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(e.cfg.FaultLogRate), e.cfg.FaultLogBurst)
		e.limiters[id] = l
	}
	return l
}

// Forget drops per-entry state for a task that left the scheduler.
func (e *Executor) Forget(t *task.Task) {
	e.lmu.Lock()
	delete(e.limiters, t.ID())
	e.lmu.Unlock()
}

func (e *Executor) record(item HistoryItem) {
	e.hmu.Lock()
	e.history = append(e.history, item)
	if n := len(e.history); n > e.cfg.HistorySize {
		e.history = append(e.history[:0:0], e.history[n-e.cfg.HistorySize:]...)
	}
	e.hmu.Unlock()
}

func (e *Executor) publish(typ string, at time.Time, ev TaskEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (e *Executor) Snapshot() Snapshot {
	e.hmu.Lock()
	h := make([]HistoryItem, len(e.history))
	copy(h, e.history)
	e.hmu.Unlock()

	return Snapshot{
		Runs:               e.runs.Load(),
		Faults:             e.faults.Load(),
		Panics:             e.panics.Load(),
		SuppressedFaultLog: e.suppressed.Load(),
		SlowThreshold:      e.cfg.SlowThreshold,
		History:            h,
	}
}
