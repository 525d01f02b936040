// Package task defines the schedulable unit of work and its validating builder.
package task

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingName     = errors.New("task name is required")
	ErrMissingCadence  = errors.New("task cadence is required")
	ErrMissingPriority = errors.New("task priority is required")
	ErrMissingAction   = errors.New("task action is required")
	ErrInvalidInterval = errors.New("periodic interval must be > 0")
	ErrInvalidPriority = errors.New("priority must be between level-1 and level-8")
)

// Cadence says whether a task runs once or repeats on a fixed interval.
// The zero value is OneTime.
type Cadence struct {
	interval time.Duration
}

// OneTime returns a cadence that executes a task once.
func OneTime() Cadence { return Cadence{} }

// Periodic returns a cadence that repeats every d. d must be positive; Build
// rejects anything else.
func Periodic(d time.Duration) Cadence {
	if d <= 0 {
		// Keep it distinguishable from OneTime so Build can reject it.
		return Cadence{interval: -1}
	}
	return Cadence{interval: d}
}

func (c Cadence) IsPeriodic() bool        { return c.interval != 0 }
func (c Cadence) Interval() time.Duration { return max(c.interval, 0) }
func (c Cadence) valid() bool             { return c.interval >= 0 }

func (c Cadence) String() string {
	if !c.IsPeriodic() {
		return "once"
	}
	return "every " + c.Interval().String()
}

// Task is one schedulable entry.
//
// Name, priority, cadence and action are fixed at Build time. The runtime
// fields (last run, executed latch, run count) belong to whichever scheduler
// the task was registered with and are only touched through MarkRun.
type Task struct {
	id       string
	name     string
	priority Priority
	cadence  Cadence
	action   func() error
	built    bool

	mu       sync.Mutex // guards the fields below
	lastRun  time.Time
	executed bool
	runs     uint64
}

func (t *Task) ID() string         { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Priority() Priority { return t.priority }
func (t *Task) Cadence() Cadence   { return t.cadence }

// Built reports whether t came out of Builder.Build.
func (t *Task) Built() bool { return t != nil && t.built }

// LastRun returns the start time of the most recent invocation; ok is false
// before the first run.
func (t *Task) LastRun() (at time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun, !t.lastRun.IsZero()
}

// Executed reports whether a one-time task has already run.
func (t *Task) Executed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executed
}

// Runs returns how many times the action has been invoked.
func (t *Task) Runs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// NextDue returns the earliest time the task may run again. A task that has
// never run is due immediately (zero time).
func (t *Task) NextDue() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextDueLocked()
}

func (t *Task) nextDueLocked() time.Time {
	if t.lastRun.IsZero() {
		return time.Time{}
	}
	return t.lastRun.Add(t.cadence.Interval())
}

// Eligible reports whether the task may execute at now.
func (t *Task) Eligible(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.executed {
		return false
	}
	if !t.cadence.IsPeriodic() || t.lastRun.IsZero() {
		return true
	}
	return !now.Before(t.nextDueLocked())
}

// MarkRun records an invocation that started at at.
func (t *Task) MarkRun(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRun = at
	t.runs++
	if !t.cadence.IsPeriodic() {
		t.executed = true
	}
}

// Call invokes the action. Panics are not recovered here.
func (t *Task) Call() error {
	return t.action()
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s, %s)", t.name, t.priority, t.cadence)
}

// Builder assembles a Task. Every field must be supplied explicitly; Build
// reports each one that was not.
type Builder struct {
	name     string
	priority Priority
	cadence  Cadence
	action   func() error

	hasName, hasPriority, hasCadence bool
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Name(name string) *Builder {
	b.name = name
	b.hasName = true
	return b
}

func (b *Builder) Priority(p Priority) *Builder {
	b.priority = p
	b.hasPriority = true
	return b
}

func (b *Builder) Cadence(c Cadence) *Builder {
	b.cadence = c
	b.hasCadence = true
	return b
}

// Action sets an infallible action.
func (b *Builder) Action(fn func()) *Builder {
	if fn == nil {
		b.action = nil
		return b
	}
	b.action = func() error {
		fn()
		return nil
	}
	return b
}

// ActionErr sets an action whose error is reported as an execution fault.
func (b *Builder) ActionErr(fn func() error) *Builder {
	b.action = fn
	return b
}

// Build validates the configuration and returns a new Task with a fresh ID.
// The builder can be reused; every call yields an independent entry.
func (b *Builder) Build() (*Task, error) {
	var errs []error
	name := strings.TrimSpace(b.name)
	if !b.hasName || name == "" {
		errs = append(errs, ErrMissingName)
	}
	if !b.hasCadence {
		errs = append(errs, ErrMissingCadence)
	} else if !b.cadence.valid() {
		errs = append(errs, ErrInvalidInterval)
	}
	if !b.hasPriority {
		errs = append(errs, ErrMissingPriority)
	} else if !b.priority.IsValid() {
		errs = append(errs, ErrInvalidPriority)
	}
	if b.action == nil {
		errs = append(errs, ErrMissingAction)
	}
	if len(errs) > 0 {
		label := name
		if label == "" {
			label = "<unnamed>"
		}
		return nil, fmt.Errorf("build task %q: %w", label, errors.Join(errs...))
	}

	return &Task{
		id:       uuid.NewString(),
		name:     name,
		priority: b.priority,
		cadence:  b.cadence,
		action:   b.action,
		built:    true,
	}, nil
}
