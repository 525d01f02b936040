package scheduler

import (
	"errors"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

const DefaultIdleInterval = 100 * time.Millisecond

var (
	ErrNilTask      = errors.New("task is nil")
	ErrIncomplete   = errors.New("task was not built with task.Builder")
	ErrAlreadyAdded = errors.New("task is already registered")
	ErrRunning      = errors.New("scheduler is already running")

	// ErrAlreadyExecuted rejects a one-time entry that has already run.
	ErrAlreadyExecuted = errors.New("one-time task has already executed")
)

// Config controls the scheduling loop.
type Config struct {
	// IdleInterval caps how long the loop sleeps when nothing is ready.
	// 0 means DefaultIdleInterval.
	IdleInterval time.Duration

	// Engine configures the executor.
	Engine engine.Config
}

// Hooks observe scheduling decisions. Implementations must not block; they
// run on the loop goroutine (OnAdmit may also run on the AddTask caller).
type Hooks interface {
	OnAdmit(t *task.Task)
	OnExecute(t *task.Task, res engine.Result)
	OnDiscard(t *task.Task)
}

type options struct {
	log   logx.Logger
	bus   eventbus.Bus
	hooks []Hooks
}

// Option configures optional dependencies of a Scheduler.
type Option func(*options)

func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithHooks adds hooks; may be given more than once.
func WithHooks(h ...Hooks) Option {
	return func(o *options) {
		for _, x := range h {
			if x != nil {
				o.hooks = append(o.hooks, x)
			}
		}
	}
}

// State is where a registered entry currently sits.
type State string

const (
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateWaiting   State = "waiting"
)

// EntryInfo describes one registered entry.
type EntryInfo struct {
	ID       string
	Name     string
	Priority task.Priority
	Cadence  string
	State    State
	Runs     uint64
	Faults   uint64
	LastRun  time.Time
	NextDue  time.Time
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Running      bool
	IdleInterval time.Duration
	Ready        int
	Waiting      int
	Executing    string // name of the entry in flight, if any
	Discarded    uint64
	Cycles       uint64
	Entries      []EntryInfo
	Engine       engine.Snapshot
}
