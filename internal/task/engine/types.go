package engine

import (
	"time"

	"tasksched/internal/task"
)

const (
	defaultHistorySize   = 200
	defaultSlowThreshold = 750 * time.Millisecond
	defaultFaultLogRate  = 0.2 // one fault log per entry every 5s
	defaultFaultLogBurst = 1
)

// Config controls the executor.
type Config struct {
	// HistorySize bounds the in-memory run history ring.
	HistorySize int

	// SlowThreshold promotes completion logs from DEBUG to INFO.
	SlowThreshold time.Duration

	// FaultLogRate and FaultLogBurst throttle fault logs per entry. Faults are
	// always counted and published; only the WARN line is rate limited.
	FaultLogRate  float64
	FaultLogBurst int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = defaultSlowThreshold
	}
	if c.FaultLogRate <= 0 {
		c.FaultLogRate = defaultFaultLogRate
	}
	if c.FaultLogBurst <= 0 {
		c.FaultLogBurst = defaultFaultLogBurst
	}
	return c
}

// Result describes one invocation.
type Result struct {
	Started  time.Time
	Duration time.Duration
	Err      error
}

func (r Result) Failed() bool { return r.Err != nil }

type HistoryItem struct {
	ID       string
	Name     string
	Priority task.Priority
	Started  time.Time
	Duration time.Duration
	Error    string
	Panicked bool
}

// TaskEvent is the payload of task.* events on the bus.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Priority string        `json:"priority"`
	Cadence  string        `json:"cadence"`
	Run      uint64        `json:"run"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
}

// NewTaskEvent fills the identity fields of a TaskEvent from t.
func NewTaskEvent(t *task.Task) TaskEvent {
	return TaskEvent{
		ID:       t.ID(),
		Name:     t.Name(),
		Priority: t.Priority().String(),
		Cadence:  t.Cadence().String(),
		Run:      t.Runs(),
	}
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Runs               uint64
	Faults             uint64
	Panics             uint64
	SuppressedFaultLog uint64
	SlowThreshold      time.Duration
	History            []HistoryItem
}
