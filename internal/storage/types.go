package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no dependencies
//   - "sqlite": SQLite database file (build tag "sqlite")
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one executed action.
type RunRecord struct {
	At       time.Time `json:"at"`
	TaskID   string    `json:"task_id"`
	Task     string    `json:"task"`
	Priority string    `json:"priority"`
	Cadence  string    `json:"cadence"`
	Run      uint64    `json:"run"`
	TookMS   int64     `json:"took_ms"`
	Error    string    `json:"error,omitempty"`
	Panicked bool      `json:"panicked,omitempty"`
}

// OK reports whether the run finished without a fault.
func (r RunRecord) OK() bool { return r.Error == "" }
