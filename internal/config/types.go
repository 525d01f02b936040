package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage enables the run journal. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Telemetry enables OpenTelemetry metrics/traces. Nil means disabled.
	Telemetry *TelemetryConfig `json:"telemetry,omitempty"`

	// Debug serves pprof and scheduler diagnostics over HTTP. Nil means off.
	Debug *DebugConfig `json:"debug,omitempty"`

	// Tasks are registered at startup. When the list is empty the built-in
	// demo set from Default is used.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the loop and its executor.
//
// All durations are Go duration strings (e.g. "100ms", "1s").
//
// Defaults (when fields are omitted/zero):
//   - idle_interval: "100ms"
//   - slow_threshold: "750ms"
//   - history_size: 200
//   - fault_log_rate: 0.2 (per second, per task)
//   - fault_log_burst: 1
type SchedulerConfig struct {
	IdleInterval  string  `json:"idle_interval,omitempty"`
	SlowThreshold string  `json:"slow_threshold,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
	FaultLogRate  float64 `json:"fault_log_rate,omitempty"`
	FaultLogBurst int     `json:"fault_log_burst,omitempty"`
}

// StorageConfig controls the run journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tasksched_runs" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
	// Exporter is "stdout" or "none". "none" keeps the instruments but
	// discards the data.
	Exporter       string `json:"exporter,omitempty"`
	ExportInterval string `json:"export_interval,omitempty"`
	Traces         bool   `json:"traces,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server. It is applied live.
//
// Defaults:
//   - addr: "127.0.0.1:6060"
//
// Binding to a non-loopback address needs allow_insecure=true.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

// TaskConfig declares one task. The action logs Message at INFO.
type TaskConfig struct {
	Name     string `json:"name"`
	Priority string `json:"priority"` // "5", "level-5", "L5"
	Schedule string `json:"schedule"` // "once", "1s", "@every 5s", "*/5 * * * *"
	Message  string `json:"message,omitempty"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{
			IdleInterval: "100ms",
		},
		Tasks: []TaskConfig{
			{Name: "Task 1", Priority: "level-5", Schedule: "1s", Message: "Task1 running with priority level 5 repeating every 1 seconds"},
			{Name: "Task 2", Priority: "level-1", Schedule: "5s", Message: "Task2 running with priority level 1 repeating every 5 seconds"},
			{Name: "Task 3", Priority: "level-5", Schedule: "1s", Message: "Task3 running with priority level 5 repeating every 1 seconds"},
		},
	}
}
