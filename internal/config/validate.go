package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"tasksched/internal/task"
	"tasksched/internal/task/scheduler"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	sc := cfg.Scheduler
	if _, err := ParseDurationField("scheduler.idle_interval", sc.IdleInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.slow_threshold", sc.SlowThreshold); err != nil {
		errs = append(errs, err)
	}
	if sc.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler.history_size: must be >= 0"))
	}
	if sc.FaultLogRate < 0 || sc.FaultLogBurst < 0 {
		errs = append(errs, errors.New("scheduler.fault_log_rate/fault_log_burst: must be >= 0"))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if tc := cfg.Telemetry; tc != nil {
		switch strings.ToLower(strings.TrimSpace(tc.Exporter)) {
		case "", "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("telemetry.exporter: unknown exporter %q", tc.Exporter))
		}
		if _, err := ParseDurationField("telemetry.export_interval", tc.ExportInterval); err != nil {
			errs = append(errs, err)
		}
	}

	if dc := cfg.Debug; dc != nil {
		if dc.BlockProfileRate < 0 || dc.MutexProfileFraction < 0 {
			errs = append(errs, errors.New("debug.block_profile_rate/mutex_profile_fraction: must be >= 0"))
		}
		if addr := strings.TrimSpace(dc.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", addr, err))
			}
		}
	}

	seen := map[string]bool{}
	for i, t := range cfg.Tasks {
		name := strings.TrimSpace(t.Name)
		path := fmt.Sprintf("tasks[%d]", i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if _, err := task.ParsePriority(t.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
		}
		if _, err := scheduler.ParseCadence(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
	}

	return errors.Join(errs...)
}
