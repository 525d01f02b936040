package app

import (
	"fmt"
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/observability/debug"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/telemetry"
	logx "tasksched/pkg/logx"
)

func mapLogging(cfg *config.Config, levelOverride string) logx.Config {
	level := cfg.Logging.Level
	if strings.TrimSpace(levelOverride) != "" {
		level = levelOverride
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	idle, err := config.ParseDurationOrDefault("scheduler.idle_interval", sc.IdleInterval, scheduler.DefaultIdleInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	slow, err := config.ParseDurationField("scheduler.slow_threshold", sc.SlowThreshold)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		IdleInterval: idle,
		Engine: engine.Config{
			HistorySize:   sc.HistorySize,
			SlowThreshold: slow,
			FaultLogRate:  sc.FaultLogRate,
			FaultLogBurst: sc.FaultLogBurst,
		},
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./tasksched"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTelemetry(cfg *config.Config) (telemetry.Config, bool, error) {
	tc := cfg.Telemetry
	if tc == nil || !tc.Enabled {
		return telemetry.Config{}, false, nil
	}
	interval, err := config.ParseDurationField("telemetry.export_interval", tc.ExportInterval)
	if err != nil {
		return telemetry.Config{}, false, err
	}
	return telemetry.Config{
		Exporter:       tc.Exporter,
		ExportInterval: interval,
		Traces:         tc.Traces,
	}, true, nil
}

func mapDebug(cfg *config.Config) debug.Config {
	dc := cfg.Debug
	if dc == nil {
		return debug.Config{}
	}
	return debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 dc.Addr,
		AllowInsecure:        dc.AllowInsecure,
		BlockProfileRate:     dc.BlockProfileRate,
		MutexProfileFraction: dc.MutexProfileFraction,
	}
}

// buildTasks turns task definitions into entries whose action logs the
// configured message. An empty list yields the built-in demo set.
func buildTasks(defs []config.TaskConfig, log logx.Logger) ([]*task.Task, error) {
	if len(defs) == 0 {
		defs = config.Default().Tasks
	}
	out := make([]*task.Task, 0, len(defs))
	for i, d := range defs {
		p, err := task.ParsePriority(d.Priority)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d].priority: %w", i, err)
		}
		c, err := scheduler.ParseCadence(d.Schedule)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d].schedule: %w", i, err)
		}
		msg := strings.TrimSpace(d.Message)
		if msg == "" {
			msg = d.Name + " executed"
		}
		name := d.Name
		t, err := task.NewBuilder().
			Name(name).
			Priority(p).
			Cadence(c).
			Action(func() { log.Info(msg, logx.String("task", name)) }).
			Build()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
