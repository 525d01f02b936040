package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasksched/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists every changed top-level section, sorted.
	Sections []string
	// Attrs are safe structured fields describing the new values.
	Attrs []logx.Field
	// RestartRequired lists changed sections that only take effect on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs. logging, debug and
// scheduler.idle_interval are applied live; everything else needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if !strings.EqualFold(strings.TrimSpace(ol.Level), strings.TrimSpace(nl.Level)) ||
		ol.Console != nl.Console ||
		ol.File.Enabled != nl.File.Enabled ||
		strings.TrimSpace(ol.File.Path) != strings.TrimSpace(nl.File.Path) {
		mark("logging", false,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
		)
	}

	osc, nsc := oldCfg.Scheduler, newCfg.Scheduler
	if strings.TrimSpace(osc.IdleInterval) != strings.TrimSpace(nsc.IdleInterval) {
		mark("scheduler.idle_interval", false, logx.String("scheduler.idle_interval", nsc.IdleInterval))
	}
	osc.IdleInterval, nsc.IdleInterval = "", ""
	if osc != nsc {
		mark("scheduler.engine", true,
			logx.Int("scheduler.history_size", nsc.HistorySize),
			logx.String("scheduler.slow_threshold", nsc.SlowThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var driver string
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", true, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		enabled := newCfg.Telemetry != nil && newCfg.Telemetry.Enabled
		mark("telemetry", true, logx.Bool("telemetry.enabled", enabled))
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		enabled := newCfg.Debug != nil && newCfg.Debug.Enabled
		var addr string
		if enabled {
			addr = newCfg.Debug.Addr
		}
		mark("debug", false, logx.Bool("debug.enabled", enabled), logx.String("debug.addr", addr))
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		mark("tasks", true, logx.Int("tasks.count", len(newCfg.Tasks)))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
