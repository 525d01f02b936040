// Package app wires configuration, logging, storage and telemetry around the
// scheduler and owns the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"

	"tasksched/internal/config"
	"tasksched/internal/eventbus"
	"tasksched/internal/observability/debug"
	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/storage"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/telemetry"
	logx "tasksched/pkg/logx"
)

const (
	shutdownTimeout = 5 * time.Second
	recorderBuffer  = 256
)

type App struct {
	cfgm     *config.ConfigManager
	cfg      *config.Config
	fromFile bool

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store        // nil when disabled
	tel   *telemetry.Telemetry // nil when disabled
	sched *scheduler.Scheduler
	rec   *recorder
	dbg   *debug.Server

	levelOverride string
	started       time.Time
}

type Option func(*App)

// WithLogLevel overrides logging.level from the config file, including on
// reloads.
func WithLogLevel(level string) Option {
	return func(a *App) { a.levelOverride = strings.TrimSpace(level) }
}

// New loads the config at cfgPath (falling back to the built-in demo set when
// the file does not exist) and registers the configured tasks.
func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgm: config.NewConfigManager(cfgPath)}
	for _, o := range opts {
		o(a)
	}

	cfg, fromFile, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	a.cfg, a.fromFile = cfg, fromFile

	a.logs, a.log = logx.New(mapLogging(cfg, a.levelOverride))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	if !fromFile {
		a.log.Info("config file not found; using built-in tasks", logx.String("path", cfgPath))
	}

	if err := a.init(); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	a.bus = eventbus.New()

	stCfg, enabled, err := mapStorage(a.cfg)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(stCfg, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
	}
	a.rec = newRecorder(a.store, a.log.With(logx.String("comp", "recorder")))

	telCfg, enabled, err := mapTelemetry(a.cfg)
	if err != nil {
		return err
	}
	if enabled {
		tel, err := telemetry.New(telCfg)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		a.tel = tel
	}

	schedCfg, err := mapScheduler(a.cfg)
	if err != nil {
		return err
	}
	opts := []scheduler.Option{
		scheduler.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(a.bus),
	}
	if a.tel != nil {
		opts = append(opts, scheduler.WithHooks(a.tel))
	}
	a.sched = scheduler.New(schedCfg, opts...)

	src := debug.Sources{Snapshot: a.sched.Snapshot}
	if a.store != nil {
		src.Runs = a.store.RecentRuns
	}
	a.dbg = debug.New(src, a.log.With(logx.String("comp", "debug")))

	tasks, err := buildTasks(a.cfg.Tasks, a.log)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := a.sched.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// Scheduler exposes the scheduler so callers can add entries before Run.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Run drives the scheduler until every entry is done or ctx is cancelled,
// then tears everything down. Completion and cancellation both return nil.
func (a *App) Run(ctx context.Context) error {
	a.started = time.Now()
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapScheduler(cfg); err != nil {
			return err
		}
		_, _, err := mapStorage(cfg)
		return err
	})

	events, unsubscribe := a.bus.Subscribe(recorderBuffer, eventbus.TaskFinished, eventbus.TaskFailed)
	recCtx, stopRecorder := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		a.rec.run(recCtx, events)
	}()

	if err := a.dbg.Apply(ctx, mapDebug(a.cfg)); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	updates := a.cfgm.Subscribe(4)
	sup.Go0("config.reload", func(ctx context.Context) { a.applyUpdates(ctx, updates) })
	if a.fromFile {
		sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	sup.Go("scheduler", func(ctx context.Context) error {
		err := a.sched.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			a.log.Info("all tasks completed")
			sup.Cancel()
		}
		return err
	})

	a.log.Info("tasksched started",
		logx.Int("tasks", a.sched.Len()),
		logx.Bool("config_from_file", a.fromFile),
		logx.Bool("storage", a.store != nil),
		logx.Bool("telemetry", a.tel != nil),
	)
	a.notify(daemon.SdNotifyReady)

	<-sup.Context().Done()
	a.notify(daemon.SdNotifyStopping)
	if ctx.Err() != nil {
		a.log.Info("shutdown requested", logx.String("reason", context.Cause(ctx).Error()))
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	runErr := sup.Wait(waitCtx)
	if errors.Is(runErr, context.DeadlineExceeded) {
		a.log.Warn("shutdown timed out", logx.Duration("timeout", shutdownTimeout))
		runErr = nil
	}

	a.cfgm.Unsubscribe(updates)
	a.dbg.Stop(waitCtx)
	stopRecorder()
	<-recDone
	unsubscribe()

	a.summary()
	a.closeResources(waitCtx)
	return runErr
}

// applyUpdates applies the live-reloadable parts of each committed config.
func (a *App) applyUpdates(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			a.apply(next)
		}
	}
}

func (a *App) apply(next *config.Config) {
	ch := config.SummarizeConfigChange(a.cfg, next)
	if ch.Empty() {
		return
	}
	a.logs.Apply(mapLogging(next, a.levelOverride))
	if sc, err := mapScheduler(next); err == nil {
		a.sched.SetIdleInterval(sc.IdleInterval)
	}
	if err := a.dbg.Apply(context.Background(), mapDebug(next)); err != nil {
		a.log.Warn("debug server reconfigure failed", logx.Err(err))
	}
	a.cfg = next

	a.log.Info("config reloaded", append(ch.Attrs, logx.String("sections", strings.Join(ch.Sections, ",")))...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
}

func (a *App) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (a *App) summary() {
	snap := a.sched.Snapshot()
	ok, failed := a.rec.Writes()
	a.log.Info("tasksched stopped",
		logx.Duration("uptime", time.Since(a.started).Round(time.Millisecond)),
		logx.String("runs", humanize.Comma(int64(snap.Engine.Runs))),
		logx.String("faults", humanize.Comma(int64(snap.Engine.Faults))),
		logx.Int("remaining", len(snap.Entries)),
		logx.Uint64("journal_writes", ok),
		logx.Uint64("journal_errors", failed),
		logx.Uint64("events_dropped", eventbus.Dropped(a.bus)),
	)
	for _, tt := range a.rec.Totals() {
		a.log.Debug("task totals",
			logx.String("task", tt.Name),
			logx.String("runs", humanize.Comma(int64(tt.Runs))),
			logx.Uint64("faults", tt.Faults),
			logx.String("last_run", humanize.Time(tt.LastRun)),
		)
	}
}

func (a *App) closeResources(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.log.Warn("telemetry shutdown failed", logx.Err(err))
		}
		a.tel = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
