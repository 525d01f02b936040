package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/queue"
	logx "tasksched/pkg/logx"
)

type Scheduler struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	hooks []Hooks
	exec  *engine.Executor

	ready   *queue.Ready
	waiting *queue.Waiting
	entries map[*task.Task]*entry
	current *task.Task

	running   bool
	wake      chan struct{}
	discarded uint64
	cycles    uint64
}

// entry is the scheduler-side bookkeeping for a registered task.
type entry struct {
	state  State
	faults uint64
}

func New(cfg Config, opts ...Option) *Scheduler {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}

	return &Scheduler{
		cfg:     cfg,
		log:     o.log,
		bus:     o.bus,
		hooks:   o.hooks,
		exec:    engine.New(cfg.Engine, o.log.With(logx.String("comp", "engine")), o.bus),
		ready:   queue.NewReady(),
		waiting: queue.NewWaiting(),
		entries: map[*task.Task]*entry{},
		wake:    make(chan struct{}, 1),
	}
}

// AddTask registers t. The scheduler owns t from here on; the same entry may
// not be registered twice while it is still live, and a one-time entry that
// already ran is refused. Safe to call while Run is
// active, including from inside an action.
func (s *Scheduler) AddTask(t *task.Task) error {
	if t == nil {
		return ErrNilTask
	}
	if !t.Built() {
		return ErrIncomplete
	}
	if t.Executed() {
		return fmt.Errorf("%w: %s (%s)", ErrAlreadyExecuted, t.Name(), t.ID())
	}

	s.mu.Lock()
	if _, ok := s.entries[t]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrAlreadyAdded, t.Name(), t.ID())
	}
	s.entries[t] = &entry{state: StateReady}
	s.ready.Push(t)
	s.mu.Unlock()

	s.log.Debug("task admitted", logx.String("task", t.Name()), logx.String("id", t.ID()), logx.String("priority", t.Priority().String()), logx.String("cadence", t.Cadence().String()))
	s.publish(eventbus.TaskAdmitted, t)
	for _, h := range s.hooks {
		h.OnAdmit(t)
	}
	s.notify()
	return nil
}

// Run drives the loop until every registered entry is done or ctx is
// cancelled. It returns nil on natural termination and ctx.Err() otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	pending := len(s.entries)
	idle := s.cfg.IdleInterval
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.Info("scheduler started", logx.Int("tasks", pending), logx.Duration("idle_interval", idle))

	for {
		if err := ctx.Err(); err != nil {
			s.log.Info("scheduler stopped", logx.Any("reason", err))
			return err
		}

		s.drain(ctx)

		wait, done := s.readmit()
		if done {
			s.log.Info("scheduler finished: no tasks left")
			return nil
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// drain pops ready entries in priority order and executes the eligible ones.
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		s.mu.Lock()
		t := s.ready.Pop()
		if t == nil {
			s.mu.Unlock()
			return
		}
		e := s.entries[t]
		now := time.Now()

		if t.Executed() {
			s.discardLocked(t)
			s.mu.Unlock()
			s.log.Debug("task discarded: already executed", logx.String("task", t.Name()), logx.String("id", t.ID()))
			s.afterDiscard(t)
			continue
		}
		if !t.Eligible(now) {
			due := t.NextDue()
			s.waiting.Push(t, due)
			e.state = StateWaiting
			s.mu.Unlock()
			s.log.Trace("task held", logx.String("task", t.Name()), logx.Duration("due_in", due.Sub(now)))
			s.publish(eventbus.TaskHeld, t)
			continue
		}

		s.current = t
		e.state = StateExecuting
		s.mu.Unlock()

		res := s.exec.Exec(t)

		s.mu.Lock()
		s.current = nil
		if res.Failed() {
			e.faults++
		}
		periodic := t.Cadence().IsPeriodic()
		if periodic {
			s.waiting.Push(t, t.NextDue())
			e.state = StateWaiting
		} else {
			s.discardLocked(t)
		}
		s.mu.Unlock()

		for _, h := range s.hooks {
			h.OnExecute(t, res)
		}
		if !periodic {
			s.afterDiscard(t)
		}
	}
}

// readmit moves due entries back to the ready queue and decides how long to
// idle. done is true when nothing is left to run.
func (s *Scheduler) readmit() (wait time.Duration, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles++
	now := time.Now()
	for _, t := range s.waiting.PopDue(now) {
		s.ready.Push(t)
		s.entries[t].state = StateReady
	}
	if !s.ready.Empty() {
		return 0, false
	}

	next, ok := s.waiting.NextDue()
	if !ok {
		return 0, true
	}
	return min(s.cfg.IdleInterval, next.Sub(now)), false
}

func (s *Scheduler) discardLocked(t *task.Task) {
	delete(s.entries, t)
	s.discarded++
}

func (s *Scheduler) afterDiscard(t *task.Task) {
	s.exec.Forget(t)
	s.publish(eventbus.TaskDiscarded, t)
	for _, h := range s.hooks {
		h.OnDiscard(t)
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(typ string, t *task.Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: engine.NewTaskEvent(t)})
}

// SetIdleInterval changes the idle cap; a running loop picks it up on its
// next sleep.
func (s *Scheduler) SetIdleInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleInterval
	}
	s.mu.Lock()
	changed := s.cfg.IdleInterval != d
	s.cfg.IdleInterval = d
	s.mu.Unlock()

	if changed {
		s.log.Info("idle interval updated", logx.Duration("idle_interval", d))
		s.notify()
	}
}

// Len returns the number of live registered entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:      s.running,
		IdleInterval: s.cfg.IdleInterval,
		Ready:        s.ready.Len(),
		Waiting:      s.waiting.Len(),
		Discarded:    s.discarded,
		Cycles:       s.cycles,
		Entries:      make([]EntryInfo, 0, len(s.entries)),
	}
	if s.current != nil {
		snap.Executing = s.current.Name()
	}
	for t, e := range s.entries {
		info := EntryInfo{
			ID:       t.ID(),
			Name:     t.Name(),
			Priority: t.Priority(),
			Cadence:  t.Cadence().String(),
			State:    e.state,
			Runs:     t.Runs(),
			Faults:   e.faults,
		}
		if at, ok := t.LastRun(); ok {
			info.LastRun = at
			info.NextDue = t.NextDue()
		}
		snap.Entries = append(snap.Entries, info)
	}
	s.mu.Unlock()

	slices.SortFunc(snap.Entries, func(a, b EntryInfo) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	snap.Engine = s.exec.Snapshot()
	return snap
}
