package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
)

// trace records action invocations in order.
type trace struct {
	mu   sync.Mutex
	runs []run
}

type run struct {
	name string
	at   time.Time
}

func (tr *trace) add(name string) {
	tr.mu.Lock()
	tr.runs = append(tr.runs, run{name: name, at: time.Now()})
	tr.mu.Unlock()
}

func (tr *trace) names() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, 0, len(tr.runs))
	for _, r := range tr.runs {
		out = append(out, r.name)
	}
	return out
}

func (tr *trace) count(name string) int {
	n := 0
	for _, got := range tr.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (tr *trace) times(name string) []time.Time {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []time.Time
	for _, r := range tr.runs {
		if r.name == name {
			out = append(out, r.at)
		}
	}
	return out
}

func newTask(t *testing.T, tr *trace, name string, p task.Priority, c task.Cadence) *task.Task {
	t.Helper()
	tk, err := task.NewBuilder().Name(name).Priority(p).Cadence(c).Action(func() { tr.add(name) }).Build()
	if err != nil {
		t.Fatalf("Build(%s): %v", name, err)
	}
	return tk
}

func mustAdd(t *testing.T, s *Scheduler, tasks ...*task.Task) {
	t.Helper()
	for _, tk := range tasks {
		if err := s.AddTask(tk); err != nil {
			t.Fatalf("AddTask(%s): %v", tk.Name(), err)
		}
	}
}

func TestRunOrdersByPriority(t *testing.T) {
	tr := &trace{}
	s := New(Config{})
	for _, p := range []task.Priority{task.Level3, task.Level8, task.Level1, task.Level5, task.Level2, task.Level7, task.Level4, task.Level6} {
		mustAdd(t, s, newTask(t, tr, p.String(), p, task.OneTime()))
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"level-8", "level-7", "level-6", "level-5", "level-4", "level-3", "level-2", "level-1"}
	if got := tr.names(); !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after natural termination", s.Len())
	}
}

func TestEqualPriorityKeepsInsertionOrder(t *testing.T) {
	tr := &trace{}
	s := New(Config{})
	mustAdd(t, s,
		newTask(t, tr, "first", task.Level4, task.OneTime()),
		newTask(t, tr, "second", task.Level4, task.OneTime()),
		newTask(t, tr, "third", task.Level4, task.OneTime()),
	)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := tr.names(); !slices.Equal(got, []string{"first", "second", "third"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestOneTimeScenario(t *testing.T) {
	tr := &trace{}
	s := New(Config{})
	mustAdd(t, s,
		newTask(t, tr, "B", task.Level1, task.OneTime()),
		newTask(t, tr, "A", task.Level5, task.OneTime()),
	)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := tr.names(); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("order = %v, want [A B]", got)
	}
	snap := s.Snapshot()
	if snap.Discarded != 2 || snap.Ready != 0 || snap.Waiting != 0 || len(snap.Entries) != 0 {
		t.Fatalf("snapshot after termination = %+v", snap)
	}
}

func TestPeriodicScenario(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		s := New(Config{})
		mustAdd(t, s,
			newTask(t, tr, "D", task.Level1, task.Periodic(5*time.Second)),
			newTask(t, tr, "C", task.Level5, task.Periodic(time.Second)),
		)

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 9500*time.Millisecond)
		defer cancel()

		if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Run = %v, want deadline exceeded", err)
		}
		if got := tr.count("C"); got != 10 {
			t.Fatalf("C ran %d times, want 10", got)
		}
		if got := tr.count("D"); got != 2 {
			t.Fatalf("D ran %d times, want 2", got)
		}

		// At t=0 and t=5s both are due; C must go first.
		names := tr.names()
		if !slices.Equal(names[:2], []string{"C", "D"}) {
			t.Fatalf("first cycle = %v", names[:2])
		}
		for i, at := range tr.times("D") {
			if want := start.Add(time.Duration(i) * 5 * time.Second); !at.Equal(want) {
				t.Fatalf("D run %d at %v, want %v", i, at.Sub(start), want.Sub(start))
			}
		}
		idx := slices.IndexFunc(tr.runs, func(r run) bool { return r.name == "D" && r.at.Sub(start) == 5*time.Second })
		if idx == 0 || tr.runs[idx-1].name != "C" || !tr.runs[idx-1].at.Equal(tr.runs[idx].at) {
			t.Fatalf("C did not precede D at t=5s: %v", names)
		}
	})
}

func TestPeriodicRespectsInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		s := New(Config{IdleInterval: 40 * time.Millisecond})
		mustAdd(t, s, newTask(t, tr, "tick", task.Level3, task.Periodic(300*time.Millisecond)))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Run(ctx)

		times := tr.times("tick")
		if len(times) != 4 {
			t.Fatalf("tick ran %d times, want 4", len(times))
		}
		for i := 1; i < len(times); i++ {
			if gap := times[i].Sub(times[i-1]); gap < 300*time.Millisecond {
				t.Fatalf("gap %d = %v, shorter than the interval", i, gap)
			}
		}
	})
}

func TestIndependentEntriesFromOneBuilder(t *testing.T) {
	tr := &trace{}
	b := task.NewBuilder().Name("E").Priority(task.Level2).Cadence(task.OneTime()).Action(func() { tr.add("E") })
	first, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	s := New(Config{})
	mustAdd(t, s, first, second)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := tr.count("E"); got != 2 {
		t.Fatalf("E ran %d times, want 2", got)
	}
	if first.Runs() != 1 || second.Runs() != 1 {
		t.Fatalf("runs = %d/%d, want 1/1", first.Runs(), second.Runs())
	}
}

func TestAddTaskValidation(t *testing.T) {
	tr := &trace{}
	s := New(Config{})
	tk := newTask(t, tr, "dup", task.Level1, task.OneTime())

	tests := map[string]struct {
		in   *task.Task
		want error
	}{
		"nil":        {in: nil, want: ErrNilTask},
		"zero value": {in: &task.Task{}, want: ErrIncomplete},
		"first add":  {in: tk, want: nil},
	}
	for name, tt := range tests {
		if err := s.AddTask(tt.in); !errors.Is(err, tt.want) {
			t.Fatalf("%s: AddTask = %v, want %v", name, err, tt.want)
		}
	}
	if err := s.AddTask(tk); !errors.Is(err, ErrAlreadyAdded) {
		t.Fatalf("duplicate AddTask = %v, want ErrAlreadyAdded", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestExecutedOneTimeIsNotReadmitted(t *testing.T) {
	tr := &trace{}
	s := New(Config{})
	tk := newTask(t, tr, "once", task.Level5, task.OneTime())
	mustAdd(t, s, tk)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The entry left the registry but it already ran, so it is refused.
	if err := s.AddTask(tk); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("AddTask after run = %v, want ErrAlreadyExecuted", err)
	}
	if err := New(Config{}).AddTask(tk); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("AddTask on another scheduler = %v, want ErrAlreadyExecuted", err)
	}
	if snap := s.Snapshot(); snap.Ready != 0 || len(snap.Entries) != 0 || snap.Discarded != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := tr.count("once"); got != 1 {
		t.Fatalf("once ran %d times", got)
	}
}

func TestIneligibleEntryIsHeld(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		first, stopFirst := context.WithCancel(context.Background())
		defer stopFirst()
		tk, err := task.NewBuilder().Name("tick").Priority(task.Level4).Cadence(task.Periodic(time.Second)).
			Action(func() {
				tr.add("tick")
				stopFirst()
			}).Build()
		if err != nil {
			t.Fatal(err)
		}

		a := New(Config{})
		mustAdd(t, a, tk)
		if err := a.Run(first); !errors.Is(err, context.Canceled) {
			t.Fatalf("first Run = %v, want canceled", err)
		}

		// Handed to a second scheduler before its interval elapsed: it is
		// admitted to Ready, then set aside until due.
		bus := eventbus.New()
		events, unsub := bus.Subscribe(16, eventbus.TaskHeld)
		defer unsub()
		b := New(Config{}, WithBus(bus))
		mustAdd(t, b, tk)

		ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- b.Run(ctx) }()
		synctest.Wait()

		if got := tr.count("tick"); got != 1 {
			t.Fatalf("tick ran %d times before its interval", got)
		}
		if len(events) != 1 {
			t.Fatalf("held events = %d, want 1", len(events))
		}
		if ev := <-events; ev.Data.(engine.TaskEvent).Name != "tick" {
			t.Fatalf("held event = %+v", ev)
		}
		snap := b.Snapshot()
		if snap.Waiting != 1 || len(snap.Entries) != 1 || snap.Entries[0].State != StateWaiting {
			t.Fatalf("snapshot = %+v", snap)
		}

		if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("second Run = %v", err)
		}
		times := tr.times("tick")
		if len(times) != 2 {
			t.Fatalf("tick ran %d times, want 2", len(times))
		}
		if gap := times[1].Sub(times[0]); gap != time.Second {
			t.Fatalf("second run %v after the first, want 1s", gap)
		}
		if len(events) != 0 {
			t.Fatalf("a due entry was held again: %d extra events", len(events))
		}
	})
}

func TestFaultIsolation(t *testing.T) {
	tr := &trace{}
	s := New(Config{})

	boom, err := task.NewBuilder().Name("boom").Priority(task.Level8).Cadence(task.OneTime()).Action(func() { panic("kaboom") }).Build()
	if err != nil {
		t.Fatal(err)
	}
	failing, err := task.NewBuilder().Name("failing").Priority(task.Level7).Cadence(task.OneTime()).ActionErr(func() error { return errors.New("nope") }).Build()
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, s, boom, failing, newTask(t, tr, "ok", task.Level1, task.OneTime()))

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tr.count("ok") != 1 {
		t.Fatal("a faulting action stopped later entries from running")
	}
	eng := s.Snapshot().Engine
	if eng.Runs != 3 || eng.Faults != 2 || eng.Panics != 1 {
		t.Fatalf("engine snapshot = %+v", eng)
	}
}

func TestAddTaskFromAction(t *testing.T) {
	tr := &trace{}
	s := New(Config{})
	child := newTask(t, tr, "child", task.Level8, task.OneTime())
	var addErr error
	parent, err := task.NewBuilder().Name("parent").Priority(task.Level1).Cadence(task.OneTime()).Action(func() {
		tr.add("parent")
		addErr = s.AddTask(child)
	}).Build()
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, s, parent)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if addErr != nil {
		t.Fatalf("AddTask from action: %v", addErr)
	}
	if got := tr.names(); !slices.Equal(got, []string{"parent", "child"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		s := New(Config{})
		mustAdd(t, s, newTask(t, tr, "p", task.Level1, task.Periodic(time.Minute)))

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- s.Run(ctx) }()
		synctest.Wait()

		if err := s.Run(ctx); !errors.Is(err, ErrRunning) {
			t.Fatalf("second Run = %v, want ErrRunning", err)
		}
		if !s.Snapshot().Running {
			t.Fatal("snapshot should report running")
		}

		cancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
		if s.Snapshot().Running {
			t.Fatal("snapshot still reports running after Run returned")
		}
	})
}

func TestAddTaskWakesIdleLoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		s := New(Config{IdleInterval: time.Hour})
		mustAdd(t, s, newTask(t, tr, "slow", task.Level1, task.Periodic(time.Hour)))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errc := make(chan error, 1)
		go func() { errc <- s.Run(ctx) }()
		synctest.Wait()

		added := time.Now()
		mustAdd(t, s, newTask(t, tr, "late", task.Level5, task.OneTime()))
		synctest.Wait()

		times := tr.times("late")
		if len(times) != 1 || !times[0].Equal(added) {
			t.Fatalf("late ran at %v, want immediately at %v", times, added)
		}
		snap := s.Snapshot()
		if snap.Waiting != 1 || len(snap.Entries) != 1 || snap.Entries[0].State != StateWaiting {
			t.Fatalf("snapshot = %+v", snap)
		}

		cancel()
		<-errc
	})
}

type hookRecorder struct {
	mu                       sync.Mutex
	admitted, executed, gone []string
	faults                   int
}

func (h *hookRecorder) OnAdmit(t *task.Task) {
	h.mu.Lock()
	h.admitted = append(h.admitted, t.Name())
	h.mu.Unlock()
}

func (h *hookRecorder) OnExecute(t *task.Task, res engine.Result) {
	h.mu.Lock()
	h.executed = append(h.executed, t.Name())
	if res.Failed() {
		h.faults++
	}
	h.mu.Unlock()
}

func (h *hookRecorder) OnDiscard(t *task.Task) {
	h.mu.Lock()
	h.gone = append(h.gone, t.Name())
	h.mu.Unlock()
}

func TestHooksAndEvents(t *testing.T) {
	tr := &trace{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64, "task.")
	defer unsub()

	h := &hookRecorder{}
	s := New(Config{}, WithBus(bus), WithHooks(h, nil))
	failing, err := task.NewBuilder().Name("bad").Priority(task.Level2).Cadence(task.OneTime()).ActionErr(func() error { return errors.New("x") }).Build()
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, s, newTask(t, tr, "good", task.Level6, task.OneTime()), failing)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !slices.Equal(h.admitted, []string{"good", "bad"}) {
		t.Fatalf("admitted = %v", h.admitted)
	}
	if !slices.Equal(h.executed, []string{"good", "bad"}) || h.faults != 1 {
		t.Fatalf("executed = %v faults = %d", h.executed, h.faults)
	}
	if !slices.Equal(h.gone, []string{"good", "bad"}) {
		t.Fatalf("discarded = %v", h.gone)
	}

	counts := map[string]int{}
	for len(events) > 0 {
		counts[(<-events).Type]++
	}
	want := map[string]int{
		eventbus.TaskAdmitted:  2,
		eventbus.TaskStarted:   2,
		eventbus.TaskFinished:  1,
		eventbus.TaskFailed:    1,
		eventbus.TaskDiscarded: 2,
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Fatalf("%s events = %d, want %d (all: %v)", typ, counts[typ], n, counts)
		}
	}
}

func TestSetIdleInterval(t *testing.T) {
	s := New(Config{})
	if got := s.Snapshot().IdleInterval; got != DefaultIdleInterval {
		t.Fatalf("default idle = %v", got)
	}
	s.SetIdleInterval(time.Second)
	if got := s.Snapshot().IdleInterval; got != time.Second {
		t.Fatalf("idle = %v, want 1s", got)
	}
	s.SetIdleInterval(0)
	if got := s.Snapshot().IdleInterval; got != DefaultIdleInterval {
		t.Fatalf("idle = %v, want default", got)
	}
}
