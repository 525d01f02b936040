package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task/engine"
	logx "tasksched/pkg/logx"
)

// recorder turns finished/failed run events into journal records and keeps
// per-task totals for the exit summary.
type recorder struct {
	log   logx.Logger
	store storage.Store // nil when storage is disabled

	mu     sync.Mutex
	totals map[string]*taskTotals
	writes uint64
	errs   uint64
}

type taskTotals struct {
	Name    string
	Runs    uint64
	Faults  uint64
	LastRun time.Time
}

func newRecorder(store storage.Store, log logx.Logger) *recorder {
	return &recorder{log: log, store: store, totals: map[string]*taskTotals{}}
}

// run consumes events until ctx is done, then drains what is already
// buffered so the last runs before shutdown are not lost.
func (r *recorder) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					r.handle(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			r.handle(e)
		}
	}
}

func (r *recorder) handle(e eventbus.Event) {
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	failed := e.Type == eventbus.TaskFailed

	r.mu.Lock()
	tt := r.totals[ev.ID]
	if tt == nil {
		tt = &taskTotals{Name: ev.Name}
		r.totals[ev.ID] = tt
	}
	tt.Runs++
	if failed {
		tt.Faults++
	}
	tt.LastRun = ev.Started
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	rec := storage.RunRecord{
		At:       ev.Started,
		TaskID:   ev.ID,
		Task:     ev.Name,
		Priority: ev.Priority,
		Cadence:  ev.Cadence,
		Run:      ev.Run,
		TookMS:   ev.Duration.Milliseconds(),
		Error:    ev.Error,
		Panicked: ev.Panicked,
	}
	wctx, cancel := context.WithTimeout(context.Background(), time.Second)
	err := r.store.AppendRun(wctx, rec)
	cancel()

	r.mu.Lock()
	if err != nil {
		r.errs++
	} else {
		r.writes++
	}
	r.mu.Unlock()
	if err != nil {
		r.log.Warn("run journal write failed", logx.String("task", ev.Name), logx.Err(err))
	}
}

// Totals returns per-entry totals ordered by name.
func (r *recorder) Totals() []taskTotals {
	r.mu.Lock()
	out := make([]taskTotals, 0, len(r.totals))
	for _, tt := range r.totals {
		out = append(out, *tt)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b taskTotals) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		return a.LastRun.Compare(b.LastRun)
	})
	return out
}

func (r *recorder) Writes() (ok, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes, r.errs
}
