// Package fanout projects committed events onto tasks for one queue,
// driven by a lockable per-queue cursor over the event log.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/bustype"
	"github.com/pgtbus/tbus/internal/dbplans"
	"github.com/pgtbus/tbus/internal/notify"
	"github.com/pgtbus/tbus/internal/startstop"
	"github.com/pgtbus/tbus/internal/testsignal"
	"github.com/pgtbus/tbus/internal/util/timeutil"
	"github.com/pgtbus/tbus/internal/util/valutil"
)

const (
	FetchSizeDefault      = 200
	PollIntervalDefault   = 1500 * time.Millisecond
	LockTTLSecondsDefault = 60

	notifyDebounce = 75 * time.Millisecond
	notifyMaxWait  = 300 * time.Millisecond
)

// ProjectFunc asks the registry to synthesize outgoing tasks for a batch of
// events.
type ProjectFunc func(events []*bustype.EventRow) []bustype.TaskInsert

// Test-only properties.
type WorkerTestSignals struct {
	FannedOut testsignal.TestSignal[int]      // notifies with the number of events projected in a pass
	LockedOut testsignal.TestSignal[struct{}] // notifies when another worker held the cursor
	NoNewWork testsignal.TestSignal[struct{}] // notifies when a pass found no events
}

func (ts *WorkerTestSignals) Init() {
	ts.FannedOut.Init()
	ts.LockedOut.Init()
	ts.NoNewWork.Init()
}

type Config struct {
	// FetchSize is the maximum number of events projected per pass.
	FetchSize int

	// LockTTLSeconds is how long a held cursor lock survives before the
	// maintenance loop considers it stale and releases it.
	LockTTLSeconds int

	// PollInterval is the fallback cadence when no publishes arrive.
	PollInterval time.Duration

	Queue string
}

// Worker is the per-queue fanout worker. Exactly one instance advances a
// queue's cursor at a time; others observe the held lock and back off.
type Worker struct {
	baseservice.BaseService
	startstop.BaseStartStop

	TestSignals WorkerTestSignals

	config  *Config
	db      dbplans.DBTX
	plans   *dbplans.Plans
	project ProjectFunc

	fetchLimiterMu sync.Mutex
	fetchLimiter   *notify.DebouncedChan
}

func New(archetype *baseservice.Archetype, config *Config, db dbplans.DBTX, plans *dbplans.Plans, project ProjectFunc) *Worker {
	if config.Queue == "" {
		panic("fanout Config.Queue is required")
	}
	return baseservice.Init(archetype, &Worker{
		config: &Config{
			FetchSize:      valutil.ValOrDefault(config.FetchSize, FetchSizeDefault),
			LockTTLSeconds: valutil.ValOrDefault(config.LockTTLSeconds, LockTTLSecondsDefault),
			PollInterval:   valutil.ValOrDefault(config.PollInterval, PollIntervalDefault),
			Queue:          config.Queue,
		},
		db:      db,
		plans:   plans,
		project: project,
	})
}

// Notify wakes the worker for an early pass after a local publish. Calls are
// debounced.
func (w *Worker) Notify() {
	w.fetchLimiterMu.Lock()
	limiter := w.fetchLimiter
	w.fetchLimiterMu.Unlock()

	if limiter != nil {
		limiter.Call()
	}
}

func (w *Worker) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := w.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	w.fetchLimiterMu.Lock()
	w.fetchLimiter = notify.NewDebouncedChan(ctx, notifyDebounce, notifyMaxWait)
	fetchLimiter := w.fetchLimiter
	w.fetchLimiterMu.Unlock()

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		w.Logger.DebugContext(ctx, w.Name+": Run loop started", slog.String("queue", w.config.Queue))
		defer w.Logger.DebugContext(ctx, w.Name+": Run loop stopped", slog.String("queue", w.config.Queue))

		ticker := timeutil.NewTickerWithInitialTick(ctx, w.config.PollInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-fetchLimiter.C():
			}

			// A full batch hints that more events are already waiting; go
			// again without sleeping.
			for w.runOnce(ctx) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return nil
}

// runOnce performs a single fanout pass and reports whether more work is
// likely available.
func (w *Worker) runOnce(ctx context.Context) bool {
	cursor, ok, err := w.plans.CursorLock(ctx, w.db, w.config.Queue, w.config.LockTTLSeconds)
	if err != nil {
		w.Logger.ErrorContext(ctx, w.Name+": Error locking cursor",
			slog.String("queue", w.config.Queue),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		// Another worker is fanning out for this queue right now.
		w.TestSignals.LockedOut.Signal(struct{}{})
		return false
	}

	events, err := w.plans.EventsAfter(ctx, w.db, cursor.Offset, w.config.FetchSize)
	if err != nil {
		w.Logger.ErrorContext(ctx, w.Name+": Error fetching events",
			slog.String("queue", w.config.Queue),
			slog.String("error", err.Error()),
		)
		w.unlock(ctx, cursor.ID)
		return false
	}

	if len(events) == 0 {
		w.unlock(ctx, cursor.ID)
		w.TestSignals.NoNewWork.Signal(struct{}{})
		return false
	}

	tasks := w.project(events)
	lastPos := events[len(events)-1].Pos

	if err := w.plans.CursorAdvanceAndInsertTasks(ctx, w.db, cursor.ID, lastPos, tasks); err != nil {
		w.Logger.ErrorContext(ctx, w.Name+": Error advancing cursor",
			slog.String("queue", w.config.Queue),
			slog.Int64("last_pos", lastPos),
			slog.String("error", err.Error()),
		)
		w.unlock(ctx, cursor.ID)
		return false
	}

	w.Logger.DebugContext(ctx, w.Name+": Fanned out events",
		slog.String("queue", w.config.Queue),
		slog.Int("num_events", len(events)),
		slog.Int("num_tasks", len(tasks)),
		slog.Int64("cursor_offset", lastPos),
	)
	w.TestSignals.FannedOut.Signal(len(events))

	return len(events) == w.config.FetchSize
}

func (w *Worker) unlock(ctx context.Context, cursorID int64) {
	// Unlock on a context that survives shutdown so a cancelled pass doesn't
	// leave the cursor held until the TTL lapses.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := w.plans.CursorUnlock(ctx, w.db, cursorID); err != nil {
		w.Logger.ErrorContext(ctx, w.Name+": Error unlocking cursor",
			slog.String("queue", w.config.Queue),
			slog.String("error", err.Error()),
		)
	}
}
