// Package taskworker implements the cooperative scheduler that keeps at most
// Concurrency task handlers in flight per process, refilling from the
// database opportunistically.
package taskworker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/bustype"
	"github.com/pgtbus/tbus/internal/notify"
	"github.com/pgtbus/tbus/internal/startstop"
	"github.com/pgtbus/tbus/internal/testsignal"
	"github.com/pgtbus/tbus/internal/util/timeutil"
	"github.com/pgtbus/tbus/internal/util/valutil"
)

const (
	ConcurrencyDefault  = 25
	PollIntervalDefault = 1500 * time.Millisecond
	RefillFactorDefault = 0.33

	// Wake-ups from local sends are debounced on the leading edge so bursts
	// of inserts coalesce into a bounded number of fetches.
	notifyDebounce = 75 * time.Millisecond
	notifyMaxWait  = 150 * time.Millisecond
)

// PopTasksFunc fetches and starts up to n tasks for the worker's queue.
type PopTasksFunc func(ctx context.Context, n int) ([]*bustype.TaskRow, error)

// ExecuteFunc runs one task to completion and returns its resolution.
type ExecuteFunc func(ctx context.Context, task *bustype.TaskRow) bustype.TaskResolve

// ResolveFunc enqueues a resolution for batched write-back.
type ResolveFunc func(resolution bustype.TaskResolve)

// Test-only properties.
type WorkerTestSignals struct {
	FetchedBatch testsignal.TestSignal[int] // notifies with the size of each fetched batch
	TaskDone     testsignal.TestSignal[int64]
}

func (ts *WorkerTestSignals) Init() {
	ts.FetchedBatch.Init()
	ts.TaskDone.Init()
}

type Config struct {
	// Concurrency is the maximum number of in-flight handlers.
	Concurrency int

	// PollInterval is the fallback fetch cadence when no notifications
	// arrive.
	PollInterval time.Duration

	// RefillFactor is the fraction of Concurrency below which the worker
	// refetches early when the last fetch indicated more work was available.
	// Must be in (0, 1].
	RefillFactor float64

	Queue string
}

func (c *Config) mustValidate() *Config {
	if c.Concurrency <= 0 {
		panic("taskworker Config.Concurrency must be above zero")
	}
	if c.RefillFactor <= 0 || c.RefillFactor > 1 {
		panic("taskworker Config.RefillFactor must be in (0, 1]")
	}
	if c.Queue == "" {
		panic("taskworker Config.Queue is required")
	}
	return c
}

// Worker pops tasks, dispatches them to handlers with bounded concurrency,
// and hands resolutions to the batcher. At most one fetch pass is ever in
// flight; handlers themselves run in parallel.
type Worker struct {
	baseservice.BaseService
	startstop.BaseStartStop

	TestSignals WorkerTestSignals

	config   *Config
	execute  ExecuteFunc
	popTasks PopTasksFunc
	resolve  ResolveFunc

	fetchLimiterMu sync.Mutex
	fetchLimiter   *notify.DebouncedChan

	mu           sync.Mutex // protects active, hasMoreTasks
	active       map[int64]struct{}
	hasMoreTasks bool
	handlerWG    sync.WaitGroup
}

func New(archetype *baseservice.Archetype, config *Config, popTasks PopTasksFunc, execute ExecuteFunc, resolve ResolveFunc) *Worker {
	return baseservice.Init(archetype, &Worker{
		config: (&Config{
			Concurrency:  valutil.ValOrDefault(config.Concurrency, ConcurrencyDefault),
			PollInterval: valutil.ValOrDefault(config.PollInterval, PollIntervalDefault),
			RefillFactor: valutil.ValOrDefault(config.RefillFactor, RefillFactorDefault),
			Queue:        config.Queue,
		}).mustValidate(),
		active:   make(map[int64]struct{}),
		execute:  execute,
		popTasks: popTasks,
		resolve:  resolve,
	})
}

// Notify wakes the worker for an early fetch. Safe to call from any
// goroutine at any time, including before Start; calls are debounced.
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

	// Handlers run on a context that survives the fetch context: Stop waits
	// for in-flight handlers to settle rather than cancelling them.
	workCtx := context.WithoutCancel(ctx)

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		w.Logger.DebugContext(ctx, w.Name+": Run loop started", slog.String("queue", w.config.Queue))
		defer w.Logger.DebugContext(ctx, w.Name+": Run loop stopped", slog.String("queue", w.config.Queue))

		ticker := timeutil.NewTickerWithInitialTick(ctx, w.config.PollInterval)
		for {
			select {
			case <-ctx.Done():
				w.handlerWG.Wait()
				return
			case <-ticker.C:
			case <-fetchLimiter.C():
			}

			w.runOnce(ctx, workCtx)

			// A fetch hint may race context cancellation; never start another
			// pass once stopping.
			select {
			case <-ctx.Done():
				w.handlerWG.Wait()
				return
			default:
			}
		}
	}()

	return nil
}

func (w *Worker) runOnce(ctx, workCtx context.Context) {
	w.mu.Lock()
	slots := w.config.Concurrency - len(w.active)
	w.mu.Unlock()

	if slots <= 0 {
		return
	}

	tasks, err := w.popTasks(ctx, slots)
	if err != nil {
		w.Logger.ErrorContext(ctx, w.Name+": Error fetching tasks",
			slog.String("queue", w.config.Queue),
			slog.String("error", err.Error()),
		)
		return
	}

	w.mu.Lock()
	w.hasMoreTasks = len(tasks) == slots
	for _, task := range tasks {
		w.active[task.ID] = struct{}{}
	}
	w.mu.Unlock()

	w.TestSignals.FetchedBatch.Signal(len(tasks))

	for _, task := range tasks {
		w.handlerWG.Add(1)
		go func(task *bustype.TaskRow) {
			defer w.handlerWG.Done()

			resolution := w.execute(workCtx, task)
			w.resolve(resolution)
			w.taskDone(task.ID)
		}(task)
	}
}

func (w *Worker) taskDone(taskID int64) {
	w.mu.Lock()
	delete(w.active, taskID)
	refill := w.hasMoreTasks &&
		float64(len(w.active))/float64(w.config.Concurrency) < w.config.RefillFactor
	w.mu.Unlock()

	w.TestSignals.TaskDone.Signal(taskID)

	if refill {
		w.Notify()
	}
}
