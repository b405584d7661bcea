package tbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/bustype"
	"github.com/pgtbus/tbus/internal/dbmigrate"
	"github.com/pgtbus/tbus/internal/dbplans"
	"github.com/pgtbus/tbus/internal/fanout"
	"github.com/pgtbus/tbus/internal/maintenance"
	"github.com/pgtbus/tbus/internal/resolvebatch"
	"github.com/pgtbus/tbus/internal/startstop"
	"github.com/pgtbus/tbus/internal/taskexecutor"
	"github.com/pgtbus/tbus/internal/taskworker"
	"github.com/pgtbus/tbus/internal/util/ptrutil"
	"github.com/pgtbus/tbus/internal/util/randutil"
)

// Bus is a durable task and event bus bound to one queue. A process
// registers handlers with RegisterTask and OnEvent, then calls Start to
// begin consuming; Send and Publish work from any process holding a bus,
// started or not, as long as a pool is available.
type Bus struct {
	baseservice.BaseService
	startstop.BaseStartStop

	archetype *baseservice.Archetype
	config    *Config
	executor  *taskexecutor.Executor
	id        string
	plans     *dbplans.Plans
	registry  *registry

	mu           sync.Mutex // protects group below across Start/Stop cycles
	batcher      *resolvebatch.Batcher
	fanoutWorker *fanout.Worker
	maintainer   *maintenance.Maintainer
	ownsPool     bool
	pool         *pgxpool.Pool
	taskWorker   *taskworker.Worker
}

// New creates a bus from config. No connection is made until Start, unless
// an external pool was provided.
func New(config *Config) (*Bus, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	archetype := &baseservice.Archetype{
		Logger: config.Logger,
		Rand:   randutil.NewCryptoSeededConcurrentSafeRand(),
		Time:   &baseservice.UnStubbableTimeGenerator{},
	}

	bus := baseservice.Init(archetype, &Bus{
		archetype: archetype,
		config:    config,
		executor:  taskexecutor.New(archetype),
		id:        ulid.Make().String(),
		plans:     dbplans.New(config.Schema),
		registry:  newRegistry(config.Logger, config.Queue, config.KeepInSeconds),
	})
	bus.pool = config.Pool

	return bus, nil
}

// ID is the bus instance's unique identifier, used in logs to tell
// processes sharing a queue apart.
func (b *Bus) ID() string { return b.id }

// Queue returns the queue this bus consumes.
func (b *Bus) Queue() string { return b.config.Queue }

// Start applies migrations, initializes this queue's event cursor, and
// starts the maintenance, task, and fanout workers. It's idempotent while
// running, and may be called again after Stop.
func (b *Bus) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := b.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	startErr := func(err error) error {
		stopped()
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool == nil {
		pool, err := pgxpool.New(ctx, b.config.DatabaseURL)
		if err != nil {
			return startErr(fmt.Errorf("creating pool: %w", err))
		}
		b.pool = pool
		b.ownsPool = true
	}
	pool := b.pool

	migrator := dbmigrate.New(b.archetype, b.config.Schema)
	if err := migrator.Migrate(ctx, pool); err != nil {
		return startErr(err)
	}

	// A cursor created now starts at the current end of the event log so a
	// newly joined queue ignores historical events.
	lastPos, err := b.plans.EventLastPos(ctx, pool)
	if err != nil {
		return startErr(err)
	}
	if err := b.plans.CursorEnsure(ctx, pool, b.config.Queue, lastPos); err != nil {
		return startErr(err)
	}

	b.batcher = resolvebatch.New(b.archetype, nil, func(ctx context.Context, resolutions []bustype.TaskResolve) error {
		return b.plans.TaskResolveMany(ctx, pool, resolutions)
	})

	b.taskWorker = taskworker.New(b.archetype,
		&taskworker.Config{
			Concurrency:  b.config.Worker.Concurrency,
			PollInterval: b.config.Worker.Interval,
			RefillFactor: b.config.Worker.RefillFactor,
			Queue:        b.config.Queue,
		},
		func(ctx context.Context, n int) ([]*bustype.TaskRow, error) {
			return b.plans.TaskGetForWork(ctx, pool, b.config.Queue, n)
		},
		b.executeTask,
		b.batcher.Add,
	)

	b.fanoutWorker = fanout.New(b.archetype,
		&fanout.Config{
			FetchSize: b.config.EventsFetchSize,
			Queue:     b.config.Queue,
		},
		pool, b.plans, b.registry.eventsToTasks,
	)

	b.maintainer = maintenance.NewMaintainer(b.archetype, []startstop.Service{
		maintenance.NewTaskExpirer(b.archetype,
			&maintenance.TaskExpirerConfig{Interval: time.Duration(b.config.ExpireIntervalInSec) * time.Second},
			pool, b.plans),
		maintenance.NewCleaner(b.archetype,
			&maintenance.CleanerConfig{Interval: time.Duration(b.config.CleanUpIntervalInSec) * time.Second},
			pool, b.plans),
	})

	services := []startstop.Service{b.batcher, b.maintainer, b.taskWorker, b.fanoutWorker}
	for _, service := range services {
		if err := service.Start(ctx); err != nil {
			startstop.StopAllParallel(services...)
			return startErr(err)
		}
	}

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		b.Logger.InfoContext(ctx, b.Name+": Started",
			slog.String("id", b.id),
			slog.String("queue", b.config.Queue),
			slog.String("schema", b.config.Schema),
		)

		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		// The task worker's stop waits for in-flight handlers to settle, so
		// their resolutions are pending by the time the batcher stops and
		// takes its final flush.
		startstop.StopAllParallel(b.fanoutWorker, b.maintainer, b.taskWorker)
		b.batcher.Stop()

		if b.ownsPool {
			b.pool.Close()
			b.pool = nil
			b.ownsPool = false
		}

		b.Logger.InfoContext(ctx, b.Name+": Stopped",
			slog.String("id", b.id),
			slog.String("queue", b.config.Queue),
		)
	}()

	return nil
}

// executeTask looks up and runs the handler for a started task row.
func (b *Bus) executeTask(ctx context.Context, task *bustype.TaskRow) bustype.TaskResolve {
	handler, ok := b.registry.handlerFor(task.Metadata.TaskName)
	if !ok {
		b.Logger.ErrorContext(ctx, b.Name+": No handler registered for task",
			slog.Int64("task_id", task.ID),
			slog.String("task_name", task.Metadata.TaskName),
			slog.String("queue", b.config.Queue),
		)
		err := fmt.Errorf("no handler registered for task %s on queue %s", task.Metadata.TaskName, b.config.Queue)
		return taskexecutor.ResolveFailure(task.ID, task.RetryCount, task.Config, bustype.TaskStateFailed,
			taskexecutor.FlattenError(err, ""))
	}
	return b.executor.Execute(ctx, task, handler)
}

func (b *Bus) db() (*pgxpool.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool == nil {
		return nil, fmt.Errorf("bus has no connection pool; start the bus or provide Config.Pool")
	}
	return b.pool, nil
}

// Send inserts tasks. Messages addressed to this bus's queue wake the local
// task worker, debounced so bursts coalesce into a bounded number of
// fetches. Singleton conflicts are silently dropped: when two sends race on
// the same singleton key, exactly one task persists and both sends succeed.
func (b *Bus) Send(ctx context.Context, messages ...*TaskMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pool, err := b.db()
	if err != nil {
		return err
	}

	inserts := make([]bustype.TaskInsert, len(messages))
	notifyLocal := false
	for i, message := range messages {
		queue := message.Queue
		if queue == "" {
			queue = b.config.Queue
		}
		if queue == MaintenanceQueue {
			return fmt.Errorf("queue name %s is reserved", MaintenanceQueue)
		}

		insert := b.registry.materialize(message.TaskName, message.Data, bustype.DirectTrigger(), message.Opts)
		insert.Queue = queue
		inserts[i] = insert

		if queue == b.config.Queue {
			notifyLocal = true
		}
	}

	if err := b.plans.TaskCreateMany(ctx, pool, inserts); err != nil {
		return err
	}

	if notifyLocal {
		b.mu.Lock()
		worker := b.taskWorker
		b.mu.Unlock()
		if worker != nil {
			worker.Notify()
		}
	}
	return nil
}

// Publish appends events to the log in one round trip. The local fanout
// worker is woken (debounced) to project them; fanout workers on other
// processes pick them up on their next poll.
func (b *Bus) Publish(ctx context.Context, messages ...*EventMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pool, err := b.db()
	if err != nil {
		return err
	}

	inserts := make([]bustype.EventInsert, len(messages))
	for i, message := range messages {
		inserts[i] = bustype.EventInsert{
			EventName:     message.EventName,
			Data:          message.Data,
			RetentionDays: ptrutil.Ptr(b.config.RetentionInDays),
		}
		if message.RetentionDays != nil {
			inserts[i].RetentionDays = message.RetentionDays
		}
	}

	if err := b.plans.EventCreateMany(ctx, pool, inserts); err != nil {
		return err
	}

	b.mu.Lock()
	worker := b.fanoutWorker
	b.mu.Unlock()
	if worker != nil {
		worker.Notify()
	}
	return nil
}

// GetState returns a serializable description of the bus's registry.
func (b *Bus) GetState() *State {
	return b.registry.state()
}

// RemoteTask is a task delivered by an external dispatcher over the webhook
// transport instead of the database worker.
type RemoteTask struct {
	ID              int64
	TaskName        string
	Data            json.RawMessage
	ExpireInSeconds int
	Retried         int
	Trigger         Trigger
}

// TaskResult is the outcome of handling a task directly.
type TaskResult struct {
	Completed bool
	Output    json.RawMessage
}

// HandleTask runs the registered handler for a remotely delivered task
// under its deadline and returns the normalized completion payload. It
// errors only when no handler is registered for the task's name.
func (b *Bus) HandleTask(ctx context.Context, task *RemoteTask) (*TaskResult, error) {
	handler, ok := b.registry.handlerFor(task.TaskName)
	if !ok {
		return nil, fmt.Errorf("no handler registered for task %s on queue %s", task.TaskName, b.config.Queue)
	}

	row := &bustype.TaskRow{
		ID:         task.ID,
		RetryCount: int16(task.Retried), //nolint:gosec
		State:      bustype.TaskStateActive,
		Data:       task.Data,
		Metadata: bustype.TaskMetadata{
			TaskName: task.TaskName,
			Trace:    task.Trigger,
		},
		// Remote dispatch owns the retry policy; the local config only needs
		// the deadline.
		Config:          bustype.RetryConfig{KeepInSeconds: b.config.KeepInSeconds},
		ExpireInSeconds: task.ExpireInSeconds,
	}
	if row.ExpireInSeconds <= 0 {
		row.ExpireInSeconds = DefaultExpireInSeconds
	}

	resolution := b.executor.Execute(ctx, row, handler)
	return &TaskResult{
		Completed: resolution.State == bustype.TaskStateCompleted,
		Output:    resolution.Output,
	}, nil
}

// RemoteEvent is an event delivered by an external dispatcher over the
// webhook transport.
type RemoteEvent struct {
	ID   int64
	Name string
	Data json.RawMessage
}

// ProjectEvents runs the registry's event-to-task projection for remotely
// delivered events, returning the tasks an external dispatcher should
// submit. No payload validation happens here: events are already-committed
// facts.
func (b *Bus) ProjectEvents(events []*RemoteEvent) []*RemoteTask {
	rows := make([]*bustype.EventRow, len(events))
	for i, event := range events {
		rows[i] = &bustype.EventRow{ID: event.ID, EventName: event.Name, EventData: event.Data}
	}

	inserts := b.registry.eventsToTasks(rows)
	tasks := make([]*RemoteTask, len(inserts))
	for i, insert := range inserts {
		tasks[i] = &RemoteTask{
			TaskName:        insert.Metadata.TaskName,
			Data:            insert.Data,
			ExpireInSeconds: insert.ExpireInSeconds,
			Trigger:         insert.Metadata.Trace,
		}
	}
	return tasks
}
