package tbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pgtbus/tbus/internal/bustype"
	"github.com/pgtbus/tbus/internal/taskexecutor"
)

// TaskContext carries a task's identity into its handler. It exposes the
// explicit completion channels Resolve and Fail: Resolve(v) completes the
// task with v even if the handler later returns an error, Fail(v) fails it
// with v even if the handler later returns normally.
type TaskContext = taskexecutor.TaskContext

// Trigger describes how a task came to exist.
type Trigger = bustype.Trigger

// HandlerFunc is a registered task handler with its payload already decoded.
type HandlerFunc[T any] func(ctx context.Context, payload T, task *TaskContext) (any, error)

type registeredTask struct {
	handler taskexecutor.HandlerFunc
	name    string
	opts    TaskOpts
}

type eventBinding struct {
	eventName string
	taskName  string

	// optsStatic and optsFunc are the two variants of subscription config:
	// a static partial, or a function of the event payload evaluated at
	// fanout time. At most one is set.
	optsStatic *TaskOpts
	optsFunc   func(data json.RawMessage) (*TaskOpts, error)
}

// registry is the per-process task-boss for one queue: the mapping of task
// names to handlers and of event names to task bindings.
type registry struct {
	logger *slog.Logger
	queue  string

	// Bus-level defaults materialized into every insert's config.
	defaultKeepInSeconds int

	mu       sync.RWMutex
	bindings []*eventBinding
	tasks    map[string]*registeredTask
}

func newRegistry(logger *slog.Logger, queue string, defaultKeepInSeconds int) *registry {
	return &registry{
		defaultKeepInSeconds: defaultKeepInSeconds,
		logger:               logger,
		queue:                queue,
		tasks:                make(map[string]*registeredTask),
	}
}

func (r *registry) register(name, queue string, opts TaskOpts, handler taskexecutor.HandlerFunc) error {
	if queue != "" && queue != r.queue {
		return fmt.Errorf("task %s is defined for queue %s but the bus consumes %s", name, queue, r.queue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	r.tasks[name] = &registeredTask{handler: handler, name: name, opts: opts}
	return nil
}

func (r *registry) bind(binding *eventBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings = append(r.bindings, binding)
}

func (r *registry) handlerFor(name string) (taskexecutor.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, false
	}
	return task.handler, true
}

// eventsToTasks projects a batch of committed events onto outgoing task
// inserts: one task per binding whose event name matches, in event order.
// Events are already-committed facts, so no payload validation happens here;
// dynamic config functions are evaluated against the committed payload.
func (r *registry) eventsToTasks(events []*bustype.EventRow) []bustype.TaskInsert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var inserts []bustype.TaskInsert
	for _, event := range events {
		for _, binding := range r.bindings {
			if binding.eventName != event.EventName {
				continue
			}

			task, ok := r.tasks[binding.taskName]
			if !ok {
				continue
			}

			opts := task.opts.merge(binding.optsStatic)
			if binding.optsFunc != nil {
				dynamic, err := binding.optsFunc(event.EventData)
				if err != nil {
					r.logger.Error("tbus: event config function failed; using defaults",
						slog.String("event_name", event.EventName),
						slog.String("task_name", binding.taskName),
						slog.Int64("event_id", event.ID),
						slog.String("error", err.Error()),
					)
				} else {
					opts = task.opts.merge(dynamic)
				}
			}

			inserts = append(inserts, r.materialize(
				binding.taskName,
				event.EventData,
				bustype.EventTrigger(event.ID, event.EventName),
				opts,
			))
		}
	}
	return inserts
}

// materialize turns a partial TaskOpts into the concrete wire insert,
// filling unset fields from the bus defaults.
func (r *registry) materialize(taskName string, data json.RawMessage, trigger bustype.Trigger, opts TaskOpts) bustype.TaskInsert {
	insert := bustype.TaskInsert{
		Queue: r.queue,
		Data:  data,
		Metadata: bustype.TaskMetadata{
			TaskName: taskName,
			Trace:    trigger,
		},
		Config: bustype.RetryConfig{
			RetryLimit:    DefaultRetryLimit,
			RetryDelay:    DefaultRetryDelaySeconds,
			KeepInSeconds: r.defaultKeepInSeconds,
		},
		ExpireInSeconds: DefaultExpireInSeconds,
	}

	if opts.RetryLimit != nil {
		insert.Config.RetryLimit = *opts.RetryLimit
	}
	if opts.RetryDelaySeconds != nil {
		insert.Config.RetryDelay = *opts.RetryDelaySeconds
	}
	if opts.RetryBackoff != nil {
		insert.Config.RetryBackoff = *opts.RetryBackoff
	}
	if opts.KeepInSeconds != nil {
		insert.Config.KeepInSeconds = *opts.KeepInSeconds
	}
	if opts.StartAfterSeconds != nil {
		insert.StartAfterSeconds = *opts.StartAfterSeconds
	}
	if opts.ExpireInSeconds != nil {
		insert.ExpireInSeconds = *opts.ExpireInSeconds
	}
	if opts.SingletonKey != nil {
		insert.SingletonKey = opts.SingletonKey
	}

	return insert
}

// state returns the serializable description of the registry used by the
// webhook transport.
func (r *registry) state() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := &State{Queue: r.queue}
	for name := range r.tasks {
		state.Tasks = append(state.Tasks, name)
	}
	sort.Strings(state.Tasks)

	byEvent := make(map[string][]string)
	for _, binding := range r.bindings {
		byEvent[binding.eventName] = append(byEvent[binding.eventName], binding.taskName)
	}
	for eventName, taskNames := range byEvent {
		state.Events = append(state.Events, StateEvent{EventName: eventName, TaskNames: taskNames})
	}
	sort.Slice(state.Events, func(i, j int) bool { return state.Events[i].EventName < state.Events[j].EventName })

	return state
}

// adaptHandler wraps a typed handler into the untyped form the executor
// runs.
func adaptHandler[T any](taskName string, handler HandlerFunc[T]) taskexecutor.HandlerFunc {
	return func(ctx context.Context, data json.RawMessage, task *TaskContext) (any, error) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decoding payload for task %s: %w", taskName, err)
		}
		return handler(ctx, payload, task)
	}
}

// RegisterTask binds a handler for a task definition on the bus's queue.
// It errors if the name is already bound or the definition is pinned to a
// different queue. Registration must happen before Start.
func RegisterTask[T any](bus *Bus, def *TaskDefinition[T], handler HandlerFunc[T]) error {
	return bus.registry.register(def.name, def.queue, def.opts, adaptHandler(def.name, handler))
}

// OnEventOpts configures an event subscription. Config and ConfigFunc are
// the static and payload-dependent variants of the bound task's config; set
// at most one. ConfigFunc is evaluated at fanout time against the committed
// event payload.
type OnEventOpts[T any] struct {
	// TaskName names the task synthesized for each matching event. Required
	// and subject to the same uniqueness rules as RegisterTask.
	TaskName string

	Config     *TaskOpts
	ConfigFunc func(payload T) *TaskOpts
}

// OnEvent subscribes the bus's queue to an event: every committed event with
// this name is fanned out into one task, handled by handler.
func OnEvent[T any](bus *Bus, def *EventDefinition[T], opts *OnEventOpts[T], handler HandlerFunc[T]) error {
	if opts == nil || opts.TaskName == "" {
		return fmt.Errorf("event %s subscription requires a task name", def.name)
	}
	if opts.Config != nil && opts.ConfigFunc != nil {
		return fmt.Errorf("event %s subscription: Config and ConfigFunc are mutually exclusive", def.name)
	}

	if err := bus.registry.register(opts.TaskName, "", TaskOpts{}, adaptHandler(opts.TaskName, handler)); err != nil {
		return err
	}

	binding := &eventBinding{
		eventName:  def.name,
		taskName:   opts.TaskName,
		optsStatic: opts.Config,
	}
	if opts.ConfigFunc != nil {
		configFunc := opts.ConfigFunc
		binding.optsFunc = func(data json.RawMessage) (*TaskOpts, error) {
			var payload T
			if err := json.Unmarshal(data, &payload); err != nil {
				return nil, err
			}
			return configFunc(payload), nil
		}
	}
	bus.registry.bind(binding)
	return nil
}
