package tbus

import (
	"encoding/json"
	"fmt"
)

// Validator can be implemented by task and event payload types to enforce
// invariants beyond what the Go type system expresses. From invokes it
// before a payload is accepted for publishing.
type Validator interface {
	Validate() error
}

// TaskOpts is a partial task configuration. Nil fields inherit from the
// level below: per-send opts override the definition's opts, which override
// the bus defaults. A field is set by pointing it at a value.
type TaskOpts struct {
	// RetryLimit is the number of retries after the initial attempt before
	// the task fails permanently.
	RetryLimit *int

	// RetryDelaySeconds is the delay before a retry attempt becomes
	// runnable.
	RetryDelaySeconds *int

	// RetryBackoff doubles the retry delay per attempt when true.
	RetryBackoff *bool

	// StartAfterSeconds delays the first attempt.
	StartAfterSeconds *int

	// ExpireInSeconds is the wall-clock budget of a single attempt.
	ExpireInSeconds *int

	// KeepInSeconds is how long the archived row is retained after
	// completion.
	KeepInSeconds *int

	// SingletonKey scopes the task's uniqueness within its queue across all
	// non-terminal states.
	SingletonKey *string
}

// merge returns base overlaid with any non-nil fields of overlay.
func (o TaskOpts) merge(overlay *TaskOpts) TaskOpts {
	if overlay == nil {
		return o
	}
	merged := o
	if overlay.RetryLimit != nil {
		merged.RetryLimit = overlay.RetryLimit
	}
	if overlay.RetryDelaySeconds != nil {
		merged.RetryDelaySeconds = overlay.RetryDelaySeconds
	}
	if overlay.RetryBackoff != nil {
		merged.RetryBackoff = overlay.RetryBackoff
	}
	if overlay.StartAfterSeconds != nil {
		merged.StartAfterSeconds = overlay.StartAfterSeconds
	}
	if overlay.ExpireInSeconds != nil {
		merged.ExpireInSeconds = overlay.ExpireInSeconds
	}
	if overlay.KeepInSeconds != nil {
		merged.KeepInSeconds = overlay.KeepInSeconds
	}
	if overlay.SingletonKey != nil {
		merged.SingletonKey = overlay.SingletonKey
	}
	return merged
}

// TaskDefinition is a named unit of work with a typed payload and a partial
// config. Definitions are immutable once created and safe to share between a
// publishing process and the process owning the handler.
type TaskDefinition[T any] struct {
	name  string
	opts  TaskOpts
	queue string
}

// NewTask defines a task. The opts parameter may be omitted as nil; a
// non-empty queue pins the definition to that queue.
func NewTask[T any](name string, queue string, opts *TaskOpts) *TaskDefinition[T] {
	if name == "" {
		panic("task name is required")
	}
	def := &TaskDefinition[T]{name: name, queue: queue}
	if opts != nil {
		def.opts = def.opts.merge(opts)
	}
	return def
}

func (d *TaskDefinition[T]) Name() string { return d.name }

// Queue returns the queue the definition is pinned to, or empty when it
// follows the registering bus's queue.
func (d *TaskDefinition[T]) Queue() string { return d.queue }

// From validates input and returns a sendable task message. Opts override
// the definition's own for this message only.
func (d *TaskDefinition[T]) From(input T, opts *TaskOpts) (*TaskMessage, error) {
	data, err := validatePayload(input, "task", d.name)
	if err != nil {
		return nil, err
	}
	return &TaskMessage{
		TaskName: d.name,
		Queue:    d.queue,
		Data:     data,
		Opts:     d.opts.merge(opts),
	}, nil
}

// TaskMessage is a validated, ready-to-send task.
type TaskMessage struct {
	TaskName string
	Queue    string // empty means the sending bus's queue
	Data     json.RawMessage
	Opts     TaskOpts
}

// EventOpts adjusts an event message.
type EventOpts struct {
	// RetentionDays overrides the bus default retention for this event.
	RetentionDays *int
}

// EventDefinition is a named, append-only message with a typed payload.
type EventDefinition[T any] struct {
	name string
}

// NewEvent defines an event.
func NewEvent[T any](name string) *EventDefinition[T] {
	if name == "" {
		panic("event name is required")
	}
	return &EventDefinition[T]{name: name}
}

func (d *EventDefinition[T]) Name() string { return d.name }

// From validates input and returns a publishable event message.
func (d *EventDefinition[T]) From(input T, opts *EventOpts) (*EventMessage, error) {
	data, err := validatePayload(input, "event", d.name)
	if err != nil {
		return nil, err
	}
	message := &EventMessage{EventName: d.name, Data: data}
	if opts != nil {
		message.RetentionDays = opts.RetentionDays
	}
	return message, nil
}

// EventMessage is a validated, ready-to-publish event.
type EventMessage struct {
	EventName     string
	Data          json.RawMessage
	RetentionDays *int
}

// validatePayload runs the payload's own Validate, if implemented, and
// marshals it. kind is "task" or "event" for error messages.
func validatePayload(input any, kind, name string) (json.RawMessage, error) {
	if validator, ok := input.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("invalid input for %s %s: %w", kind, name, err)
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("invalid input for %s %s: %w", kind, name, err)
	}
	return data, nil
}
