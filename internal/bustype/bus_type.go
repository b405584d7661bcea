// Package bustype holds the row and wire types shared between the storage
// layer, the workers, and the public API.
package bustype

import (
	"encoding/json"
)

// TaskState is the lifecycle state of a task. States are totally ordered and
// the numeric order is semantic: SQL predicates compare against these values
// (`state < active` selects runnable tasks, `state < expired` scopes
// singleton uniqueness).
type TaskState int16

const (
	TaskStateCreated   TaskState = 0
	TaskStateRetry     TaskState = 1
	TaskStateActive    TaskState = 2
	TaskStateCompleted TaskState = 3
	TaskStateExpired   TaskState = 4
	TaskStateCancelled TaskState = 5
	TaskStateFailed    TaskState = 6
)

func (s TaskState) String() string {
	switch s {
	case TaskStateCreated:
		return "created"
	case TaskStateRetry:
		return "retry"
	case TaskStateActive:
		return "active"
	case TaskStateCompleted:
		return "completed"
	case TaskStateExpired:
		return "expired"
	case TaskStateCancelled:
		return "cancelled"
	case TaskStateFailed:
		return "failed"
	}
	return "unknown"
}

// Trigger types for a task.
const (
	TriggerTypeDirect = "direct"
	TriggerTypeEvent  = "event"
)

// Trigger describes how a task came to exist: scheduled directly by a caller,
// or synthesized from an event during fanout.
type Trigger struct {
	Type      string `json:"type"`
	EventID   int64  `json:"event_id,omitempty"`
	EventName string `json:"event_name,omitempty"`
}

// DirectTrigger returns the trigger descriptor for a directly sent task.
func DirectTrigger() Trigger {
	return Trigger{Type: TriggerTypeDirect}
}

// EventTrigger returns the trigger descriptor for a task produced by fanout
// of the given event.
func EventTrigger(eventID int64, eventName string) Trigger {
	return Trigger{Type: TriggerTypeEvent, EventID: eventID, EventName: eventName}
}

// TaskMetadata is stored on the task row's meta_data column. Keys are short
// codes preserved for storage compatibility.
type TaskMetadata struct {
	TaskName string  `json:"tn"`
	Trace    Trigger `json:"trace"`
}

// RetryConfig is stored on the task row's config column. Keys are short codes
// preserved for storage compatibility.
type RetryConfig struct {
	RetryLimit    int  `json:"r_l"`
	RetryDelay    int  `json:"r_d"` // seconds
	RetryBackoff  bool `json:"r_b"`
	KeepInSeconds int  `json:"ki_s"`
}

// TaskInsert is the wire shape consumed by the create_bus_tasks(jsonb) SQL
// function.
type TaskInsert struct {
	Queue             string          `json:"q"`
	State             *TaskState      `json:"s,omitempty"`
	Data              json.RawMessage `json:"d"`
	Metadata          TaskMetadata    `json:"md"`
	Config            RetryConfig     `json:"cf"`
	SingletonKey      *string         `json:"skey"`
	StartAfterSeconds int             `json:"saf"`
	ExpireInSeconds   int             `json:"eis"`
}

// EventInsert is the wire shape consumed by the create_bus_events(jsonb) SQL
// function.
type EventInsert struct {
	EventName     string          `json:"e_n"`
	Data          json.RawMessage `json:"d"`
	RetentionDays *int            `json:"rid,omitempty"`
}

// TaskResolve is the wire shape consumed by the resolve_tasks(jsonb) SQL
// function. StartAfterSeconds is only set when State is retry.
type TaskResolve struct {
	ID                int64           `json:"id"`
	State             TaskState       `json:"s"`
	Output            json.RawMessage `json:"out,omitempty"`
	StartAfterSeconds *int            `json:"saf,omitempty"`
}

// TaskRow is an active task as fetched and started by get_tasks.
type TaskRow struct {
	ID              int64
	RetryCount      int16
	State           TaskState
	Data            json.RawMessage
	Metadata        TaskMetadata
	Config          RetryConfig
	ExpireInSeconds int
}

// EventRow is a committed, visible event from the event log.
type EventRow struct {
	ID        int64
	EventName string
	EventData json.RawMessage
	Pos       int64
}

// Cursor is a per-queue high-water mark over the event log.
type Cursor struct {
	ID     int64
	Queue  string
	Offset int64
}
