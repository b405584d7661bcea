// Package webhook is an alternative front-end for the bus: instead of the
// database workers, an external dispatcher delivers tasks and events over
// HTTP POST, and outbound sends/publishes become HTTP submissions to that
// dispatcher. The registry code path is identical to the database-backed
// one.
package webhook

import (
	"encoding/json"

	"github.com/pgtbus/tbus"
)

// Wire shapes. Keys are short codes preserved for compatibility with the
// dispatcher protocol.

type incomingBody struct {
	Task  bool            `json:"t,omitempty"`
	Event bool            `json:"e,omitempty"`
	Body  json.RawMessage `json:"b"`
}

type wireTask struct {
	ID            int64           `json:"id"`
	TaskName      string          `json:"tn"`
	Data          json.RawMessage `json:"d"`
	ExpireSeconds int             `json:"es"`
	Retries       int             `json:"r"`
	Trigger       tbus.Trigger    `json:"tr"`
}

type wireEvent struct {
	ID   int64           `json:"id"`
	Name string          `json:"n"`
	Data json.RawMessage `json:"d"`
}

func wireTaskFromRemote(task *tbus.RemoteTask) wireTask {
	return wireTask{
		ID:            task.ID,
		TaskName:      task.TaskName,
		Data:          task.Data,
		ExpireSeconds: task.ExpireInSeconds,
		Retries:       task.Retried,
		Trigger:       task.Trigger,
	}
}

func (t wireTask) toRemote() *tbus.RemoteTask {
	return &tbus.RemoteTask{
		ID:              t.ID,
		TaskName:        t.TaskName,
		Data:            t.Data,
		ExpireInSeconds: t.ExpireSeconds,
		Retried:         t.Retries,
		Trigger:         t.Trigger,
	}
}

func wireEventFromRemote(event *tbus.RemoteEvent) wireEvent {
	return wireEvent{ID: event.ID, Name: event.Name, Data: event.Data}
}

func (e wireEvent) toRemote() *tbus.RemoteEvent {
	return &tbus.RemoteEvent{ID: e.ID, Name: e.Name, Data: e.Data}
}
