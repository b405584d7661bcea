package tbus

import (
	"fmt"
	"sort"
)

// TaskDefiner is the queue- and name-level view of a TaskDefinition,
// independent of its payload type.
type TaskDefiner interface {
	Name() string
	Queue() string
}

// TaskBuilder accumulates task definitions for one queue. Compile freezes
// them into a TaskClient that another process can import to publish typed
// tasks without owning the handlers.
type TaskBuilder struct {
	defs  map[string]TaskDefiner
	queue string
}

// NewTaskBuilder creates a builder for the given queue.
func NewTaskBuilder(queue string) *TaskBuilder {
	return &TaskBuilder{
		defs:  make(map[string]TaskDefiner),
		queue: queue,
	}
}

// Add registers definitions with the builder. It errors on a duplicate task
// name, or on a definition pinned to a different queue.
func (b *TaskBuilder) Add(defs ...TaskDefiner) error {
	for _, def := range defs {
		if _, ok := b.defs[def.Name()]; ok {
			return fmt.Errorf("task %s already added", def.Name())
		}
		if defQueue := def.Queue(); defQueue != "" && defQueue != b.queue {
			return fmt.Errorf("task %s is defined for queue %s, not %s", def.Name(), defQueue, b.queue)
		}
		b.defs[def.Name()] = def
	}
	return nil
}

// Compile freezes the accumulated definitions into an immutable TaskClient.
func (b *TaskBuilder) Compile() *TaskClient {
	defs := make(map[string]TaskDefiner, len(b.defs))
	for name, def := range b.defs {
		defs[name] = def
	}
	return &TaskClient{defs: defs, queue: b.queue}
}

// TaskClient is an immutable name-to-definition mapping for one queue.
type TaskClient struct {
	defs  map[string]TaskDefiner
	queue string
}

// Definition returns the definition registered under name.
func (c *TaskClient) Definition(name string) (TaskDefiner, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// Names returns the sorted task names known to the client.
func (c *TaskClient) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queue returns the queue the client's tasks are addressed to.
func (c *TaskClient) Queue() string { return c.queue }
