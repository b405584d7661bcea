// Package taskexecutor runs a single task handler to completion: it enforces
// the task's wall-clock deadline, arbitrates between the handler's outcome
// channels (return, error, explicit resolve/fail), and normalizes the result
// into the resolution that's written back to storage.
package taskexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/bustype"
)

// HandlerFunc is the untyped form every registered handler is adapted to.
// The raw payload has already passed definition validation at publish time.
type HandlerFunc func(ctx context.Context, data json.RawMessage, task *TaskContext) (any, error)

// TaskContext carries the task's identity into its handler and exposes the
// explicit completion channels Resolve and Fail.
type TaskContext struct {
	ID              int64
	TaskName        string
	Trigger         bustype.Trigger
	Retried         int
	ExpireInSeconds int

	outcome outcomeCell
}

// Resolve completes the task with the given payload regardless of what the
// handler later returns or raises. First writer wins; later calls no-op.
func (t *TaskContext) Resolve(payload any) {
	t.outcome.write(outcomeCompleted, payload)
}

// Fail fails the task with the given payload, winning over any later return.
// First writer wins; later calls no-op.
func (t *TaskContext) Fail(payload any) {
	t.outcome.write(outcomeFailed, payload)
}

type outcomeKind int

const (
	outcomeUnset outcomeKind = iota
	outcomeCompleted
	outcomeFailed
)

// outcomeCell is the one-shot cell arbitrating the three completion
// channels. Resolve/Fail run on the handler goroutine while the executor
// reads after settle or deadline, so access is mutex-guarded; the executor
// seals the cell before reading so an abandoned handler's late writes no-op.
type outcomeCell struct {
	mu      sync.Mutex
	sealed  bool
	kind    outcomeKind
	payload any
}

func (c *outcomeCell) write(kind outcomeKind, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed || c.kind != outcomeUnset {
		return
	}
	c.kind = kind
	c.payload = payload
}

func (c *outcomeCell) seal() (outcomeKind, any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sealed = true
	return c.kind, c.payload
}

// Executor executes handlers for one queue's worker.
type Executor struct {
	baseservice.BaseService
}

func New(archetype *baseservice.Archetype) *Executor {
	return baseservice.Init(archetype, &Executor{})
}

type handlerResult struct {
	panicked bool
	stack    string
	value    any
	err      error
}

// Execute runs the handler for a started task under its deadline and returns
// the resolution to apply. It never returns an error itself: every failure
// mode is folded into the resolution.
func (e *Executor) Execute(ctx context.Context, task *bustype.TaskRow, handler HandlerFunc) bustype.TaskResolve {
	taskCtx := &TaskContext{
		ID:              task.ID,
		TaskName:        task.Metadata.TaskName,
		Trigger:         task.Metadata.Trace,
		Retried:         int(task.RetryCount),
		ExpireInSeconds: task.ExpireInSeconds,
	}

	deadline := time.Duration(task.ExpireInSeconds) * time.Second
	if deadline <= 0 {
		deadline = 300 * time.Second
	}
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *handlerResult, 1)
	go func() {
		result := &handlerResult{}
		defer func() {
			if recovery := recover(); recovery != nil {
				result.panicked = true
				result.err = fmt.Errorf("%v", recovery)
				result.stack = captureStack(2)
			}
			resultCh <- result
		}()

		result.value, result.err = handler(handlerCtx, task.Data, taskCtx)
		if result.err != nil {
			result.stack = captureStack(1)
		}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var result *handlerResult
	select {
	case result = <-resultCh:
	case <-timer.C:
		// The handler breached its deadline. Cancel its context and abandon
		// its continuation; the maintenance expirer is the backstop if this
		// process dies before the resolution lands.
		cancel()
		result = &handlerResult{
			err:   fmt.Errorf("handler execution exceeded %dms", deadline.Milliseconds()),
			stack: captureStack(1),
		}
	}

	if result.panicked {
		e.Logger.ErrorContext(ctx, e.Name+": Handler panicked",
			slog.Int64("task_id", task.ID),
			slog.String("task_name", task.Metadata.TaskName),
			slog.String("panic_val", result.err.Error()),
		)
	}

	return e.resolve(task, taskCtx, result)
}

// resolve folds the settled handler result and the context's one-shot cell
// into a resolution. Completed(payload) wins over a later error; Failed
// wins over any return; otherwise the handler's return/error decides.
func (e *Executor) resolve(task *bustype.TaskRow, taskCtx *TaskContext, result *handlerResult) bustype.TaskResolve {
	kind, payload := taskCtx.outcome.seal()
	switch kind {
	case outcomeCompleted:
		return bustype.TaskResolve{
			ID:     task.ID,
			State:  bustype.TaskStateCompleted,
			Output: NormalizeOutput(payload),
		}
	case outcomeFailed:
		return ResolveFailure(task.ID, task.RetryCount, task.Config, bustype.TaskStateFailed, NormalizeOutput(payload))
	case outcomeUnset:
	}

	if result.err != nil {
		return ResolveFailure(task.ID, task.RetryCount, task.Config, bustype.TaskStateFailed, FlattenError(result.err, result.stack))
	}

	return bustype.TaskResolve{
		ID:     task.ID,
		State:  bustype.TaskStateCompleted,
		Output: NormalizeOutput(result.value),
	}
}

// ResolveFailure computes the resolution for a failed (or expired) attempt:
// back to retry while retries remain, otherwise to the given terminal state.
// The retry delay doubles per attempt when backoff is enabled.
func ResolveFailure(taskID int64, retryCount int16, config bustype.RetryConfig, terminal bustype.TaskState, output json.RawMessage) bustype.TaskResolve {
	if int(retryCount) >= config.RetryLimit {
		return bustype.TaskResolve{ID: taskID, State: terminal, Output: output}
	}

	delay := config.RetryDelay
	if config.RetryBackoff {
		delay = config.RetryDelay << retryCount
	}
	return bustype.TaskResolve{
		ID:                taskID,
		State:             bustype.TaskStateRetry,
		Output:            output,
		StartAfterSeconds: &delay,
	}
}

// FlattenError converts an error into the plain JSON object stored on the
// task's output: the error's own JSON-visible fields, if any, plus message
// and stack.
func FlattenError(err error, stack string) json.RawMessage {
	out := []byte(`{}`)
	if marshaled, merr := json.Marshal(err); merr == nil && gjson.ParseBytes(marshaled).IsObject() {
		out = marshaled
	}
	out, _ = sjson.SetBytes(out, "message", err.Error())
	out, _ = sjson.SetBytes(out, "stack", stack)
	return out
}

// NormalizeOutput converts a handler's payload into the JSON stored on the
// task. Objects and null pass through; everything else is wrapped as
// {"value": x} so the output column is always an object or null.
func NormalizeOutput(value any) json.RawMessage {
	if value == nil {
		return nil
	}
	if err, ok := value.(error); ok {
		return FlattenError(err, "")
	}

	marshaled, err := json.Marshal(value)
	if err != nil {
		marshaled, _ = json.Marshal(fmt.Sprint(value))
	}

	if gjson.ParseBytes(marshaled).IsObject() {
		return marshaled
	}
	wrapped, _ := sjson.SetRawBytes([]byte(`{}`), "value", marshaled)
	return wrapped
}

// captureStack formats the current goroutine's stack, skipping the given
// number of frames above the caller.
func captureStack(skip int) string {
	pcs := make([]uintptr, 50)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
