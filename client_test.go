package tbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pgtbus/tbus/internal/businternaltest"
	"github.com/pgtbus/tbus/internal/util/ptrutil"
)

var testSchemaSeq atomic.Int64

type busTestBundle struct {
	pool   *pgxpool.Pool
	schema string
}

// setupIntegration provisions an isolated schema on the integration test
// database, skipping the test when none is configured.
func setupIntegration(t *testing.T) *busTestBundle {
	t.Helper()

	pool := businternaltest.TestPool(t)
	schema := fmt.Sprintf("tbus_client_test_%d_%d", time.Now().UnixNano()%1_000_000, testSchemaSeq.Add(1))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})
	return &busTestBundle{pool: pool, schema: schema}
}

func (b *busTestBundle) newBus(t *testing.T, queue string, mutate func(config *Config)) *Bus {
	t.Helper()

	config := &Config{
		Pool:   b.pool,
		Queue:  queue,
		Schema: b.schema,
		Worker: WorkerConfig{Interval: 200 * time.Millisecond},
	}
	if mutate != nil {
		mutate(config)
	}

	bus, err := New(config)
	require.NoError(t, err)
	return bus
}

func startBus(t *testing.T, bus *Bus) {
	t.Helper()

	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Stop)
}

// waitFor polls cond until it returns true or the timeout lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting on condition", timeout)
}

func (b *busTestBundle) archivedTask(ctx context.Context, taskName string) (state int16, output []byte, retryCount int16, ok bool) {
	err := b.pool.QueryRow(ctx,
		"SELECT state, output, retrycount FROM "+b.schema+".tasks_completed WHERE meta_data->>'tn' = $1",
		taskName,
	).Scan(&state, &output, &retryCount)
	return state, output, retryCount, err == nil
}

func TestBusHappyTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)
	bus := bundle.newBus(t, "svc", func(config *Config) {
		config.Worker.Concurrency = 1
	})

	type handlerObservation struct {
		data    string
		trigger string
	}
	observed := make(chan handlerObservation, 1)

	task := NewTask[checkedArgs]("t_happy", "", &TaskOpts{ExpireInSeconds: ptrutil.Ptr(10)})
	require.NoError(t, RegisterTask(bus, task, func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) {
		observed <- handlerObservation{data: args.Works, trigger: tc.Trigger.Type}
		return map[string]string{"success": "with result"}, nil
	}))

	startBus(t, bus)

	message, err := task.From(checkedArgs{Works: "abcd"}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, message))

	select {
	case obs := <-observed:
		require.Equal(t, "abcd", obs.data)
		require.Equal(t, "direct", obs.trigger)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for handler")
	}

	waitFor(t, 10*time.Second, func() bool {
		_, _, _, ok := bundle.archivedTask(ctx, "t_happy")
		return ok
	})
	state, output, _, _ := bundle.archivedTask(ctx, "t_happy")
	require.EqualValues(t, 3, state) // completed
	require.Equal(t, "with result", gjson.GetBytes(output, "success").String())
}

func TestBusRetryThenFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)
	bus := bundle.newBus(t, "svc", nil)

	var attempts atomic.Int64
	task := NewTask[checkedArgs]("t_fails", "", &TaskOpts{
		RetryLimit:        ptrutil.Ptr(2),
		RetryDelaySeconds: ptrutil.Ptr(1),
	})
	require.NoError(t, RegisterTask(bus, task, func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("fail")
	}))

	startBus(t, bus)

	message, err := task.From(checkedArgs{Works: "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, message))

	waitFor(t, 30*time.Second, func() bool {
		_, _, _, ok := bundle.archivedTask(ctx, "t_fails")
		return ok
	})

	state, output, retryCount, _ := bundle.archivedTask(ctx, "t_fails")
	require.EqualValues(t, 6, state) // failed
	require.EqualValues(t, 2, retryCount)
	require.EqualValues(t, 3, attempts.Load())
	require.Equal(t, "fail", gjson.GetBytes(output, "message").String())
	require.NotEmpty(t, gjson.GetBytes(output, "stack").String())
}

func TestBusSingletonDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)
	bus := bundle.newBus(t, "svc", nil)

	task := NewTask[checkedArgs]("t_single", "", nil)
	require.NoError(t, RegisterTask(bus, task, func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) {
		// Hold the slot long enough for the count assertion below.
		time.Sleep(2 * time.Second)
		return nil, nil
	}))

	startBus(t, bus)

	for range 2 {
		message, err := task.From(checkedArgs{Works: "x"}, &TaskOpts{SingletonKey: ptrutil.Ptr("s")})
		require.NoError(t, err)
		require.NoError(t, bus.Send(ctx, message))
	}

	var count int
	require.NoError(t, bundle.pool.QueryRow(ctx,
		"SELECT count(*) FROM "+bundle.schema+".tasks WHERE queue = 'svc' AND singleton_key = 's'",
	).Scan(&count))
	require.Equal(t, 1, count)
}

func TestBusEventFanout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)
	bus := bundle.newBus(t, "svc", nil)

	var (
		mu      sync.Mutex
		handled []string
	)
	record := func(handler string) HandlerFunc[checkedArgs] {
		return func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) {
			mu.Lock()
			handled = append(handled, fmt.Sprintf("%s:%s:%s", handler, args.Works, tc.Trigger.Type))
			mu.Unlock()
			return nil, nil
		}
	}

	e1 := NewEvent[checkedArgs]("e1")
	e2 := NewEvent[checkedArgs]("e2")
	require.NoError(t, OnEvent(bus, e1, &OnEventOpts[checkedArgs]{TaskName: "h1"}, record("h1")))
	require.NoError(t, OnEvent(bus, e1, &OnEventOpts[checkedArgs]{TaskName: "h2"}, record("h2")))
	require.NoError(t, OnEvent(bus, e2, &OnEventOpts[checkedArgs]{TaskName: "h3"}, record("h3")))

	startBus(t, bus)

	publish := func(def *EventDefinition[checkedArgs], works string) {
		message, err := def.From(checkedArgs{Works: works}, nil)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, message))
	}
	publish(e1, "a")
	publish(e2, "b")
	publish(e1, "c")

	waitFor(t, 15*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{
		"h1:a:event", "h2:a:event", "h3:b:event", "h1:c:event", "h2:c:event",
	}, handled)
}

func TestBusJoinLaterCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)

	event := NewEvent[checkedArgs]("e_hist")

	busA := bundle.newBus(t, "svc-a", nil)
	require.NoError(t, OnEvent(busA, event, &OnEventOpts[checkedArgs]{TaskName: "h_a"},
		func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) { return nil, nil }))
	startBus(t, busA)

	for _, works := range []string{"one", "two"} {
		message, err := event.From(checkedArgs{Works: works}, nil)
		require.NoError(t, err)
		require.NoError(t, busA.Publish(ctx, message))
	}

	// Both events must be committed and pos-stamped before B joins.
	waitFor(t, 10*time.Second, func() bool {
		var maxPos int64
		err := bundle.pool.QueryRow(ctx, "SELECT COALESCE(max(pos), 0) FROM "+bundle.schema+".events").Scan(&maxPos)
		return err == nil && maxPos == 2
	})

	var invokedB atomic.Int64
	busB := bundle.newBus(t, "svc-b", nil)
	require.NoError(t, OnEvent(busB, event, &OnEventOpts[checkedArgs]{TaskName: "h_b"},
		func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) {
			invokedB.Add(1)
			return nil, nil
		}))
	startBus(t, busB)

	var offset int64
	require.NoError(t, bundle.pool.QueryRow(ctx,
		"SELECT \"offset\" FROM "+bundle.schema+".cursors WHERE queue = 'svc-b'",
	).Scan(&offset))
	require.EqualValues(t, 2, offset)

	// Historical events are never projected for the late joiner.
	time.Sleep(2 * time.Second)
	require.EqualValues(t, 0, invokedB.Load())
}

func TestBusOrderedEventProduction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)
	bus := bundle.newBus(t, "svc", nil)

	event := NewEvent[checkedArgs]("e_ordered")
	startBus(t, bus)

	// Publish 200 events in concurrent micro-batches; the commit-order
	// trigger must still produce a gapless ascending pos sequence.
	batches := make([][]*EventMessage, 40)
	for batch := range batches {
		batches[batch] = make([]*EventMessage, 5)
		for i := range batches[batch] {
			message, err := event.From(checkedArgs{Works: fmt.Sprintf("b%d-%d", batch, i)}, nil)
			require.NoError(t, err)
			batches[batch][i] = message
		}
	}

	var wg sync.WaitGroup
	publishErrs := make(chan error, len(batches))
	for _, messages := range batches {
		wg.Add(1)
		go func(messages []*EventMessage) {
			defer wg.Done()
			publishErrs <- bus.Publish(ctx, messages...)
		}(messages)
	}
	wg.Wait()
	close(publishErrs)
	for err := range publishErrs {
		require.NoError(t, err)
	}

	var positions []int64
	rows, err := bundle.pool.Query(ctx, "SELECT pos FROM "+bundle.schema+".events ORDER BY pos ASC")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var pos int64
		require.NoError(t, rows.Scan(&pos))
		positions = append(positions, pos)
	}
	require.NoError(t, rows.Err())

	require.Len(t, positions, 200)
	for i, pos := range positions {
		require.EqualValues(t, i+1, pos)
	}
}

func TestBusExpiryWithRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)
	bus := bundle.newBus(t, "svc", func(config *Config) {
		config.ExpireIntervalInSec = 1
	})

	task := NewTask[checkedArgs]("t_sleeper", "", &TaskOpts{
		ExpireInSeconds: ptrutil.Ptr(1),
		RetryLimit:      ptrutil.Ptr(1),
	})
	require.NoError(t, RegisterTask(bus, task, func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) {
		// Ignore cancellation so the in-process deadline has to abandon the
		// handler; kill the process's resolution too by outliving the test
		// worker's interest.
		time.Sleep(3 * time.Second)
		return nil, nil
	}))

	startBus(t, bus)

	message, err := task.From(checkedArgs{Works: "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, message))

	waitFor(t, 30*time.Second, func() bool {
		_, _, _, ok := bundle.archivedTask(ctx, "t_sleeper")
		return ok
	})

	state, _, retryCount, _ := bundle.archivedTask(ctx, "t_sleeper")
	require.True(t, state == 4 || state == 6, "terminal state should be expired or failed, got %d", state)
	require.EqualValues(t, 1, retryCount)
}

func TestBusRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bundle := setupIntegration(t)
	bus := bundle.newBus(t, "svc", nil)

	task := NewTask[checkedArgs]("t_restart", "", nil)
	var handled atomic.Int64
	require.NoError(t, RegisterTask(bus, task, func(ctx context.Context, args checkedArgs, tc *TaskContext) (any, error) {
		handled.Add(1)
		return nil, nil
	}))

	require.NoError(t, bus.Start(ctx))
	bus.Stop()

	// Start after Stop re-runs migrations and resumes.
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(bus.Stop)

	message, err := task.From(checkedArgs{Works: "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, message))

	waitFor(t, 10*time.Second, func() bool { return handled.Load() == 1 })
}
