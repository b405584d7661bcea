package dbplans

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/pgtbus/tbus/internal/businternaltest"
	"github.com/pgtbus/tbus/internal/bustype"
	"github.com/pgtbus/tbus/internal/dbmigrate"
	"github.com/pgtbus/tbus/internal/util/ptrutil"
)

var testSchemaSeq atomic.Int64

type testBundle struct {
	pool   *pgxpool.Pool
	schema string
}

func setup(t *testing.T) (*Plans, *testBundle) {
	t.Helper()

	ctx := context.Background()
	pool := businternaltest.TestPool(t)
	schema := fmt.Sprintf("tbus_plans_test_%d", testSchemaSeq.Add(1))
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})

	require.NoError(t, dbmigrate.New(businternaltest.Archetype(t), schema).Migrate(ctx, pool))

	return New(schema), &testBundle{pool: pool, schema: schema}
}

func taskInsert(queue, name string) bustype.TaskInsert {
	return bustype.TaskInsert{
		Queue:           queue,
		Data:            json.RawMessage(`{"works":"abcd"}`),
		Metadata:        bustype.TaskMetadata{TaskName: name, Trace: bustype.DirectTrigger()},
		Config:          bustype.RetryConfig{RetryLimit: 2, RetryDelay: 0, KeepInSeconds: 60},
		ExpireInSeconds: 300,
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("CreateFetchStart", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{taskInsert("q1", "t1")}))

		tasks, err := plans.TaskGetForWork(ctx, bundle.pool, "q1", 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)

		task := tasks[0]
		require.Equal(t, bustype.TaskStateActive, task.State)
		require.EqualValues(t, 0, task.RetryCount)
		require.Equal(t, "t1", task.Metadata.TaskName)
		require.Equal(t, bustype.TriggerTypeDirect, task.Metadata.Trace.Type)
		require.Equal(t, 2, task.Config.RetryLimit)
		require.Equal(t, 300, task.ExpireInSeconds)
		require.JSONEq(t, `{"works":"abcd"}`, string(task.Data))

		// Started tasks are invisible to a second fetch.
		tasks, err = plans.TaskGetForWork(ctx, bundle.pool, "q1", 10)
		require.NoError(t, err)
		require.Empty(t, tasks)
	})

	t.Run("RetryIncrementsOnRestart", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{taskInsert("q1", "t1")}))

		tasks, err := plans.TaskGetForWork(ctx, bundle.pool, "q1", 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1)

		require.NoError(t, plans.TaskResolveMany(ctx, bundle.pool, []bustype.TaskResolve{{
			ID:                tasks[0].ID,
			State:             bustype.TaskStateRetry,
			StartAfterSeconds: ptrutil.Ptr(0),
		}}))

		tasks, err = plans.TaskGetForWork(ctx, bundle.pool, "q1", 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.EqualValues(t, 1, tasks[0].RetryCount)
	})

	t.Run("ResolveMovesTerminalToArchive", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{taskInsert("q1", "t1")}))

		tasks, err := plans.TaskGetForWork(ctx, bundle.pool, "q1", 1)
		require.NoError(t, err)
		require.Len(t, tasks, 1)

		require.NoError(t, plans.TaskResolveMany(ctx, bundle.pool, []bustype.TaskResolve{{
			ID:     tasks[0].ID,
			State:  bustype.TaskStateCompleted,
			Output: json.RawMessage(`{"success":"with result"}`),
		}}))

		// Resolve atomicity: exactly one of the active row or the archive
		// row exists.
		var numActive int
		require.NoError(t, bundle.pool.QueryRow(ctx, "SELECT count(*) FROM "+bundle.schema+".tasks").Scan(&numActive))
		require.Zero(t, numActive)

		var (
			state  int16
			output []byte
		)
		require.NoError(t, bundle.pool.QueryRow(ctx,
			"SELECT state, output FROM "+bundle.schema+".tasks_completed WHERE id = $1", tasks[0].ID,
		).Scan(&state, &output))
		require.EqualValues(t, bustype.TaskStateCompleted, state)
		require.JSONEq(t, `{"success":"with result"}`, string(output))
	})

	t.Run("SingletonInsertDeduped", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		insert := taskInsert("q1", "t1")
		insert.SingletonKey = ptrutil.Ptr("s")

		require.NoError(t, plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{insert}))
		require.NoError(t, plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{insert}))

		var count int
		require.NoError(t, bundle.pool.QueryRow(ctx,
			"SELECT count(*) FROM "+bundle.schema+".tasks WHERE singleton_key = 's'",
		).Scan(&count))
		require.Equal(t, 1, count)
	})

	t.Run("StartAfterDelaysPickup", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		insert := taskInsert("q1", "t1")
		insert.StartAfterSeconds = 3600

		require.NoError(t, plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{insert}))

		tasks, err := plans.TaskGetForWork(ctx, bundle.pool, "q1", 1)
		require.NoError(t, err)
		require.Empty(t, tasks)
	})
}

func TestEventLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("PosAssignedInCommitOrder", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.EventCreateMany(ctx, bundle.pool, []bustype.EventInsert{
			{EventName: "e1", Data: json.RawMessage(`{"n":1}`)},
			{EventName: "e2", Data: json.RawMessage(`{"n":2}`)},
		}))

		events, err := plans.EventsAfter(ctx, bundle.pool, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.EqualValues(t, 1, events[0].Pos)
		require.EqualValues(t, 2, events[1].Pos)
		require.Equal(t, "e1", events[0].EventName)

		lastPos, err := plans.EventLastPos(ctx, bundle.pool)
		require.NoError(t, err)
		require.EqualValues(t, 2, lastPos)

		// The offset bounds the scan from below.
		events, err = plans.EventsAfter(ctx, bundle.pool, 1, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, "e2", events[0].EventName)
	})
}

func TestCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.CursorEnsure(ctx, bundle.pool, "q1", 5))
		// A later ensure with a different offset never rewinds or advances.
		require.NoError(t, plans.CursorEnsure(ctx, bundle.pool, "q1", 9))

		cursor, ok, err := plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, 5, cursor.Offset)
	})

	t.Run("LockIsExclusive", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.CursorEnsure(ctx, bundle.pool, "q1", 0))

		cursor, ok, err := plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, plans.CursorUnlock(ctx, bundle.pool, cursor.ID))

		_, ok, err = plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("AdvanceUnlocksAndInsertsTasks", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.CursorEnsure(ctx, bundle.pool, "q1", 0))

		cursor, ok, err := plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, plans.CursorAdvanceAndInsertTasks(ctx, bundle.pool, cursor.ID, 7, []bustype.TaskInsert{taskInsert("q1", "t1")}))

		cursor, ok, err = plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, 7, cursor.Offset)

		tasks, err := plans.TaskGetForWork(ctx, bundle.pool, "q1", 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
	})

	t.Run("ReleaseStale", func(t *testing.T) {
		t.Parallel()

		plans, bundle := setup(t)
		require.NoError(t, plans.CursorEnsure(ctx, bundle.pool, "q1", 0))

		// Lock with an already-lapsed TTL.
		_, ok, err := plans.CursorLock(ctx, bundle.pool, "q1", -1)
		require.NoError(t, err)
		require.True(t, ok)

		numReleased, err := plans.CursorReleaseStale(ctx, bundle.pool)
		require.NoError(t, err)
		require.EqualValues(t, 1, numReleased)

		_, ok, err = plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.True(t, ok)
	})
}
