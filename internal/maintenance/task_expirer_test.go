package maintenance

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
	"github.com/pgtbus/tbus/internal/dbplans"
)

var testSchemaSeq atomic.Int64

type testBundle struct {
	plans  *dbplans.Plans
	pool   *pgxpool.Pool
	schema string
}

func setupDB(t *testing.T) *testBundle {
	t.Helper()

	ctx := context.Background()
	pool := businternaltest.TestPool(t)
	schema := fmt.Sprintf("tbus_maint_test_%d", testSchemaSeq.Add(1))
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})

	require.NoError(t, dbmigrate.New(businternaltest.Archetype(t), schema).Migrate(ctx, pool))

	return &testBundle{plans: dbplans.New(schema), pool: pool, schema: schema}
}

// startStuckTask inserts a task, starts it, and backdates started_on so its
// expiry has lapsed.
func startStuckTask(t *testing.T, ctx context.Context, bundle *testBundle, retryLimit int) int64 {
	t.Helper()

	require.NoError(t, bundle.plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{{
		Queue:           "q1",
		Data:            json.RawMessage(`{}`),
		Metadata:        bustype.TaskMetadata{TaskName: "t1", Trace: bustype.DirectTrigger()},
		Config:          bustype.RetryConfig{RetryLimit: retryLimit, RetryDelay: 0, KeepInSeconds: 60},
		ExpireInSeconds: 1,
	}}))

	tasks, err := bundle.plans.TaskGetForWork(ctx, bundle.pool, "q1", 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = bundle.pool.Exec(ctx,
		"UPDATE "+bundle.schema+".tasks SET started_on = started_on - interval '1 hour' WHERE id = $1",
		tasks[0].ID)
	require.NoError(t, err)

	return tasks[0].ID
}

func TestTaskExpirerRunOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	setup := func(t *testing.T) (*TaskExpirer, *testBundle) {
		t.Helper()

		bundle := setupDB(t)
		expirer := NewTaskExpirer(businternaltest.Archetype(t), &TaskExpirerConfig{}, bundle.pool, bundle.plans)
		expirer.TestSignals.Init()
		return expirer, bundle
	}

	t.Run("ExpiredTaskGoesBackToRetry", func(t *testing.T) {
		t.Parallel()

		expirer, bundle := setup(t)
		taskID := startStuckTask(t, ctx, bundle, 2)

		numExpired, err := expirer.runOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, numExpired)

		var state int16
		require.NoError(t, bundle.pool.QueryRow(ctx,
			"SELECT state FROM "+bundle.schema+".tasks WHERE id = $1", taskID,
		).Scan(&state))
		require.EqualValues(t, bustype.TaskStateRetry, state)
	})

	t.Run("ExpiredTaskPastRetryLimitArchivesAsExpired", func(t *testing.T) {
		t.Parallel()

		expirer, bundle := setup(t)
		taskID := startStuckTask(t, ctx, bundle, 0)

		numExpired, err := expirer.runOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, numExpired)

		var state int16
		require.NoError(t, bundle.pool.QueryRow(ctx,
			"SELECT state FROM "+bundle.schema+".tasks_completed WHERE id = $1", taskID,
		).Scan(&state))
		require.EqualValues(t, bustype.TaskStateExpired, state)
	})

	t.Run("HealthyActiveTaskUntouched", func(t *testing.T) {
		t.Parallel()

		expirer, bundle := setup(t)
		require.NoError(t, bundle.plans.TaskCreateMany(ctx, bundle.pool, []bustype.TaskInsert{{
			Queue:           "q1",
			Data:            json.RawMessage(`{}`),
			Metadata:        bustype.TaskMetadata{TaskName: "t1", Trace: bustype.DirectTrigger()},
			Config:          bustype.RetryConfig{RetryLimit: 2, RetryDelay: 0, KeepInSeconds: 60},
			ExpireInSeconds: 3600,
		}}))
		_, err := bundle.plans.TaskGetForWork(ctx, bundle.pool, "q1", 1)
		require.NoError(t, err)

		numExpired, err := expirer.runOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, numExpired)
	})

	t.Run("ReleasesStaleCursorLocks", func(t *testing.T) {
		t.Parallel()

		expirer, bundle := setup(t)
		require.NoError(t, bundle.plans.CursorEnsure(ctx, bundle.pool, "q1", 0))
		_, ok, err := bundle.plans.CursorLock(ctx, bundle.pool, "q1", -1)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = expirer.runOnce(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, expirer.TestSignals.ReleasedLocks.WaitOrTimeout())

		_, ok, err = bundle.plans.CursorLock(ctx, bundle.pool, "q1", 60)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestCleanerRunOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	setup := func(t *testing.T) (*Cleaner, *testBundle) {
		t.Helper()

		bundle := setupDB(t)
		cleaner := NewCleaner(businternaltest.Archetype(t), &CleanerConfig{}, bundle.pool, bundle.plans)
		cleaner.TestSignals.Init()
		return cleaner, bundle
	}

	t.Run("DeletesExpiredEventsAndArchivedTasks", func(t *testing.T) {
		t.Parallel()

		cleaner, bundle := setup(t)

		// One event past retention, one within it.
		_, err := bundle.pool.Exec(ctx,
			"INSERT INTO "+bundle.schema+".events (event_name, event_data, expire_at) VALUES "+
				"('e_old', '{}', now()::date - 1), ('e_new', '{}', now()::date + 1)")
		require.NoError(t, err)

		// One archived task past keep_until, one within it.
		_, err = bundle.pool.Exec(ctx,
			"INSERT INTO "+bundle.schema+".tasks_completed (id, queue, state, created_on, completed_on, keep_until) VALUES "+
				"(1, 'q1', 3, now(), now(), now() - interval '1 minute'), "+
				"(2, 'q1', 3, now(), now(), now() + interval '1 hour')")
		require.NoError(t, err)

		res, err := cleaner.runOnce(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, res.NumEventsDeleted)
		require.EqualValues(t, 1, res.NumArchivedTasksDeleted)

		var numEvents, numArchived int
		require.NoError(t, bundle.pool.QueryRow(ctx, "SELECT count(*) FROM "+bundle.schema+".events").Scan(&numEvents))
		require.NoError(t, bundle.pool.QueryRow(ctx, "SELECT count(*) FROM "+bundle.schema+".tasks_completed").Scan(&numArchived))
		require.Equal(t, 1, numEvents)
		require.Equal(t, 1, numArchived)
	})

	t.Run("NothingToClean", func(t *testing.T) {
		t.Parallel()

		cleaner, _ := setup(t)
		res, err := cleaner.runOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, res.NumEventsDeleted)
		require.Zero(t, res.NumArchivedTasksDeleted)
	})
}
