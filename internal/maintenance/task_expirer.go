package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/bustype"
	"github.com/pgtbus/tbus/internal/dbplans"
	"github.com/pgtbus/tbus/internal/startstop"
	"github.com/pgtbus/tbus/internal/taskexecutor"
	"github.com/pgtbus/tbus/internal/testsignal"
	"github.com/pgtbus/tbus/internal/util/sliceutil"
	"github.com/pgtbus/tbus/internal/util/timeutil"
	"github.com/pgtbus/tbus/internal/util/valutil"
)

const (
	TaskExpirerIntervalDefault = 30 * time.Second
	TaskExpirerBatchSize       = 300
)

// Test-only properties.
type TaskExpirerTestSignals struct {
	ExpiredBatch  testsignal.TestSignal[int] // notifies with the number of tasks expired in a pass
	ReleasedLocks testsignal.TestSignal[int64]
}

func (ts *TaskExpirerTestSignals) Init() {
	ts.ExpiredBatch.Init()
	ts.ReleasedLocks.Init()
}

type TaskExpirerConfig struct {
	// Interval is the amount of time to wait between expiry passes.
	Interval time.Duration
}

// TaskExpirer reconciles tasks whose worker died or stalled: active tasks
// past their wall-clock expiry are moved back to retry while retries remain,
// otherwise to the expired archive. It also releases cursor locks whose TTL
// has lapsed.
type TaskExpirer struct {
	baseservice.BaseService
	startstop.BaseStartStop

	TestSignals TaskExpirerTestSignals

	batchSize int // configurable for test purposes
	config    *TaskExpirerConfig
	plans     *dbplans.Plans
	pool      *pgxpool.Pool
}

func NewTaskExpirer(archetype *baseservice.Archetype, config *TaskExpirerConfig, pool *pgxpool.Pool, plans *dbplans.Plans) *TaskExpirer {
	return baseservice.Init(archetype, &TaskExpirer{
		batchSize: TaskExpirerBatchSize,
		config: &TaskExpirerConfig{
			Interval: valutil.ValOrDefault(config.Interval, TaskExpirerIntervalDefault),
		},
		plans: plans,
		pool:  pool,
	})
}

func (s *TaskExpirer) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := s.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		s.Logger.DebugContext(ctx, s.Name+": Run loop started")
		defer s.Logger.DebugContext(ctx, s.Name+": Run loop stopped")

		ticker := timeutil.NewTickerWithInitialTick(ctx, s.config.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			numExpired, err := s.runOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.Logger.ErrorContext(ctx, s.Name+": Error expiring tasks", slog.String("error", err.Error()))
				}
				continue
			}

			if numExpired > 0 {
				s.Logger.InfoContext(ctx, s.Name+": Ran successfully",
					slog.Int("num_tasks_expired", numExpired),
				)
			}
		}
	}()

	return nil
}

func (s *TaskExpirer) runOnce(ctx context.Context) (int, error) {
	numExpired := 0

	for {
		numBatch, err := s.expireBatch(ctx)
		if err != nil {
			return numExpired, err
		}
		numExpired += numBatch

		// Fewer candidates than the batch size means the backlog is drained.
		if numBatch < s.batchSize {
			break
		}
	}

	numReleased, err := s.plans.CursorReleaseStale(ctx, s.pool)
	if err != nil {
		return numExpired, err
	}
	if numReleased > 0 {
		s.Logger.WarnContext(ctx, s.Name+": Released stale cursor locks",
			slog.Int64("num_locks", numReleased),
		)
	}
	s.TestSignals.ReleasedLocks.Signal(numReleased)

	return numExpired, nil
}

// expireBatch selects one batch of expired active tasks and resolves them,
// holding the row locks until the resolutions commit.
func (s *TaskExpirer) expireBatch(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning expire transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	candidates, err := s.plans.TaskExpireCandidates(ctx, tx, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	resolutions := sliceutil.Map(candidates, func(candidate *dbplans.ExpireCandidate) bustype.TaskResolve {
		return taskexecutor.ResolveFailure(candidate.ID, candidate.RetryCount, candidate.Config, bustype.TaskStateExpired, nil)
	})

	if err := s.plans.TaskResolveMany(ctx, tx, resolutions); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing expire transaction: %w", err)
	}

	s.TestSignals.ExpiredBatch.Signal(len(candidates))

	return len(candidates), nil
}
