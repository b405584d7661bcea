package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/dbplans"
	"github.com/pgtbus/tbus/internal/startstop"
	"github.com/pgtbus/tbus/internal/testsignal"
	"github.com/pgtbus/tbus/internal/util/timeutil"
	"github.com/pgtbus/tbus/internal/util/valutil"
)

const CleanerIntervalDefault = 300 * time.Second

// Test-only properties.
type CleanerTestSignals struct {
	CleanedBatch testsignal.TestSignal[CleanerRunResult]
}

func (ts *CleanerTestSignals) Init() {
	ts.CleanedBatch.Init()
}

type CleanerConfig struct {
	// Interval is the amount of time to wait between cleanup passes.
	Interval time.Duration
}

type CleanerRunResult struct {
	NumEventsDeleted        int64
	NumArchivedTasksDeleted int64
}

// Cleaner deletes events past their retention date and archived tasks past
// their keep_until.
type Cleaner struct {
	baseservice.BaseService
	startstop.BaseStartStop

	TestSignals CleanerTestSignals

	config *CleanerConfig
	db     dbplans.DBTX
	plans  *dbplans.Plans
}

func NewCleaner(archetype *baseservice.Archetype, config *CleanerConfig, db dbplans.DBTX, plans *dbplans.Plans) *Cleaner {
	return baseservice.Init(archetype, &Cleaner{
		config: &CleanerConfig{
			Interval: valutil.ValOrDefault(config.Interval, CleanerIntervalDefault),
		},
		db:    db,
		plans: plans,
	})
}

func (s *Cleaner) Start(ctx context.Context) error {
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

			res, err := s.runOnce(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.Logger.ErrorContext(ctx, s.Name+": Error cleaning up", slog.String("error", err.Error()))
				}
				continue
			}

			if res.NumEventsDeleted > 0 || res.NumArchivedTasksDeleted > 0 {
				s.Logger.InfoContext(ctx, s.Name+": Ran successfully",
					slog.Int64("num_events_deleted", res.NumEventsDeleted),
					slog.Int64("num_archived_tasks_deleted", res.NumArchivedTasksDeleted),
				)
			}
		}
	}()

	return nil
}

func (s *Cleaner) runOnce(ctx context.Context) (*CleanerRunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res := &CleanerRunResult{}

	var err error
	if res.NumEventsDeleted, err = s.plans.EventsDeleteExpired(ctx, s.db); err != nil {
		return nil, err
	}
	if res.NumArchivedTasksDeleted, err = s.plans.ArchiveDeleteExpired(ctx, s.db); err != nil {
		return nil, err
	}

	s.TestSignals.CleanedBatch.Signal(*res)

	return res, nil
}
