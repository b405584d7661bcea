// Package resolvebatch accumulates task resolutions and flushes them to
// storage in groups, bounding both group size and the latency any single
// resolution waits before landing.
package resolvebatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/bustype"
	"github.com/pgtbus/tbus/internal/startstop"
	"github.com/pgtbus/tbus/internal/testsignal"
)

const (
	maxBatchSizeDefault = 75
	maxDelayDefault     = 30 * time.Millisecond

	// Flush retry attempts before a group of resolutions is dropped on the
	// floor. Dropped resolutions are not lost permanently: the tasks stay
	// active and the maintenance expirer eventually reconciles them.
	numFlushRetries = 3
)

// FlushFunc writes a group of resolutions in one round trip.
type FlushFunc func(ctx context.Context, resolutions []bustype.TaskResolve) error

// Test-only properties.
type BatcherTestSignals struct {
	Flushed testsignal.TestSignal[int] // notifies with the flushed group size
}

func (ts *BatcherTestSignals) Init() {
	ts.Flushed.Init()
}

// Batcher is a size/time-bounded accumulator of task resolutions. Add is
// safe for concurrent use from any number of handler goroutines.
type Batcher struct {
	baseservice.BaseService
	startstop.BaseStartStop

	TestSignals BatcherTestSignals

	flushFunc    FlushFunc
	maxBatchSize int
	maxDelay     time.Duration
	triggerCh    chan struct{}

	mu      sync.Mutex // protects pending
	pending []bustype.TaskResolve
}

type Config struct {
	// MaxBatchSize is the group size that triggers an immediate flush.
	MaxBatchSize int

	// MaxDelay is the longest a pending resolution waits before its group is
	// flushed regardless of size.
	MaxDelay time.Duration
}

func New(archetype *baseservice.Archetype, config *Config, flushFunc FlushFunc) *Batcher {
	if config == nil {
		config = &Config{}
	}
	batcher := baseservice.Init(archetype, &Batcher{
		flushFunc:    flushFunc,
		maxBatchSize: config.MaxBatchSize,
		maxDelay:     config.MaxDelay,
		triggerCh:    make(chan struct{}, 1),
	})
	if batcher.maxBatchSize <= 0 {
		batcher.maxBatchSize = maxBatchSizeDefault
	}
	if batcher.maxDelay <= 0 {
		batcher.maxDelay = maxDelayDefault
	}
	return batcher
}

// Add enqueues a resolution for the next flush.
func (b *Batcher) Add(resolution bustype.TaskResolve) {
	b.mu.Lock()
	b.pending = append(b.pending, resolution)
	full := len(b.pending) >= b.maxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.triggerCh <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher) Start(ctx context.Context) error {
	ctx, shouldStart, started, stopped := b.StartInit(ctx)
	if !shouldStart {
		return nil
	}

	go func() {
		started()
		defer stopped() // this defer should come first so it's last out

		b.Logger.DebugContext(ctx, b.Name+": Run loop started")
		defer b.Logger.DebugContext(ctx, b.Name+": Run loop stopped")

		timer := time.NewTimer(b.maxDelay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				// Final flush on the way out so resolutions from handlers
				// that settled during shutdown still land.
				b.flush(context.WithoutCancel(ctx))
				return
			case <-timer.C:
			case <-b.triggerCh:
				if !timer.Stop() {
					<-timer.C
				}
			}

			b.flush(ctx)
			timer.Reset(b.maxDelay)
		}
	}()

	return nil
}

// Flush synchronously writes out everything currently pending. The bus
// doesn't call it on shutdown; stopping the batcher takes the same final
// flush.
func (b *Batcher) Flush(ctx context.Context) {
	b.flush(ctx)
}

func (b *Batcher) flush(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		group := b.pending
		if len(group) > b.maxBatchSize {
			group = group[:b.maxBatchSize]
		}
		b.pending = b.pending[len(group):]
		b.mu.Unlock()

		b.flushGroup(ctx, group)
	}
}

func (b *Batcher) flushGroup(ctx context.Context, group []bustype.TaskResolve) {
	for attempt := 1; ; attempt++ {
		err := func() error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return b.flushFunc(ctx, group)
		}()
		if err == nil {
			b.TestSignals.Flushed.Signal(len(group))
			return
		}

		if attempt >= numFlushRetries {
			b.Logger.ErrorContext(ctx, b.Name+": Too many errors flushing resolutions; giving up",
				slog.Int("num_resolutions", len(group)),
				slog.String("error", err.Error()),
			)
			return
		}

		sleepDuration := b.ExponentialBackoff(attempt, baseservice.MaxAttemptsBeforeResetDefault)
		b.Logger.ErrorContext(ctx, b.Name+": Error flushing resolutions (will retry)",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.Duration("sleep_duration", sleepDuration),
		)
		b.CancellableSleep(ctx, sleepDuration)
	}
}
