package timeutil

import (
	"context"
	"time"
)

// SecondsAsDuration converts seconds represented as a float to a
// time.Duration.
func SecondsAsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// TickerWithInitialTick behaves like time.Ticker except that it fires once
// immediately on creation. It stops when the given context is cancelled
// rather than through an explicit Stop.
type TickerWithInitialTick struct {
	// C fires once at startup, then after every elapsed interval.
	C <-chan time.Time

	interval time.Duration
	tickChan chan time.Time
}

// NewTickerWithInitialTick creates a ticker that fires once immediately, then
// on every interval until ctx is cancelled.
func NewTickerWithInitialTick(ctx context.Context, interval time.Duration) *TickerWithInitialTick {
	// Buffer of one with non-blocking sends, same as Go's own ticker. Ticks
	// are dropped if the receiver falls behind.
	tickChan := make(chan time.Time, 1)

	t := &TickerWithInitialTick{
		C:        tickChan,
		interval: interval,
		tickChan: tickChan,
	}
	go t.runLoop(ctx)
	return t
}

func (t *TickerWithInitialTick) nonBlockingTick(tm time.Time) {
	select {
	case t.tickChan <- tm:
	default:
	}
}

func (t *TickerWithInitialTick) runLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	t.nonBlockingTick(time.Now())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tm := <-ticker.C:
			t.nonBlockingTick(tm)
		}
	}
}
