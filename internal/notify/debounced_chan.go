// Package notify provides the debounced wake-up channel used to coalesce
// bursts of local inserts into a bounded number of worker fetches.
package notify

import (
	"context"
	"sync"
	"time"
)

// DebouncedChan emits on its channel at most once per cooldown period, on the
// period's leading edge. Calls made during the cooldown are coalesced into a
// single trailing emission, which is never delayed past maxWait from the
// leading-edge emission.
type DebouncedChan struct {
	c        chan struct{}
	cooldown time.Duration
	ctxDone  <-chan struct{}
	maxWait  time.Duration

	// mu protects variables in group below
	mu                 sync.Mutex
	deadline           time.Time
	sendOnTimerExpired bool
	timer              *time.Timer
	timerDone          bool
}

// NewDebouncedChan returns a DebouncedChan which sends on its channel no more
// often than cooldown, and holds a pending trailing send no longer than
// maxWait.
func NewDebouncedChan(ctx context.Context, cooldown, maxWait time.Duration) *DebouncedChan {
	if maxWait < cooldown {
		maxWait = cooldown
	}
	return &DebouncedChan{
		c:        make(chan struct{}, 1),
		cooldown: cooldown,
		ctxDone:  ctx.Done(),
		maxWait:  maxWait,
	}
}

// C is the debounced channel.
func (d *DebouncedChan) C() <-chan struct{} {
	return d.c
}

// Call invokes the debounced channel. The first call during a quiet period
// emits immediately; subsequent calls during the cooldown coalesce into one
// trailing emission.
func (d *DebouncedChan) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A timer is running and hasn't expired yet. Mark for a trailing send
	// when it does, and push the send out by another cooldown, but never past
	// the maxWait deadline taken from the leading edge.
	if d.timer != nil && !d.timerDone {
		d.sendOnTimerExpired = true
		if wait := min(d.cooldown, time.Until(d.deadline)); wait > 0 {
			if d.timer.Stop() {
				d.timer.Reset(wait)
			}
		}
		return
	}

	// No timer running, or the last one expired. Send immediately (the
	// leading edge), then arm the cooldown timer.
	d.nonBlockingSendOnC()

	d.deadline = time.Now().Add(d.maxWait)
	if d.timer == nil {
		d.timer = time.NewTimer(d.cooldown)
	} else {
		d.timer.Reset(d.cooldown)
	}
	d.timerDone = false

	go d.waitForTimer()
}

func (d *DebouncedChan) nonBlockingSendOnC() {
	select {
	case d.c <- struct{}{}:
	default:
	}
}

func (d *DebouncedChan) waitForTimer() {
	select {
	case <-d.ctxDone:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.timer != nil {
			if !d.timer.Stop() {
				<-d.timer.C
			}
			d.timerDone = true
		}

	case <-d.timer.C:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.sendOnTimerExpired {
			d.nonBlockingSendOnC()
		}
		d.timerDone = true
		d.sendOnTimerExpired = false
	}
}
