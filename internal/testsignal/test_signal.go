package testsignal

import (
	"fmt"
	"time"
)

// waitTimeout is how long WaitOrTimeout waits before panicking. Generous to
// accommodate slow CI machines.
const waitTimeout = 5 * time.Second

// TestSignal is a channel wrapper that lets tests wait on specific internal
// events (to exercise difficult concurrent conditions without intermittency)
// while having minimal impact on the production code that signals into it.
//
// Its zero value is safe to Signal into and no-ops. Services that embed test
// signals provide an Init function that tests invoke, after which values can
// be waited on with WaitOrTimeout.
type TestSignal[T any] struct {
	internalChan chan T
}

const internalChanSize = 50

// Init initializes the test signal for use. Only ever called from tests.
func (s *TestSignal[T]) Init() {
	s.internalChan = make(chan T, internalChanSize)
}

// Signal signals the test signal. Outside of tests, where the signal hasn't
// been initialized, this no-ops harmlessly.
func (s *TestSignal[T]) Signal(val T) {
	if s.internalChan == nil {
		return
	}

	select { // never block on send
	case s.internalChan <- val:
	default:
		panic("test only signal channel is full")
	}
}

// WaitOrTimeout waits on the next value injected by Signal. Only usable after
// Init has been invoked.
func (s *TestSignal[T]) WaitOrTimeout() T {
	if s.internalChan == nil {
		panic("test only signal is not initialized; called outside of tests?")
	}

	select {
	case value := <-s.internalChan:
		return value
	case <-time.After(waitTimeout):
		panic(fmt.Sprintf("timed out waiting on test signal after %s", waitTimeout))
	}
}
