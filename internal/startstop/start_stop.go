// Package startstop provides the primitive every worker in the bus is built
// on: a service that can be started and stopped safely, tolerating double
// starts, double stops, and stops without a start.
package startstop

import (
	"context"
	"errors"
	"sync"
)

// ErrStop is injected as a cancel cause when a service's context is cancelled
// because the service is stopping, making a controlled stop distinguishable
// from an external context cancellation.
var ErrStop = errors.New("service stopped")

// Service is a generalized interface for a service that starts and stops.
type Service interface {
	// Start starts a service. Services background themselves, so Start should
	// be invoked synchronously and may return an error if startup fails.
	Start(ctx context.Context) error

	// Started returns a channel that's closed when a service finishes
	// starting, or if it failed to start and was stopped instead.
	Started() <-chan struct{}

	// Stop stops a service, blocking until the stop is complete. Services
	// must tolerate being stopped without having been started, and being
	// double-stopped.
	Stop()
}

// BaseStartStop is embedded on a service struct and provides the basic
// necessities to implement Service in a way that's not racy and tolerates
// edge cases like double starts.
//
// Services implement their own Start which invokes StartInit first thing,
// returns if told not to start, and otherwise spawns a goroutine with their
// run loop, deferring the stopped function within it:
//
//	func (s *Service) Start(ctx context.Context) error {
//	    ctx, shouldStart, started, stopped := s.StartInit(ctx)
//	    if !shouldStart {
//	        return nil
//	    }
//
//	    go func() {
//	        started()
//	        defer stopped()
//
//	        <-ctx.Done()
//	    }()
//
//	    return nil
//	}
//
// A Stop implementation is provided automatically. In the event of a startup
// error, the service must call stopped() itself before returning the error,
// otherwise it can never be started again.
type BaseStartStop struct {
	cancelFunc context.CancelCauseFunc
	mu         sync.Mutex
	started    chan struct{}
	stopped    chan struct{}
}

// StartInit is invoked at the beginning of a service's Start function. It
// returns a context for the service to use, a boolean indicating whether it
// should start (false if already started), and started/stopped functions for
// the run goroutine to invoke.
func (s *BaseStartStop) StartInit(ctx context.Context) (context.Context, bool, func(), func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started != nil {
		return ctx, false, nil, nil
	}

	s.started = make(chan struct{})
	s.stopped = make(chan struct{})
	ctx, s.cancelFunc = context.WithCancelCause(ctx)

	closeStartedOnce := sync.OnceFunc(func() { close(s.started) })

	return ctx, true, closeStartedOnce, func() {
		// Close started too in case it never was, so that a waiter on
		// Started doesn't hang on a service that failed startup.
		closeStartedOnce()

		close(s.stopped)
	}
}

// Started returns a channel closed when the service finishes starting.
func (s *BaseStartStop) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.started
}

// Stop is an automatically provided implementation for Service's Stop.
func (s *BaseStartStop) Stop() {
	shouldStop, stopped, finalizeStop := s.StopInit()
	if !shouldStop {
		return
	}

	<-stopped
	finalizeStop(true)
}

// StopInit supports building a customized Stop implementation. It returns a
// boolean indicating whether the service should do any additional work to
// stop (false if it was never started), a stopped channel to wait on, and a
// finalizeStop function to invoke after waiting.
//
// finalizeStop takes a boolean indicating whether the service should indeed
// be considered stopped; callers can pass false to cancel the stop action.
func (s *BaseStartStop) StopInit() (bool, <-chan struct{}, func(didStop bool)) {
	s.mu.Lock()

	// Tolerate being told to stop without having been started.
	if s.stopped == nil {
		s.mu.Unlock()
		return false, nil, func(didStop bool) {}
	}

	s.cancelFunc(ErrStop)

	return true, s.stopped, func(didStop bool) {
		defer s.mu.Unlock()
		if didStop {
			s.started = nil
			s.stopped = nil
		}
	}
}

// Stopped returns a channel that can be waited on for the service to stop.
// Only safe to invoke after waiting on Start, and a reference must be taken
// before invoking Stop.
func (s *BaseStartStop) Stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// StopAllParallel stops all the given services in parallel and waits until
// they've all stopped.
func StopAllParallel(services ...Service) {
	var wg sync.WaitGroup
	wg.Add(len(services))

	for i := range services {
		service := services[i]
		go func() {
			defer wg.Done()
			service.Stop()
		}()
	}

	wg.Wait()
}

// WaitAllStarted waits until all the given services are started (or stopped
// in a degenerate start scenario, like context cancelled while starting up).
func WaitAllStarted(services ...Service) {
	for _, service := range services {
		<-service.Started()
	}
}
