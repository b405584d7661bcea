// Package baseservice contains the common facilities embedded in every
// long-lived "service-like" object in the bus (workers, batcher, migrator)
// so they don't have to be redefined on every struct.
package baseservice

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"reflect"
	"time"

	"github.com/pgtbus/tbus/internal/util/timeutil"
)

// Archetype contains the base service properties that are safe for services
// to copy from one another. It's also embedded in BaseService, so these
// properties are available on services directly.
type Archetype struct {
	// Logger is a structured logger.
	Logger *slog.Logger

	// Rand is a random source safe for concurrent use. It is not
	// cryptographically secure and must not be used anywhere
	// security-related.
	Rand *rand.Rand

	// Time returns the current time in UTC.
	Time TimeGenerator
}

// BaseService is meant to be embedded on service-like objects (workers, the
// resolve batcher, the migrator) and provides the properties they all need.
//
// An initial Archetype is defined near the program's entrypoint (in Bus), and
// each service invokes Init along with the archetype in its constructor.
type BaseService struct {
	Archetype

	// Name of the service, used to prefix its log lines.
	Name string
}

// CancellableSleep sleeps for the given duration, but returns early if the
// context is cancelled.
func (s *BaseService) CancellableSleep(ctx context.Context, sleepDuration time.Duration) {
	timer := time.NewTimer(sleepDuration)

	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
	case <-timer.C:
	}
}

// ExponentialBackoff returns a duration for a reasonable exponential backoff
// interval based on the given attempt number, suitable for feeding into
// CancellableSleep. Uses a 2**(attempt-1) second algorithm, +/- 10% random
// jitter.
//
// Attempt should start at one for the first backoff/failure.
func (s *BaseService) ExponentialBackoff(attempt, maxAttemptsBeforeReset int) time.Duration {
	retrySeconds := math.Pow(2, float64((attempt-1)%maxAttemptsBeforeReset))

	// Jitter number of seconds +/- 10%.
	retrySeconds += retrySeconds * (s.Rand.Float64()*0.2 - 0.1)

	return timeutil.SecondsAsDuration(retrySeconds)
}

// MaxAttemptsBeforeResetDefault is the number of attempts during exponential
// backoff after which attempt count resets, so that sleeps don't grow
// unbounded when an error condition persists.
const MaxAttemptsBeforeResetDefault = 10

func (s *BaseService) GetBaseService() *BaseService {
	return s
}

// withBaseService is an interface to a struct that embeds BaseService.
type withBaseService interface {
	GetBaseService() *BaseService
}

// Init initializes a base service from an archetype. It returns the same
// service that was passed into it for convenience.
func Init[TService withBaseService](archetype *Archetype, service TService) TService {
	baseService := service.GetBaseService()

	baseService.Logger = archetype.Logger
	baseService.Name = reflect.TypeOf(service).Elem().Name()
	baseService.Rand = archetype.Rand
	baseService.Time = archetype.Time

	return service
}

// TimeGenerator generates the current time in UTC.
type TimeGenerator interface {
	NowUTC() time.Time
}

// UnStubbableTimeGenerator is a TimeGenerator backed by the system clock.
type UnStubbableTimeGenerator struct{}

func (g *UnStubbableTimeGenerator) NowUTC() time.Time { return time.Now().UTC() }
