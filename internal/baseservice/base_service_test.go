package baseservice

import (
	"context"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type MyService struct {
	BaseService
}

func testArchetype() *Archetype {
	return &Archetype{
		Logger: slog.New(slog.DiscardHandler),
		Rand:   rand.New(rand.NewSource(1)), //nolint:gosec
		Time:   &UnStubbableTimeGenerator{},
	}
}

func TestInit(t *testing.T) {
	t.Parallel()

	archetype := testArchetype()

	service := Init(archetype, &MyService{})
	require.NotNil(t, service.Logger)
	require.Equal(t, "MyService", service.Name)
	require.NotNil(t, service.Rand)
	require.NotNil(t, service.Time)
}

func TestCancellableSleep(t *testing.T) {
	t.Parallel()

	service := Init(testArchetype(), &MyService{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	service.CancellableSleep(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second)
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	service := Init(testArchetype(), &MyService{})

	// 2**(n-1) seconds +/- 10% jitter.
	require.InDelta(t, 1.0, service.ExponentialBackoff(1, MaxAttemptsBeforeResetDefault).Seconds(), 0.1)
	require.InDelta(t, 2.0, service.ExponentialBackoff(2, MaxAttemptsBeforeResetDefault).Seconds(), 0.2)
	require.InDelta(t, 8.0, service.ExponentialBackoff(4, MaxAttemptsBeforeResetDefault).Seconds(), 0.8)

	// Attempts reset after the cap so sleeps don't grow unbounded.
	require.InDelta(t, 1.0, service.ExponentialBackoff(11, MaxAttemptsBeforeResetDefault).Seconds(), 0.1)
}
