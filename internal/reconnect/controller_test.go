package reconnect_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/starling-go/internal/eventbus"
	"github.com/helios-starling/starling-go/internal/reconnect"
)

func testOptions() reconnect.Options {
	return reconnect.Options{
		MinDelay:          10 * time.Millisecond,
		MaxDelay:          30 * time.Millisecond,
		MaxAttempts:       3,
		BackoffMultiplier: 2,
		ResetThreshold:    time.Minute,
	}
}

func TestMaxAttemptsCap(t *testing.T) {
	bus := eventbus.New(nil)
	var attempts int32
	var maxHit int32

	bus.On("starling:reconnect:max_attempts", func(event string, payload any) { atomic.AddInt32(&maxHit, 1) })

	c := reconnect.New(bus, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("dial failed")
	}, nil, testOptions())

	c.Start()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&maxHit) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.False(t, c.GetMetrics().Active)
}

func TestSuccessfulReconnectStopsController(t *testing.T) {
	bus := eventbus.New(nil)
	c := reconnect.New(bus, func(ctx context.Context) error {
		bus.Emit("starling:connected", nil)
		return nil
	}, nil, testOptions())

	c.Start()

	require.Eventually(t, func() bool { return !c.GetMetrics().Active }, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.GetMetrics().SuccessfulReconnections)
}

func TestBackoffGrowsBeforeFirstWait(t *testing.T) {
	bus := eventbus.New(nil)
	var delays []time.Duration
	bus.On("starling:reconnect:scheduled", func(event string, payload any) {
		delays = append(delays, payload.(time.Duration))
	})

	opts := testOptions()
	opts.MaxAttempts = 2
	c := reconnect.New(bus, func(ctx context.Context) error { return errors.New("fail") }, nil, opts)
	c.Start()

	require.Eventually(t, func() bool { return len(delays) >= 2 }, time.Second, time.Millisecond)

	// Per spec §4.7 step 2, growth is applied before the very first wait.
	assert.Equal(t, opts.MinDelay*2, delays[0])
}

func TestStopAbortsInFlightAttempt(t *testing.T) {
	bus := eventbus.New(nil)
	started := make(chan struct{})
	c := reconnect.New(bus, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil, testOptions())

	c.Start()
	<-started
	// Give attemptOnce a moment to register the attempt, then stop.
	time.Sleep(5 * time.Millisecond)
	c.Stop()

	require.Eventually(t, func() bool { return !c.GetMetrics().Active }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.GetMetrics().FailedAttempts)
}
