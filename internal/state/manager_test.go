package state_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/starling-go/internal/eventbus"
	"github.com/helios-starling/starling-go/internal/state"
)

func testOptions() state.Options {
	opts := state.DefaultOptions()
	opts.RefreshInterval = time.Hour
	opts.MinRefreshInterval = 50 * time.Millisecond
	opts.RetryAttempts = 3
	opts.RetryDelay = 5 * time.Millisecond
	return opts
}

func TestRefreshSucceeds(t *testing.T) {
	bus := eventbus.New(nil)
	var refreshed int32
	bus.On("state:refreshed", func(event string, payload any) { atomic.AddInt32(&refreshed, 1) })

	m, err := state.New(bus, func(ctx context.Context, timeout time.Duration) (string, error) {
		return "token-1", nil
	}, nil, testOptions())
	require.NoError(t, err)
	defer m.Close()

	token, err := m.Refresh(context.Background(), false, 0)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, "token-1", m.Token())
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshed))
	assert.Equal(t, 1, m.GetMetrics().Refreshes)
}

func TestMinRefreshIntervalThrottles(t *testing.T) {
	bus := eventbus.New(nil)
	var calls int32
	m, err := state.New(bus, func(ctx context.Context, timeout time.Duration) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "token", nil
	}, nil, testOptions())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Refresh(context.Background(), false, 0)
	require.NoError(t, err)

	_, err = m.Refresh(context.Background(), false, 0)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestForceBypassesThrottle(t *testing.T) {
	bus := eventbus.New(nil)
	var calls int32
	m, err := state.New(bus, func(ctx context.Context, timeout time.Duration) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "token", nil
	}, nil, testOptions())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Refresh(context.Background(), false, 0)
	require.NoError(t, err)

	_, err = m.Refresh(context.Background(), true, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRetryThenSuccess(t *testing.T) {
	bus := eventbus.New(nil)
	var calls int32
	m, err := state.New(bus, func(ctx context.Context, timeout time.Duration) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return "", errors.New("transient failure")
		}
		return "token-final", nil
	}, nil, testOptions())
	require.NoError(t, err)
	defer m.Close()

	token, err := m.Refresh(context.Background(), false, 0)
	require.NoError(t, err)
	assert.Equal(t, "token-final", token)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, m.GetMetrics().RefreshFailures)
}

func TestRetryExhaustionFails(t *testing.T) {
	bus := eventbus.New(nil)
	m, err := state.New(bus, func(ctx context.Context, timeout time.Duration) (string, error) {
		return "", errors.New("permanent failure")
	}, nil, testOptions())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Refresh(context.Background(), false, 0)
	require.Error(t, err)
	assert.Equal(t, 3, m.GetMetrics().RefreshFailures)
	assert.Equal(t, 0, m.GetMetrics().Refreshes)
}

func TestForceRefreshOnReconnect(t *testing.T) {
	bus := eventbus.New(nil)
	var calls int32
	opts := testOptions()
	opts.ForceRefreshOnReconnect = true
	m, err := state.New(bus, func(ctx context.Context, timeout time.Duration) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "token", nil
	}, nil, opts)
	require.NoError(t, err)
	defer m.Close()

	bus.Emit("starling:disconnected", nil)
	bus.Emit("starling:connected", nil)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, m.GetMetrics().Reconnections)
}

func TestConcurrentRefreshRejected(t *testing.T) {
	bus := eventbus.New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	m, err := state.New(bus, func(ctx context.Context, timeout time.Duration) (string, error) {
		close(started)
		<-release
		return "token", nil
	}, nil, testOptions())
	require.NoError(t, err)
	defer m.Close()

	go func() { _, _ = m.Refresh(context.Background(), false, 0) }()
	<-started

	_, err = m.Refresh(context.Background(), true, 0)
	require.Error(t, err)
	close(release)
}
