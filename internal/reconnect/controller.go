// Package reconnect implements the ReconnectionController (spec §4.7):
// an exponential-backoff scheduler that drives ConnectionCore.Connect
// through abortable attempts, with an attempt cap, reset-on-stability, and
// an observable metrics snapshot. It holds only a weak (functional)
// reference to ConnectionCore — it calls a connect func and observes the
// shared EventBus, never touching the socket itself (spec §4 ownership
// note; §9 "observer cycles").
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helios-starling/starling-go/internal/eventbus"
)

// ErrAttemptAborted is the error value for a connect attempt cancelled by
// Stop. The controller recognises cancellation through the attempt's
// context and does not count it as a failure (spec §5, §9); it does not
// return or emit this value itself.
var ErrAttemptAborted = errors.New("Reconnection attempt aborted")

// Connector is the minimal capability the controller needs from
// ConnectionCore: attempt to open the connection, honoring ctx cancellation.
type Connector func(ctx context.Context) error

// Options configures backoff behavior (spec §4.7 defaults).
type Options struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int // 0 means unlimited
	BackoffMultiplier float64
	ResetThreshold    time.Duration
	Debug             bool
}

// DefaultOptions returns the spec-documented defaults.
func DefaultOptions() Options {
	return Options{
		MinDelay:          100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       0,
		BackoffMultiplier: 1.5,
		ResetThreshold:    60 * time.Second,
		Debug:             false,
	}
}

// Metrics is the observable snapshot of spec §3's reconnection state.
type Metrics struct {
	Active                  bool
	CurrentDelay            time.Duration
	Attempts                int
	TotalAttempts           int
	SuccessfulReconnections int
	FailedAttempts          int
	LastAttempt             time.Time
	LastSuccess             time.Time
	LastReset               time.Time
	AverageAttemptDuration  time.Duration
}

// Controller implements the scheduling loop of spec §4.7.
type Controller struct {
	opts   Options
	bus    *eventbus.Bus
	connect Connector
	logger *zap.Logger

	mu                      sync.Mutex
	active                  bool
	currentDelay            time.Duration
	attempts                int
	totalAttempts           int
	successfulReconnections int
	failedAttempts          int
	lastAttempt             time.Time
	lastSuccess             time.Time
	lastReset               time.Time
	attemptDurations        []time.Duration
	loopCancel              context.CancelFunc

	disposeConnected eventbus.Disposer
}

// New creates a Controller wired to bus and connect. The controller
// subscribes to "starling:connected" immediately to capture successful
// reconnections; call Close to unsubscribe when ConnectionCore is disposed.
func New(bus *eventbus.Bus, connect Connector, logger *zap.Logger, opts Options) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		opts:         opts,
		bus:          bus,
		connect:      connect,
		logger:       logger.Named("reconnect"),
		currentDelay: opts.MinDelay,
		lastReset:    time.Now(),
	}
	c.disposeConnected = bus.On("starling:connected", c.onConnected)
	return c
}

// Close unsubscribes the controller from the event bus. Safe to call after
// Stop.
func (c *Controller) Close() {
	if c.disposeConnected != nil {
		c.disposeConnected()
	}
}
