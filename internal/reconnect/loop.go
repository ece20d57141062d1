package reconnect

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start begins the scheduling loop (spec §4.7 "start()"). A no-op if
// already active.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	now := time.Now()
	if now.Sub(c.lastReset) >= c.opts.ResetThreshold {
		c.attempts = 0
		c.currentDelay = c.opts.MinDelay
		c.lastReset = now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.mu.Unlock()

	c.bus.Emit("starling:reconnect:started", nil)
	go c.loop(ctx, false)
}

// ForceAttempt stops any current scheduling and immediately performs one
// connect attempt without waiting (spec §4.7 "forceAttempt()"). On failure
// it falls back into the normal scheduling loop.
func (c *Controller) ForceAttempt() {
	c.Stop()

	c.mu.Lock()
	c.active = true
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.mu.Unlock()

	go c.loop(ctx, true)
}

// Stop halts scheduling, cancels any pending wait or in-flight attempt, and
// emits "starling:reconnect:stopped".
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	cancel := c.loopCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.bus.Emit("starling:reconnect:stopped", nil)
}

// Reset stops the controller and reinitializes all metrics to their
// initial values.
func (c *Controller) Reset() {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.totalAttempts = 0
	c.successfulReconnections = 0
	c.failedAttempts = 0
	c.lastAttempt = time.Time{}
	c.lastSuccess = time.Time{}
	c.lastReset = time.Now()
	c.currentDelay = c.opts.MinDelay
	c.attemptDurations = nil
}

// GetMetrics returns a point-in-time snapshot (spec §4.7 "getMetrics()").
func (c *Controller) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg time.Duration
	if len(c.attemptDurations) > 0 {
		var total time.Duration
		for _, d := range c.attemptDurations {
			total += d
		}
		avg = total / time.Duration(len(c.attemptDurations))
	}

	return Metrics{
		Active:                  c.active,
		CurrentDelay:            c.currentDelay,
		Attempts:                c.attempts,
		TotalAttempts:           c.totalAttempts,
		SuccessfulReconnections: c.successfulReconnections,
		FailedAttempts:          c.failedAttempts,
		LastAttempt:             c.lastAttempt,
		LastSuccess:             c.lastSuccess,
		LastReset:               c.lastReset,
		AverageAttemptDuration:  avg,
	}
}

// loop runs steps 1-6 of spec §4.7. When skipWaitOnce is true (ForceAttempt)
// the very first iteration skips straight to the attempt step.
func (c *Controller) loop(ctx context.Context, skipWaitOnce bool) {
	first := skipWaitOnce
	for {
		if !first {
			if !c.scheduleAndWait(ctx) {
				return
			}
		}
		first = false

		if ctx.Err() != nil {
			return
		}

		succeeded, aborted := c.attemptOnce(ctx)
		if aborted {
			return
		}
		if succeeded {
			// onConnected (subscribed on the bus) records success metrics
			// and calls Stop() itself — nothing left to do here.
			return
		}
		// Failure: fall through to the top of the loop, which re-checks
		// the attempt cap (step 1) before scheduling the next wait.
	}
}

// scheduleAndWait implements steps 1-4: check the attempt cap, compute the
// next delay, emit "scheduled", and wait. Returns false if the loop should
// stop (cap hit or cancelled).
func (c *Controller) scheduleAndWait(ctx context.Context) bool {
	c.mu.Lock()
	maxAttempts := c.opts.MaxAttempts
	attempts := c.attempts
	c.mu.Unlock()

	if maxAttempts > 0 && attempts >= maxAttempts {
		c.bus.Emit("starling:reconnect:max_attempts", c.GetMetrics())
		c.Stop()
		return false
	}

	c.mu.Lock()
	delay := time.Duration(float64(c.currentDelay) * c.opts.BackoffMultiplier)
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	c.currentDelay = delay
	debug := c.opts.Debug
	c.mu.Unlock()

	c.bus.Emit("starling:reconnect:scheduled", delay)
	if debug {
		c.logger.Debug("reconnect: scheduled", zap.Duration("delay", delay))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// attemptOnce implements steps 5-6: perform one connect attempt.
func (c *Controller) attemptOnce(ctx context.Context) (succeeded, aborted bool) {
	c.mu.Lock()
	c.attempts++
	c.totalAttempts++
	c.lastAttempt = time.Now()
	attemptNum := c.attempts
	c.mu.Unlock()

	c.bus.Emit("starling:reconnect:attempt", attemptNum)

	err := c.connect(ctx)
	if err == nil {
		return true, false
	}

	if ctx.Err() != nil {
		return false, true
	}

	c.mu.Lock()
	c.failedAttempts++
	c.mu.Unlock()
	c.bus.Emit("starling:reconnect:failed", err)
	return false, false
}

// onConnected is subscribed to the bus at construction and records success
// metrics whenever ConnectionCore opens while the controller is active —
// whether driven by this controller's own attempt or an independent
// app-initiated Connect(). Opens while inactive are ignored.
func (c *Controller) onConnected(event string, payload any) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	dur := now.Sub(c.lastAttempt)
	c.attemptDurations = append(c.attemptDurations, dur)
	if len(c.attemptDurations) > 10 {
		c.attemptDurations = c.attemptDurations[len(c.attemptDurations)-10:]
	}
	c.successfulReconnections++
	c.lastSuccess = now
	c.mu.Unlock()

	c.Stop()
}
