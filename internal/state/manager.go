// Package state implements StateManager (spec §4.8): periodic recovery-
// token refresh via the protocol-level starling:state RPC, throttled by a
// minimum interval, retried on failure, force-refreshed on reconnect, and
// observable through a metrics snapshot. Re-arming the next refresh uses
// go-co-op/gocron the same way the teacher's scheduler package uses it for
// per-policy backup jobs — one OneTimeJob per refresh cycle, re-added after
// every successful refresh instead of a recurring CronJob, since the next fire time is
// computed relative to "now" rather than a fixed calendar schedule.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/helios-starling/starling-go/internal/codec"
	"github.com/helios-starling/starling-go/internal/eventbus"
)

// RefreshMethod is the protocol-level RPC used to obtain a fresh recovery
// token (spec §4.8, §9 Open Question — the reference shows both
// "starling:state" and "starling:getToken"; this implementation commits to
// "starling:state").
const RefreshMethod = "starling:state"

const refreshJobTag = "starling-state-refresh"

// RefreshFunc performs the actual starling:state RPC round-trip and returns
// the new opaque recovery token. Supplied by ConnectionCore, which has the
// RequestRegistry/send path this package does not own.
type RefreshFunc func(ctx context.Context, timeout time.Duration) (token string, err error)

// Options configures refresh cadence and retry behavior (spec §4.8
// defaults).
type Options struct {
	RefreshInterval         time.Duration
	MinRefreshInterval      time.Duration
	RetryAttempts           int
	RetryDelay              time.Duration
	ForceRefreshOnReconnect bool
	RequestTimeout          time.Duration
}

// DefaultOptions returns the spec-documented defaults.
func DefaultOptions() Options {
	return Options{
		RefreshInterval:         300 * time.Second,
		MinRefreshInterval:      60 * time.Second,
		RetryAttempts:           3,
		RetryDelay:              1 * time.Second,
		ForceRefreshOnReconnect: true,
		RequestTimeout:          10 * time.Second,
	}
}

// Metrics is the observable snapshot of spec §3's state-manager metrics.
type Metrics struct {
	Refreshes       int
	RefreshFailures int
	Reconnections   int
	TotalDowntime   time.Duration
	LastDisconnect  time.Time
}

// Manager owns the recovery token lifecycle for one connection.
type Manager struct {
	opts        Options
	bus         *eventbus.Bus
	refreshCall RefreshFunc
	logger      *zap.Logger
	cron        gocron.Scheduler

	mu          sync.Mutex
	token       string
	lastRefresh time.Time
	refreshing  bool
	metrics     Metrics

	disposers []eventbus.Disposer
}

// New creates a Manager, starts its internal gocron scheduler, and
// subscribes to the connection lifecycle events it reacts to.
func New(bus *eventbus.Bus, refreshCall RefreshFunc, logger *zap.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("state: failed to create scheduler: %w", err)
	}

	m := &Manager{
		opts:        opts,
		bus:         bus,
		refreshCall: refreshCall,
		logger:      logger.Named("state"),
		cron:        cron,
	}
	m.disposers = append(m.disposers,
		bus.On("starling:connected", m.onConnected),
		bus.On("starling:disconnected", m.onDisconnected),
	)
	cron.Start()
	return m, nil
}

// Token returns the currently held recovery token, or "" if none has been
// obtained yet.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// GetMetrics returns a point-in-time snapshot of the refresh metrics.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Close stops the scheduler and unsubscribes from the event bus.
func (m *Manager) Close() {
	for _, d := range m.disposers {
		d()
	}
	_ = m.cron.Shutdown()
}

// Refresh performs the starling:state RPC, making up to RetryAttempts
// attempts in total, and re-arms the next scheduled refresh on success.
// force bypasses MinRefreshInterval throttling; timeout of 0 uses
// Options.RequestTimeout.
func (m *Manager) Refresh(ctx context.Context, force bool, timeout time.Duration) (string, error) {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return "", &codec.ErrorObject{Code: "REFRESH_IN_PROGRESS", Message: "a refresh is already in progress"}
	}
	if !force && !m.lastRefresh.IsZero() && time.Since(m.lastRefresh) < m.opts.MinRefreshInterval {
		m.mu.Unlock()
		return "", &codec.ErrorObject{Code: "MIN_INTERVAL_NOT_REACHED", Message: "refresh requested before MinRefreshInterval elapsed"}
	}
	m.refreshing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.RetryAttempts; attempt++ {
		token, err := m.refreshCall(ctx, timeout)
		if err == nil {
			m.onRefreshSuccess(token)
			return token, nil
		}

		lastErr = err
		m.mu.Lock()
		m.metrics.RefreshFailures++
		m.mu.Unlock()
		m.logger.Warn("state: refresh attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.opts.RetryAttempts),
			zap.Error(err),
		)

		if attempt < m.opts.RetryAttempts {
			select {
			case <-time.After(m.opts.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", &codec.ErrorObject{Code: "STATE_REFRESH_FAILED", Message: lastErr.Error()}
}

func (m *Manager) onRefreshSuccess(token string) {
	m.mu.Lock()
	m.token = token
	m.lastRefresh = time.Now()
	m.metrics.Refreshes++
	m.mu.Unlock()

	m.logExpiryIfParseable(token)
	m.scheduleNext()

	if m.bus != nil {
		m.bus.Emit("state:refreshed", token)
	}
}

// logExpiryIfParseable best-effort decodes the token as a JWT (without
// signature verification — the token is opaque per spec §9; Non-goals rule
// out client-side crypto) purely to log an early warning when the server
// issued a token that is already close to expiry.
func (m *Manager) logExpiryIfParseable(token string) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if ttl := time.Until(exp.Time); ttl < m.opts.RefreshInterval {
		m.logger.Warn("state: refreshed token expires before the next scheduled refresh",
			zap.Duration("ttl", ttl),
			zap.Duration("refresh_interval", m.opts.RefreshInterval),
		)
	}
}

// scheduleNext removes any previously scheduled refresh job and arms a new
// one-shot job RefreshInterval from now.
func (m *Manager) scheduleNext() {
	m.cron.RemoveByTags(refreshJobTag)
	_, err := m.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(m.opts.RefreshInterval))),
		gocron.NewTask(func() {
			if _, err := m.Refresh(context.Background(), false, 0); err != nil {
				m.logger.Warn("state: scheduled refresh failed", zap.Error(err))
			}
		}),
		gocron.WithTags(refreshJobTag),
	)
	if err != nil {
		m.logger.Error("state: failed to schedule next refresh", zap.Error(err))
	}
}

// onConnected implements spec §4.8's connected binding: after a prior
// disconnect, accumulate downtime and, when configured, force a refresh
// (swallowing failures). The first connect triggers neither.
func (m *Manager) onConnected(event string, payload any) {
	m.mu.Lock()
	hadDisconnect := !m.metrics.LastDisconnect.IsZero()
	if hadDisconnect {
		m.metrics.Reconnections++
		m.metrics.TotalDowntime += time.Since(m.metrics.LastDisconnect)
		m.metrics.LastDisconnect = time.Time{}
	}
	force := m.opts.ForceRefreshOnReconnect
	m.mu.Unlock()

	if force && hadDisconnect {
		go func() {
			if _, err := m.Refresh(context.Background(), true, 0); err != nil {
				m.logger.Debug("state: force-refresh on reconnect failed", zap.Error(err))
			}
		}()
	}
}

// onDisconnected implements spec §4.8's disconnected binding: mark the
// disconnect time and clear the scheduled refresh until reconnected.
func (m *Manager) onDisconnected(event string, payload any) {
	m.mu.Lock()
	m.metrics.LastDisconnect = time.Now()
	m.mu.Unlock()
	m.cron.RemoveByTags(refreshJobTag)
}
