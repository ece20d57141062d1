package starling

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/helios-starling/starling-go/internal/reconnect"
	"github.com/helios-starling/starling-go/internal/sendbuffer"
	"github.com/helios-starling/starling-go/internal/state"
	"github.com/helios-starling/starling-go/internal/wsconn"
)

// DefaultConnectTimeout is applied when no WithConnectTimeout Option is
// given (spec §4.1).
const DefaultConnectTimeout = 10 * time.Second

// config collects every constructor-time Option. Unexported: callers only
// ever see the functional Option constructors below.
type config struct {
	logger  *zap.Logger
	dialer  wsconn.Dialer
	header  http.Header

	connectTimeout time.Duration
	reconnect      bool

	reconnectOptions reconnect.Options
	stateOptions     state.Options
	sendBufferCap    int
}

func defaultConfig() config {
	return config{
		dialer:           wsconn.DefaultDialer,
		connectTimeout:   DefaultConnectTimeout,
		reconnect:        true,
		reconnectOptions: reconnect.DefaultOptions(),
		stateOptions:     state.DefaultOptions(),
		sendBufferCap:    sendbuffer.DefaultCapacity,
	}
}

// Option configures a Client at construction time.
type Option func(*config)

// WithLogger supplies a *zap.Logger every component is derived from via
// .Named(...). Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithDialer overrides the transport dialer — tests substitute one backed by
// wsconn.FakeConn.
func WithDialer(d wsconn.Dialer) Option {
	return func(c *config) { c.dialer = d }
}

// WithHeader attaches extra HTTP headers to the WebSocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *config) { c.header = h }
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) { c.connectTimeout = d }
}

// WithReconnect enables or disables automatic reconnection on unexpected
// disconnect (spec §4.1 "if reconnect is enabled"). Enabled by default.
func WithReconnect(enabled bool) Option {
	return func(c *config) { c.reconnect = enabled }
}

// WithReconnectOptions overrides reconnect.DefaultOptions().
func WithReconnectOptions(o reconnect.Options) Option {
	return func(c *config) { c.reconnectOptions = o }
}

// WithStateOptions overrides state.DefaultOptions().
func WithStateOptions(o state.Options) Option {
	return func(c *config) { c.stateOptions = o }
}

// WithSendBufferCapacity overrides sendbuffer.DefaultCapacity.
func WithSendBufferCapacity(n int) Option {
	return func(c *config) { c.sendBufferCap = n }
}
