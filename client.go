// Package starling is a WebSocket client library for the Helios-Starling
// protocol: connection lifecycle, exponential-backoff reconnection, offline
// buffering, a request/response RPC engine with progress streams, inbound
// method dispatch, and recovery-token session state. Client (ConnectionCore)
// wires the internal/ components together the way the teacher's
// agent/internal/connection.Manager wires its gRPC stream, heartbeat loop
// and reconnect state machine into one mutex-guarded struct.
package starling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helios-starling/starling-go/internal/codec"
	"github.com/helios-starling/starling-go/internal/eventbus"
	"github.com/helios-starling/starling-go/internal/methods"
	"github.com/helios-starling/starling-go/internal/reconnect"
	"github.com/helios-starling/starling-go/internal/requests"
	"github.com/helios-starling/starling-go/internal/sendbuffer"
	"github.com/helios-starling/starling-go/internal/state"
	"github.com/helios-starling/starling-go/internal/topics"
	"github.com/helios-starling/starling-go/internal/wsconn"
)

// ConnState is ConnectionCore's lifecycle state (spec §4.1).
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateClosing      ConnState = "closing"
)

// Client is the Helios-Starling WebSocket client — ConnectionCore in spec
// terms. The zero value is not usable; create one with New.
type Client struct {
	url    string
	cfg    config
	logger *zap.Logger

	bus         *eventbus.Bus
	sendBuffer  *sendbuffer.Buffer
	requestReg  *requests.Registry
	methodReg   *methods.Registry
	topicRouter *topics.Router
	reconnector *reconnect.Controller
	stateMgr    *state.Manager

	mu            sync.Mutex
	state         ConnState
	conn          wsconn.Conn
	pump          *wsconn.Pump
	lastConnected time.Time
	closed        bool
}

// New constructs a Client targeting serverURL (a ws:// or wss:// URL). The
// client starts disconnected; call Connect to open it.
func New(serverURL string, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("starling")

	c := &Client{
		url:    serverURL,
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
	}

	c.bus = eventbus.New(logger)
	c.sendBuffer = sendbuffer.New(cfg.sendBufferCap, c.bus, logger)
	c.requestReg = requests.New(c.bus, logger)
	c.methodReg = methods.New(logger)
	c.topicRouter = topics.New(logger)
	c.reconnector = reconnect.New(c.bus, c.attemptConnect, logger, cfg.reconnectOptions)
	if mgr, err := state.New(c.bus, c.refreshToken, logger, cfg.stateOptions); err != nil {
		logger.Error("starling: failed to start state manager", zap.Error(err))
	} else {
		c.stateMgr = mgr
	}

	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectMetrics returns a snapshot of the reconnection controller's
// metrics (spec §4.7 getMetrics()).
func (c *Client) ReconnectMetrics() reconnect.Metrics {
	return c.reconnector.GetMetrics()
}

// StateMetrics returns a snapshot of the state manager's refresh metrics.
func (c *Client) StateMetrics() state.Metrics {
	if c.stateMgr == nil {
		return state.Metrics{}
	}
	return c.stateMgr.GetMetrics()
}

// BufferedCount returns the number of frames currently queued in the
// offline send buffer — read-only introspection, additive to spec.md.
func (c *Client) BufferedCount() int {
	return c.sendBuffer.Len()
}

// PendingRequests returns the number of in-flight requests awaiting a
// terminal response — read-only introspection, additive to spec.md.
func (c *Client) PendingRequests() int {
	return c.requestReg.Len()
}

// RegisteredMethods returns the names currently registered with
// RegisterMethod — read-only introspection, additive to spec.md.
func (c *Client) RegisteredMethods() []string {
	return c.methodReg.Names()
}

// Connect opens the socket (spec §4.1 "connect()"). Fails with
// ErrInvalidState if the client is not currently disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = StateConnecting
	c.mu.Unlock()

	return c.doConnect(ctx)
}

// attemptConnect is the reconnect.Connector passed to the controller: same
// open sequence as Connect, without the disconnected-state guard (the
// scheduling loop only calls this when the connection is already down).
func (c *Client) attemptConnect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()
	return c.doConnect(ctx)
}

// doConnect performs the dial, wires the pump, flushes the offline backlog
// onto it, and only then — on success — records lastConnected, flips state
// to StateConnected, and emits starling:connected.
func (c *Client) doConnect(ctx context.Context) error {
	target, err := c.urlWithRecoveryToken()
	if err != nil {
		return fmt.Errorf("starling: building connect URL: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	conn, err := c.cfg.dialer(connectCtx, target, c.cfg.header)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			c.bus.Emit("starling:error", ErrConnectTimeout)
			return ErrConnectTimeout
		}
		c.bus.Emit("starling:error", err)
		return fmt.Errorf("starling: dial: %w", err)
	}

	pump := wsconn.NewPump(conn, c.logger)
	pump.OnMessage = c.handleInbound
	pump.OnClose = c.handleSocketClose

	c.mu.Lock()
	c.conn = conn
	c.pump = pump
	c.mu.Unlock()

	go pump.Run()

	// Flush the offline backlog onto the pump while state is still
	// StateConnecting, so Send/Request (which branch on StateConnected) keep
	// routing concurrent callers into sendBuffer instead of racing ahead of
	// the backlog with a direct write — only after the backlog is fully
	// handed to the pump do we flip to StateConnected and unlock.
	if _, err := c.sendBuffer.Flush(c.writeFrame); err != nil {
		c.logger.Warn("starling: send buffer flush failed", zap.Error(err))
	}

	c.mu.Lock()
	c.state = StateConnected
	c.lastConnected = time.Now()
	lastConnected := c.lastConnected
	c.mu.Unlock()

	c.bus.Emit("starling:connected", lastConnected)

	return nil
}

// handleSocketClose is the Pump's OnClose callback. A closing state means
// this is the expected outcome of Disconnect; any other state means the
// socket went away unexpectedly and reconnection kicks in if enabled.
func (c *Client) handleSocketClose(err error) {
	c.mu.Lock()
	wasClosing := c.state == StateClosing
	c.state = StateDisconnected
	lastConnected := c.lastConnected
	reconnectEnabled := c.cfg.reconnect
	c.conn = nil
	c.pump = nil
	c.mu.Unlock()

	c.bus.Emit("starling:disconnected", lastConnected)

	if !wasClosing && reconnectEnabled {
		c.reconnector.Start()
	}
}

// Disconnect closes the socket with code 1000 and the given reason (spec
// §4.1 "disconnect()"): stops reconnection, cancels in-flight requests,
// clears the send buffer, and waits for the underlying socket to close.
func (c *Client) Disconnect(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.reconnector.Stop()
	c.state = StateClosing
	conn := c.conn
	pump := c.pump
	c.mu.Unlock()

	c.requestReg.CancelAll(reason)
	c.sendBuffer.Clear()

	if conn != nil {
		_ = conn.WriteControl(wsconn.CloseMessage, wsconn.FormatClose(1000, reason), time.Now().Add(5*time.Second))
	}
	if pump != nil {
		return pump.Close()
	}
	return nil
}

// Close permanently shuts down the client: disconnects, stops the
// reconnection controller and state manager, and unsubscribes both of them
// from the event bus. Handlers registered with On stay subscribed. The
// Client must not be used afterward.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect(ctx, "client closed")
	c.reconnector.Close()
	if c.stateMgr != nil {
		c.stateMgr.Close()
	}
	return err
}

// Send writes frame if connected, otherwise appends it to the SendBuffer
// (spec §4.1 "send()"). A mid-write failure also falls back to buffering.
func (c *Client) Send(frame codec.Frame) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.writeFrame(frame); err == nil {
			return nil
		}
	}
	c.sendBuffer.Add(frame)
	return nil
}

// writeFrame encodes and hands frame to the live pump. It is also the
// respond callback given to MethodRegistry.Dispatch and RequestContext.
func (c *Client) writeFrame(frame codec.Frame) error {
	c.mu.Lock()
	pump := c.pump
	c.mu.Unlock()

	if pump == nil {
		return ErrNotConnected
	}
	b, err := codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("starling: encode frame: %w", err)
	}
	if !pump.Send(wsconn.TextMessage, b) {
		return ErrNotConnected
	}
	return nil
}

// Notify sends a spontaneous topic-scoped notification (spec §4.1
// "notify()"). requestID is optional and correlates the notification to a
// specific request's progress stream instead of a topic subscription.
func (c *Client) Notify(topic string, data any, requestID ...string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("starling: marshal notify payload: %w", err)
	}
	var id string
	if len(requestID) > 0 {
		id = requestID[0]
	}
	return c.Send(codec.NewTopicNotification(topic, raw, id))
}

// Request issues an RPC call and returns a Handle for its completion and
// progress stream (spec §4.1 "request()", delegating to RequestRegistry).
func (c *Client) Request(ctx context.Context, method string, payload any, opts ...requests.Option) (*requests.Handle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("starling: marshal request payload: %w", err)
	}

	ro := requests.ApplyOptions(opts...)
	handle, frame := c.requestReg.Begin(method, raw, ro)

	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.writeFrame(frame); err == nil {
			return handle, nil
		}
	}
	if !ro.ShouldRetry() {
		handle.Cancel("not connected")
		return handle, ErrNotConnected
	}
	c.sendBuffer.Add(frame)
	return handle, nil
}

// RegisterMethod makes name invocable by the server (spec §4.1
// "registerMethod()", delegating to MethodRegistry).
func (c *Client) RegisterMethod(name string, handler methods.Handler, opts ...methods.Option) error {
	return c.methodReg.Register(name, handler, opts...)
}

// Subscribe registers handler against a topic pattern (spec §4.1
// "subscribe()", delegating to TopicRouter).
func (c *Client) Subscribe(pattern string, handler topics.Handler, opts ...topics.Option) (topics.Disposer, error) {
	return c.topicRouter.Subscribe(pattern, handler, opts...), nil
}

// Sync forces a recovery-token refresh and returns the new token (spec
// §4.1 "sync()", delegating to StateManager.refresh()).
func (c *Client) Sync(ctx context.Context) (string, error) {
	if c.stateMgr == nil {
		return "", errors.New("starling: state manager not initialized")
	}
	return c.stateMgr.Refresh(ctx, true, 0)
}

// OnText registers fn for inbound frames that are not valid JSON at all.
func (c *Client) OnText(fn func([]byte)) func() {
	return c.bus.On("starling:hook:text", func(event string, payload any) { fn(payload.([]byte)) })
}

// OnJSON registers fn for inbound frames that parse as JSON but fail schema
// validation.
func (c *Client) OnJSON(fn func([]byte)) func() {
	return c.bus.On("starling:hook:json", func(event string, payload any) { fn(payload.([]byte)) })
}

// OnBinary registers fn for inbound non-text WebSocket frames.
func (c *Client) OnBinary(fn func([]byte)) func() {
	return c.bus.On("starling:hook:binary", func(event string, payload any) { fn(payload.([]byte)) })
}

// On subscribes to any named event on the client's internal bus (connection
// lifecycle, reconnection phases, buffer events, state refreshes, …).
func (c *Client) On(event string, fn eventbus.Handler) func() {
	return c.bus.On(event, fn)
}

// handleInbound is the Pump's OnMessage callback: codec-decode, then route
// per spec §4.1's seven-step inbound table.
func (c *Client) handleInbound(messageType int, data []byte) {
	if messageType == wsconn.BinaryMessage {
		c.bus.Emit("starling:hook:binary", data)
		return
	}

	dec := codec.DecodeText(data)
	switch dec.Kind {
	case codec.KindText:
		c.bus.Emit("starling:hook:text", data)
	case codec.KindJSONInvalid:
		c.bus.Emit("starling:hook:json", data)
		c.bus.Emit("starling:message:invalid", dec)
	case codec.KindValid:
		c.routeFrame(dec.Frame)
	}
}

func (c *Client) routeFrame(f codec.Frame) {
	switch f.Type {
	case codec.TypeRequest:
		c.methodReg.Dispatch(f, c.writeFrame)

	case codec.TypeResponse:
		if f.Success != nil && *f.Success {
			c.requestReg.Complete(f.RequestID, f.Data)
		} else {
			errObj := codec.ErrorObject{Code: "UNKNOWN_ERROR", Message: "response failed without an error object"}
			if f.Error != nil {
				errObj = *f.Error
			}
			c.requestReg.Fail(f.RequestID, errObj)
		}

	case codec.TypeError:
		errObj := codec.ErrorObject{}
		if f.Error != nil {
			errObj = *f.Error
		}
		if f.RequestID == "" || !c.requestReg.Fail(f.RequestID, errObj) {
			c.bus.Emit("starling:message:error", f)
		}

	case codec.TypeNotification:
		nb := f.Notification
		if nb == nil {
			return
		}
		if nb.RequestID != "" && c.requestReg.DeliverProgress(nb.RequestID, nb.Data) {
			return
		}
		if nb.Topic != "" {
			c.topicRouter.Dispatch(nb.Topic, nb.Data, f.Timestamp)
			return
		}
		c.bus.Emit("starling:notification", nb)
	}
}

// refreshToken is the state.RefreshFunc: issues the starling:state RPC and
// extracts the token field from its response.
func (c *Client) refreshToken(ctx context.Context, timeout time.Duration) (string, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	handle, err := c.Request(reqCtx, state.RefreshMethod, nil, requests.WithTimeout(timeout), requests.WithRetry(false))
	if err != nil {
		return "", err
	}
	data, err := handle.Wait(reqCtx)
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("starling: parsing state refresh response: %w", err)
	}
	return resp.Token, nil
}

// urlWithRecoveryToken appends the current recovery token (if any) as a
// `recover` query parameter (spec §4.1, §6 "token plumbing").
func (c *Client) urlWithRecoveryToken() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	if c.stateMgr == nil {
		return u.String(), nil
	}
	if token := c.stateMgr.Token(); token != "" {
		q := u.Query()
		q.Set("recover", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
