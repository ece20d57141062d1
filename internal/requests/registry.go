// Package requests implements the RequestRegistry (spec §4.4): correlating
// outbound requests to their eventual response, arming and clearing
// timeouts, delivering progress notifications to the right request, and
// guaranteeing at most one terminal transition per request.
package requests

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helios-starling/starling-go/internal/codec"
	"github.com/helios-starling/starling-go/internal/eventbus"
)

// DefaultTimeout is applied when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// MaxTimeout is the enforced ceiling on any per-request timeout.
const MaxTimeout = 300 * time.Second

// State is the lifecycle of a client-held request (spec §3).
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Options mirrors the per-request options object of spec §3/§4.4.
type Options struct {
	Timeout  time.Duration
	Retry    *bool // nil means "default" (retry while offline); false disables buffering
	Metadata map[string]any
}

// ShouldRetry reports whether a non-connected send should be buffered for
// this request. Defaults to true.
func (o Options) ShouldRetry() bool {
	return o.Retry == nil || *o.Retry
}

// Option configures a request at call time — the functional-options
// counterpart to Options, used by the root package's Client.Request so
// callers write client.Request(ctx, method, payload, requests.WithTimeout(d))
// rather than constructing Options by hand.
type Option func(*Options)

// WithTimeout overrides DefaultTimeout for a single request.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRetry overrides the default offline-buffering behavior for a single
// request (ShouldRetry's default is true).
func WithRetry(retry bool) Option {
	return func(o *Options) { o.Retry = &retry }
}

// WithMetadata attaches caller metadata echoed in the wire frame's options.
func WithMetadata(md map[string]any) Option {
	return func(o *Options) { o.Metadata = md }
}

// ApplyOptions folds a variadic Option list into an Options value.
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Registry owns every in-flight Request for one connection. The zero value
// is not usable — create with New.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Handle
	bus     *eventbus.Bus
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(bus *eventbus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pending: make(map[string]*Handle),
		bus:     bus,
		logger:  logger.Named("requests"),
	}
}

// Begin constructs a new Request (fresh UUID v4), arms its timeout, and
// registers it in the pending table. It returns the caller-facing Handle and
// the wire Frame to dispatch — the caller (ConnectionCore) decides whether
// to write it immediately or hand it to the send buffer.
func (r *Registry) Begin(method string, payload json.RawMessage, opts Options) (*Handle, codec.Frame) {
	id := uuid.New().String()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	h := &Handle{
		ID:        id,
		Method:    method,
		CreatedAt: time.Now(),
		Options:   opts,
		state:     StatePending,
		done:      make(chan struct{}),
	}
	h.cancelFn = func() { r.drop(id) }

	r.mu.Lock()
	r.pending[id] = h
	r.mu.Unlock()

	h.timer = time.AfterFunc(timeout, func() { r.expire(id) })

	optsJSON, _ := json.Marshal(opts.Metadata)
	frame := codec.NewRequest(id, method, payload, optsJSON)
	return h, frame
}

// Complete resolves a pending request with a success response. Returns
// false if id is unknown or already terminal — the response is a late
// reply and is silently dropped, per spec testable property 1/10.
func (r *Registry) Complete(id string, data json.RawMessage) bool {
	h, ok := r.take(id)
	if !ok {
		return false
	}
	h.timer.Stop()
	return h.finish(StateCompleted, data, nil)
}

// Fail resolves a pending request with a failure. Same late-reply
// semantics as Complete.
func (r *Registry) Fail(id string, errObj codec.ErrorObject) bool {
	h, ok := r.take(id)
	if !ok {
		return false
	}
	h.timer.Stop()
	return h.finish(StateFailed, nil, &errObj)
}

// DeliverProgress routes a progress notification to the matching pending
// request's stream. Returns false if id does not correspond to any pending
// request, so the caller can fall back to topic routing.
func (r *Registry) DeliverProgress(id string, data json.RawMessage) bool {
	r.mu.Lock()
	h, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.deliverProgress(data)
	return true
}

// CancelAll rejects every pending request with REQUEST_CANCELLED and clears
// the table. Called on disconnect/close.
func (r *Registry) CancelAll(reason string) {
	r.mu.Lock()
	all := make([]*Handle, 0, len(r.pending))
	for _, h := range r.pending {
		all = append(all, h)
	}
	r.pending = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range all {
		h.timer.Stop()
		h.finish(StateCancelled, nil, &codec.ErrorObject{Code: "REQUEST_CANCELLED", Message: reason})
	}
}

// Len reports the number of currently pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) expire(id string) {
	h, ok := r.take(id)
	if !ok {
		return
	}
	h.finish(StateTimedOut, nil, &codec.ErrorObject{
		Code:    "REQUEST_TIMEOUT",
		Message: fmt.Sprintf("request %s (%s) timed out", h.ID, h.Method),
	})
	if r.bus != nil {
		r.bus.Emit("starling:request:timeout", h)
	}
}

func (r *Registry) take(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return h, ok
}

func (r *Registry) drop(id string) {
	r.mu.Lock()
	h, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		h.timer.Stop()
	}
}
