// Package methods implements MethodRegistry (spec §4.5): validating and
// storing methods the server is allowed to invoke on this client, and
// dispatching inbound request frames to them with a per-call timeout race
// and the RequestContext terminal-once invariant.
package methods

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helios-starling/starling-go/internal/codec"
)

// DefaultTimeout is the handler race timeout applied when a Method was
// registered without WithTimeout.
const DefaultTimeout = 30 * time.Second

// namePattern is the registration-time grammar: letters/digits/underscore/
// colon, no dots — stricter than codec.ValidMethodName, which additionally
// allows dots for the wire-level Method field.
var namePattern = regexp.MustCompile(`^[a-zA-Z][\w:]*$`)

const minNameLen = 3

// reserved holds the namespaces (prefix before the first ':', or the whole
// name when there is no ':') that user code may never register into.
// "system", "internal", "stream" and "helios" are the server-reserved
// namespaces of spec §6; "starling" is additionally reserved because the
// protocol's own state-refresh RPC (§4.8, §6) lives under starling:* and
// must remain callable-only, never overridable by a registered handler.
var reserved = map[string]bool{
	"system":   true,
	"internal": true,
	"stream":   true,
	"helios":   true,
	"starling": true,
}

// Handler executes a dispatched method call. A non-nil return value (or a
// panic, recovered by Dispatch) is treated as a handler exception: if ctx
// has not already produced a response, a METHOD_ERROR failure response is
// sent with the error/panic message.
type Handler func(ctx context.Context, rc *RequestContext) error

// Method is one registered, client-held method (spec §3).
type Method struct {
	Name    string
	Handler Handler
	Timeout time.Duration
}

// Option configures a Method at registration time.
type Option func(*Method)

// WithTimeout overrides DefaultTimeout for this method's handler race.
func WithTimeout(d time.Duration) Option {
	return func(m *Method) { m.Timeout = d }
}

// Registry is the set of methods the server may invoke on this client.
type Registry struct {
	mu      sync.Mutex
	methods map[string]*Method
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		methods: make(map[string]*Method),
		logger:  logger.Named("methods"),
	}
}

// Register validates and stores a new method. Returns INVALID_METHOD_NAME,
// NAME_RESERVED, or METHOD_EXISTS (as *codec.ErrorObject) on rejection.
func (r *Registry) Register(name string, handler Handler, opts ...Option) error {
	if len(name) < minNameLen || !namePattern.MatchString(name) {
		return &codec.ErrorObject{Code: "INVALID_METHOD_NAME", Message: fmt.Sprintf("invalid method name %q", name)}
	}

	ns := name
	if i := strings.IndexByte(name, ':'); i >= 0 {
		ns = name[:i]
	}
	if reserved[ns] {
		return &codec.ErrorObject{Code: "NAME_RESERVED", Message: fmt.Sprintf("namespace %q is reserved", ns)}
	}

	m := &Method{Name: name, Handler: handler, Timeout: DefaultTimeout}
	for _, o := range opts {
		o(m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return &codec.ErrorObject{Code: "METHOD_EXISTS", Message: fmt.Sprintf("method %q already registered", name)}
	}
	r.methods[name] = m
	return nil
}

// Unregister removes a previously registered method, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// Names returns the currently registered method names (read-only
// introspection, additive to spec.md — see SPEC_FULL.md §4.11).
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.methods))
	for n := range r.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes an inbound request frame to its registered method,
// sending the terminal response via respond. It never panics out to the
// caller: handler panics and handler-returned errors are both converted to
// a METHOD_ERROR response (spec §4.5 step 4), and an unknown method
// produces METHOD_NOT_FOUND (step 1).
func (r *Registry) Dispatch(frame codec.Frame, respond func(codec.Frame) error) {
	r.mu.Lock()
	m, ok := r.methods[frame.Method]
	r.mu.Unlock()

	if !ok {
		_ = respond(codec.NewFailureResponse(frame.RequestID, codec.ErrorObject{
			Code:    "METHOD_NOT_FOUND",
			Message: fmt.Sprintf("no method registered for %q", frame.Method),
		}))
		return
	}

	rc := &RequestContext{
		Payload:   frame.Payload,
		RequestID: frame.RequestID,
		Timestamp: frame.Timestamp,
		Options:   frame.Options,
		respond:   respond,
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				_ = rc.Fail(codec.ErrorObject{Code: "METHOD_ERROR", Message: fmt.Sprintf("%v", rec)})
			}
			close(done)
		}()
		if err := m.Handler(context.Background(), rc); err != nil {
			_ = rc.Fail(codec.ErrorObject{Code: "METHOD_ERROR", Message: err.Error()})
		}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if !rc.Finished() {
			_ = rc.Fail(codec.ErrorObject{Code: "METHOD_ERROR", Message: "Method timeout"})
			r.logger.Warn("methods: handler timed out", zap.String("method", frame.Method), zap.String("request_id", frame.RequestID))
		}
	}
}
