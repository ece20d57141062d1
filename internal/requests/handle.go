package requests

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/helios-starling/starling-go/internal/codec"
)

// Handle is the caller-facing view of one in-flight request: a completion
// future plus a progress/notification stream. OnProgress and OnNotification
// are two names for registering against the same underlying stream (spec
// §4.4) — calling either subscribes to identical deliveries.
type Handle struct {
	ID        string
	Method    string
	CreatedAt time.Time
	Options   Options

	mu           sync.Mutex
	state        State
	done         chan struct{}
	data         json.RawMessage
	errObj       *codec.ErrorObject
	progressSubs []func(json.RawMessage)
	timer        *time.Timer
	cancelFn     func()
}

// State returns the request's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until the request reaches a terminal state or ctx is done,
// returning the response payload or the terminal error.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.errObj != nil {
			return nil, h.errObj
		}
		return h.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnProgress registers fn to receive every progress notification delivered
// to this request before it reaches a terminal state. Returns a disposer.
func (h *Handle) OnProgress(fn func(json.RawMessage)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := len(h.progressSubs)
	h.progressSubs = append(h.progressSubs, fn)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if idx < len(h.progressSubs) {
			h.progressSubs[idx] = nil
		}
	}
}

// OnNotification is an alias for OnProgress — spec §4.4 names the same
// stream two ways.
func (h *Handle) OnNotification(fn func(json.RawMessage)) func() {
	return h.OnProgress(fn)
}

// Cancel transitions the request to cancelled with REQUEST_CANCELLED,
// removing it from the registry. A no-op if already terminal.
func (h *Handle) Cancel(reason string) {
	if h.finish(StateCancelled, nil, &codec.ErrorObject{Code: "REQUEST_CANCELLED", Message: reason}) {
		if h.cancelFn != nil {
			h.cancelFn()
		}
	}
}

// finish performs the single allowed terminal transition. Returns false if
// the request was already terminal — callers must treat that as "late
// frame, drop it" per spec testable property 1.
func (h *Handle) finish(state State, data json.RawMessage, errObj *codec.ErrorObject) bool {
	h.mu.Lock()
	if h.state != StatePending {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.data = data
	h.errObj = errObj
	h.mu.Unlock()
	close(h.done)
	return true
}

func (h *Handle) deliverProgress(data json.RawMessage) {
	h.mu.Lock()
	if h.state != StatePending {
		h.mu.Unlock()
		return
	}
	subs := make([]func(json.RawMessage), len(h.progressSubs))
	copy(subs, h.progressSubs)
	h.mu.Unlock()

	for _, fn := range subs {
		if fn != nil {
			fn(data)
		}
	}
}
