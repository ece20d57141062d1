// Package eventbus implements the opaque named-event emitter that the rest
// of the library treats as its coordination substrate (spec §1, §5): every
// cross-component observation (connection transitions, reconnection phases,
// state refresh results) flows through it. Subscribers never hold an owning
// reference to the emitter that drives them — see ConnectionCore's use of
// it to keep ReconnectionController and StateManager as pure observers.
package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives the event name and its payload. Payloads are the tagged
// event-data structs defined alongside each emitting component.
type Handler func(event string, payload any)

// Middleware wraps every Emit call. It must call next to continue the
// chain; omitting the call suppresses delivery to subscribers.
type Middleware func(event string, payload any, next func())

// Disposer removes a previously registered subscription.
type Disposer func()

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous, in-process named-event pub/sub with exact-name and
// wildcard ("*") subscriptions and a middleware chain. All methods are safe
// for concurrent use.
//
// Delivery order within one Emit: middleware chain first (outermost
// registered first), then exact-name subscribers in registration order,
// then wildcard subscribers in registration order — matching spec §5's
// "wildcard after exact-name" ordering guarantee.
type Bus struct {
	mu          sync.Mutex
	subs        map[string][]subscription
	wildcard    []subscription
	middlewares []Middleware
	nextID      uint64
	logger      *zap.Logger
}

// New creates an idle Bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger.Named("eventbus"),
	}
}

// On subscribes handler to event. Pass "*" to receive every event emitted
// on the bus. Returns a Disposer that removes the subscription.
func (b *Bus) On(event string, handler Handler) Disposer {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := subscription{id: id, handler: handler}
	if event == "*" {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.subs[event] = append(b.subs[event], sub)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if event == "*" {
			b.wildcard = removeSub(b.wildcard, id)
		} else {
			b.subs[event] = removeSub(b.subs[event], id)
		}
	}
}

// Use registers a middleware. Middlewares run in registration order around
// every Emit call.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Emit delivers payload to every subscriber of event (exact match, then
// wildcard), synchronously, within the calling goroutine. Subscriber panics
// are recovered and logged so one misbehaving handler cannot take down the
// emitting component.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	chain := make([]Middleware, len(b.middlewares))
	copy(chain, b.middlewares)
	exact := make([]subscription, len(b.subs[event]))
	copy(exact, b.subs[event])
	wild := make([]subscription, len(b.wildcard))
	copy(wild, b.wildcard)
	b.mu.Unlock()

	deliver := func() {
		for _, s := range exact {
			b.invoke(s.handler, event, payload)
		}
		for _, s := range wild {
			b.invoke(s.handler, event, payload)
		}
	}

	runChain(chain, event, payload, deliver)
}

// runChain builds the middleware call chain right-to-left so the first
// registered middleware is outermost (runs first, decides whether to call
// next at all).
func runChain(chain []Middleware, event string, payload any, terminal func()) {
	next := terminal
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		prevNext := next
		next = func() { mw(event, payload, prevNext) }
	}
	next()
}

func (b *Bus) invoke(h Handler, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panicked",
				zap.String("event", event),
				zap.Any("recovered", r),
			)
		}
	}()
	h(event, payload)
}

func removeSub(list []subscription, id uint64) []subscription {
	out := list[:0:0]
	for _, s := range list {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
