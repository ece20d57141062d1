// Package topics implements TopicRouter (spec §4.6): subscribing handlers
// to dotted/colon topic patterns with "*"/"**" wildcards and dispatching
// inbound notifications to every match in priority-then-insertion order.
package topics

import (
	"encoding/json"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// splitter tokenizes both patterns and topics on '.' and ':'.
var splitter = regexp.MustCompile(`[.:]`)

// Event is delivered to a matching handler.
type Event struct {
	Topic     string
	Data      json.RawMessage
	Timestamp int64
}

// Handler receives a matched notification.
type Handler func(Event)

// Filter, if set, is consulted before Handler is invoked; returning false
// skips this subscription for the current dispatch.
type Filter func(data json.RawMessage) bool

// Disposer removes a subscription.
type Disposer func()

type subscription struct {
	id       uint64
	pattern  string
	tokens   []string
	handler  Handler
	priority int
	filter   Filter
}

// Router holds every active topic subscription for one connection.
type Router struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
	logger *zap.Logger
}

// New creates an empty Router.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger.Named("topics")}
}

// Option configures a subscription.
type Option func(*subscription)

// WithPriority sets dispatch priority — higher runs first (spec §3).
func WithPriority(p int) Option { return func(s *subscription) { s.priority = p } }

// WithFilter attaches a predicate consulted before Handler runs.
func WithFilter(f Filter) Option { return func(s *subscription) { s.filter = f } }

// Subscribe registers handler against pattern. Returns a Disposer that
// removes the subscription.
func (r *Router) Subscribe(pattern string, handler Handler, opts ...Option) Disposer {
	s := &subscription{pattern: pattern, tokens: tokenize(pattern), handler: handler}
	for _, o := range opts {
		o(s)
	}

	r.mu.Lock()
	r.nextID++
	s.id = r.nextID
	r.subs = append(r.subs, s)
	r.resort()
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		out := r.subs[:0:0]
		for _, existing := range r.subs {
			if existing.id != s.id {
				out = append(out, existing)
			}
		}
		r.subs = out
	}
}

// resort must be called with mu held. It stable-sorts by descending
// priority, which preserves registration order among equal priorities —
// spec §3's "higher priority first; among equal priority, registration
// order".
func (r *Router) resort() {
	sort.SliceStable(r.subs, func(i, j int) bool {
		return r.subs[i].priority > r.subs[j].priority
	})
}

// Dispatch delivers a notification to every matching subscription, in
// priority-then-insertion order, skipping any whose Filter rejects data.
func (r *Router) Dispatch(topic string, data json.RawMessage, timestamp int64) {
	topicTokens := tokenize(topic)

	r.mu.Lock()
	matched := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if matchTokens(s.tokens, topicTokens) {
			matched = append(matched, s)
		}
	}
	r.mu.Unlock()

	ev := Event{Topic: topic, Data: data, Timestamp: timestamp}
	for _, s := range matched {
		if s.filter != nil && !s.filter(data) {
			continue
		}
		s.handler(ev)
	}
}

func tokenize(s string) []string {
	return splitter.Split(s, -1)
}

// matchTokens implements the pattern grammar of spec §3: "*" matches
// exactly one token, "**" matches one or more tailing tokens (only
// meaningful as the final pattern token, but handled generally via
// backtracking so a "**" in a non-final position still consumes one or
// more tokens before matching the remainder).
func matchTokens(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}

	head := pattern[0]
	switch head {
	case "**":
		if len(pattern) == 1 {
			return len(topic) >= 1
		}
		for cut := 1; cut <= len(topic); cut++ {
			if matchTokens(pattern[1:], topic[cut:]) {
				return true
			}
		}
		return false
	case "*":
		if len(topic) == 0 {
			return false
		}
		return matchTokens(pattern[1:], topic[1:])
	default:
		if len(topic) == 0 || topic[0] != head {
			return false
		}
		return matchTokens(pattern[1:], topic[1:])
	}
}
