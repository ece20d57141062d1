package topics_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helios-starling/starling-go/internal/topics"
)

func TestSingleTokenWildcard(t *testing.T) {
	r := topics.New(nil)
	var got string
	r.Subscribe("job.*.status", func(ev topics.Event) { got = ev.Topic })

	r.Dispatch("job.123.status", nil, 1)
	assert.Equal(t, "job.123.status", got)

	got = ""
	r.Dispatch("job.123.456.status", nil, 1)
	assert.Equal(t, "", got)
}

func TestTailWildcard(t *testing.T) {
	r := topics.New(nil)
	var hits []string
	r.Subscribe("job.**", func(ev topics.Event) { hits = append(hits, ev.Topic) })

	r.Dispatch("job.123", nil, 1)
	r.Dispatch("job.123.status", nil, 1)
	r.Dispatch("other.123", nil, 1)

	assert.Equal(t, []string{"job.123", "job.123.status"}, hits)
}

func TestPriorityThenInsertionOrder(t *testing.T) {
	r := topics.New(nil)
	var order []string
	r.Subscribe("ping", func(ev topics.Event) { order = append(order, "low") })
	r.Subscribe("ping", func(ev topics.Event) { order = append(order, "high") }, topics.WithPriority(10))
	r.Subscribe("ping", func(ev topics.Event) { order = append(order, "low2") })

	r.Dispatch("ping", nil, 1)

	assert.Equal(t, []string{"high", "low", "low2"}, order)
}

func TestFilterSkipsSubscription(t *testing.T) {
	r := topics.New(nil)
	called := false
	r.Subscribe("ping", func(ev topics.Event) { called = true }, topics.WithFilter(func(data json.RawMessage) bool {
		return false
	}))

	r.Dispatch("ping", nil, 1)
	assert.False(t, called)
}

func TestDisposerRemovesSubscription(t *testing.T) {
	r := topics.New(nil)
	calls := 0
	dispose := r.Subscribe("ping", func(ev topics.Event) { calls++ })

	r.Dispatch("ping", nil, 1)
	dispose()
	r.Dispatch("ping", nil, 1)

	assert.Equal(t, 1, calls)
}
