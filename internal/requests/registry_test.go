package requests_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/starling-go/internal/codec"
	"github.com/helios-starling/starling-go/internal/eventbus"
	"github.com/helios-starling/starling-go/internal/requests"
)

func TestCompleteResolvesHandle(t *testing.T) {
	r := requests.New(eventbus.New(nil), nil)
	h, frame := r.Begin("super:echo", nil, requests.Options{})
	require.Equal(t, "super:echo", frame.Method)

	ok := r.Complete(h.ID, json.RawMessage(`{"ok":true}`))
	require.True(t, ok)

	data, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, requests.StateCompleted, h.State())
}

func TestOnlyOneTerminalTransition(t *testing.T) {
	r := requests.New(eventbus.New(nil), nil)
	h, _ := r.Begin("m", nil, requests.Options{})

	require.True(t, r.Complete(h.ID, nil))
	assert.False(t, r.Complete(h.ID, nil))
	assert.False(t, r.Fail(h.ID, codec.ErrorObject{Code: "X"}))
}

func TestTimeoutRejectsAndLateReplyIsDropped(t *testing.T) {
	r := requests.New(eventbus.New(nil), nil)
	h, _ := r.Begin("slow", nil, requests.Options{Timeout: 20 * time.Millisecond})

	_, err := h.Wait(context.Background())
	require.Error(t, err)
	var errObj *codec.ErrorObject
	require.ErrorAs(t, err, &errObj)
	assert.Equal(t, "REQUEST_TIMEOUT", errObj.Code)
	assert.Equal(t, requests.StateTimedOut, h.State())

	// Late reply after timeout must be a no-op.
	assert.False(t, r.Complete(h.ID, json.RawMessage(`{}`)))
}

func TestCancelAllRejectsPending(t *testing.T) {
	r := requests.New(eventbus.New(nil), nil)
	h1, _ := r.Begin("a", nil, requests.Options{})
	h2, _ := r.Begin("b", nil, requests.Options{})

	r.CancelAll("disconnecting")

	assert.Equal(t, requests.StateCancelled, h1.State())
	assert.Equal(t, requests.StateCancelled, h2.State())
	assert.Equal(t, 0, r.Len())
}

func TestProgressDeliveredInOrderThenNoMoreAfterResolve(t *testing.T) {
	r := requests.New(eventbus.New(nil), nil)
	h, _ := r.Begin("download", nil, requests.Options{})

	var got []string
	h.OnProgress(func(data json.RawMessage) { got = append(got, string(data)) })

	require.True(t, r.DeliverProgress(h.ID, json.RawMessage(`{"percent":50}`)))
	require.True(t, r.DeliverProgress(h.ID, json.RawMessage(`{"percent":100}`)))
	require.True(t, r.Complete(h.ID, json.RawMessage(`{"done":true}`)))

	// A progress frame arriving after resolution must not reach subscribers:
	// DeliverProgress still finds the handle gone from the registry (it was
	// removed on Complete), so it reports false.
	assert.False(t, r.DeliverProgress(h.ID, json.RawMessage(`{"percent":150}`)))

	require.Len(t, got, 2)
	assert.JSONEq(t, `{"percent":50}`, got[0])
	assert.JSONEq(t, `{"percent":100}`, got[1])
}

func TestOnNotificationIsAliasForOnProgress(t *testing.T) {
	r := requests.New(eventbus.New(nil), nil)
	h, _ := r.Begin("m", nil, requests.Options{})

	var via string
	h.OnNotification(func(data json.RawMessage) { via = string(data) })
	r.DeliverProgress(h.ID, json.RawMessage(`{"x":1}`))

	assert.JSONEq(t, `{"x":1}`, via)
}
