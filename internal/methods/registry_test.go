package methods_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/starling-go/internal/codec"
	"github.com/helios-starling/starling-go/internal/methods"
)

func TestRegisterRejectsReservedNamespace(t *testing.T) {
	r := methods.New(nil)
	err := r.Register("system:x", func(ctx context.Context, rc *methods.RequestContext) error { return nil })
	require.Error(t, err)
	var errObj *codec.ErrorObject
	require.ErrorAs(t, err, &errObj)
	assert.Equal(t, "NAME_RESERVED", errObj.Code)
}

func TestRegisterRejectsInvalidNames(t *testing.T) {
	r := methods.New(nil)
	for _, name := range []string{"ab", "1abc", "a-b"} {
		err := r.Register(name, func(ctx context.Context, rc *methods.RequestContext) error { return nil })
		require.Error(t, err, name)
		var errObj *codec.ErrorObject
		require.ErrorAs(t, err, &errObj)
		assert.Equal(t, "INVALID_METHOD_NAME", errObj.Code)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := methods.New(nil)
	noop := func(ctx context.Context, rc *methods.RequestContext) error { return nil }
	require.NoError(t, r.Register("super:echo", noop))
	err := r.Register("super:echo", noop)
	require.Error(t, err)
	var errObj *codec.ErrorObject
	require.ErrorAs(t, err, &errObj)
	assert.Equal(t, "METHOD_EXISTS", errObj.Code)
}

func TestDispatchEchoSuccess(t *testing.T) {
	r := methods.New(nil)
	require.NoError(t, r.Register("super:echo", func(ctx context.Context, rc *methods.RequestContext) error {
		return rc.Success(json.RawMessage(`{"success":true}`))
	}))

	var got codec.Frame
	r.Dispatch(codec.Frame{
		Type:      codec.TypeRequest,
		RequestID: "00000000-0000-4000-8000-000000000001",
		Method:    "super:echo",
		Payload:   json.RawMessage(`{}`),
	}, func(f codec.Frame) error {
		got = f
		return nil
	})

	assert.Equal(t, codec.TypeResponse, got.Type)
	assert.True(t, *got.Success)
	assert.JSONEq(t, `{"success":true}`, string(got.Data))
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := methods.New(nil)
	var got codec.Frame
	r.Dispatch(codec.Frame{Type: codec.TypeRequest, RequestID: "rq-1", Method: "ghost"}, func(f codec.Frame) error {
		got = f
		return nil
	})
	assert.False(t, *got.Success)
	assert.Equal(t, "METHOD_NOT_FOUND", got.Error.Code)
}

func TestDispatchHandlerTimeout(t *testing.T) {
	r := methods.New(nil)
	require.NoError(t, r.Register("slow:job", func(ctx context.Context, rc *methods.RequestContext) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}, methods.WithTimeout(10*time.Millisecond)))

	var got codec.Frame
	r.Dispatch(codec.Frame{Type: codec.TypeRequest, RequestID: "rq-2", Method: "slow:job"}, func(f codec.Frame) error {
		got = f
		return nil
	})
	assert.False(t, *got.Success)
	assert.Equal(t, "METHOD_ERROR", got.Error.Code)
	assert.Contains(t, got.Error.Message, "timeout")
}

func TestDispatchHandlerErrorBecomesMethodError(t *testing.T) {
	r := methods.New(nil)
	require.NoError(t, r.Register("boom:job", func(ctx context.Context, rc *methods.RequestContext) error {
		return errors.New("disk full")
	}))

	var got codec.Frame
	r.Dispatch(codec.Frame{Type: codec.TypeRequest, RequestID: "rq-3", Method: "boom:job"}, func(f codec.Frame) error {
		got = f
		return nil
	})
	assert.Equal(t, "METHOD_ERROR", got.Error.Code)
	assert.Equal(t, "disk full", got.Error.Message)
}

func TestRequestContextRejectsDoubleResponse(t *testing.T) {
	r := methods.New(nil)
	var callErr error
	require.NoError(t, r.Register("twice:job", func(ctx context.Context, rc *methods.RequestContext) error {
		_ = rc.Success(json.RawMessage(`{}`))
		callErr = rc.Success(json.RawMessage(`{}`))
		return nil
	}))

	r.Dispatch(codec.Frame{Type: codec.TypeRequest, RequestID: "rq-4", Method: "twice:job"}, func(f codec.Frame) error { return nil })

	time.Sleep(5 * time.Millisecond)
	require.Error(t, callErr)
	assert.Equal(t, methods.ErrContextAlreadyFinished, callErr)
}
