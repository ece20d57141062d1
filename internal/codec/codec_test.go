package codec_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/starling-go/internal/codec"
)

func TestEncodeStampsDefaults(t *testing.T) {
	f := codec.NewRequest("00000000-0000-4000-8000-000000000001", "super:echo", nil, nil)
	raw, err := codec.Encode(f)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, codec.Protocol, got["protocol"])
	assert.Equal(t, codec.ProtocolVersion, got["version"])
	assert.Greater(t, got["timestamp"].(float64), float64(0))
}

func TestDecodeTextNotJSON(t *testing.T) {
	d := codec.DecodeText([]byte("not json"))
	assert.Equal(t, codec.KindText, d.Kind)
	assert.Error(t, d.Err)
}

func TestDecodeJSONInvalidUnknownType(t *testing.T) {
	raw := mustEncode(t, map[string]any{
		"protocol":  codec.Protocol,
		"version":   "1.0.0",
		"timestamp": time.Now().UnixMilli(),
		"type":      "bogus",
	})
	d := codec.DecodeText(raw)
	assert.Equal(t, codec.KindJSONInvalid, d.Kind)
}

func TestDecodeValidRequest(t *testing.T) {
	raw := mustEncode(t, map[string]any{
		"protocol":  codec.Protocol,
		"version":   "1.0.0",
		"timestamp": 1,
		"type":      "request",
		"requestId": "00000000-0000-4000-8000-000000000001",
		"method":    "super:echo",
		"payload":   map[string]any{},
	})
	d := codec.DecodeText(raw)
	require.Equal(t, codec.KindValid, d.Kind)
	assert.Equal(t, codec.TypeRequest, d.Frame.Type)
	assert.Equal(t, "super:echo", d.Frame.Method)
}

func TestDecodeToleratesMissingProtocol(t *testing.T) {
	raw := mustEncode(t, map[string]any{
		"version":   "1.0.0",
		"timestamp": 1,
		"type":      "request",
		"requestId": "00000000-0000-4000-8000-000000000001",
		"method":    "super:echo",
	})
	d := codec.DecodeText(raw)
	assert.Equal(t, codec.KindValid, d.Kind)
}

func TestDecodeResponseRequiresExactlyOneOfDataOrError(t *testing.T) {
	raw := mustEncode(t, map[string]any{
		"protocol":  codec.Protocol,
		"version":   "1.0.0",
		"timestamp": 1,
		"type":      "response",
		"requestId": "00000000-0000-4000-8000-000000000001",
		"success":   true,
		"error":     map[string]any{"code": "X", "message": "y"},
	})
	d := codec.DecodeText(raw)
	assert.Equal(t, codec.KindJSONInvalid, d.Kind)
}

func TestValidMethodName(t *testing.T) {
	assert.True(t, codec.ValidMethodName("super:echo"))
	assert.True(t, codec.ValidMethodName("a.b.c"))
	assert.False(t, codec.ValidMethodName("ab"))
	assert.False(t, codec.ValidMethodName("1abc"))
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
