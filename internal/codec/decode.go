package codec

import (
	"encoding/json"
	"fmt"
)

// Kind tags the outcome of Decode. ConnectionCore routes on it: only Valid
// frames reach the request/method/topic dispatchers, the other three are
// handed to the peek hooks (onText/onJson/onBinary).
type Kind string

const (
	// KindBinary is returned for non-text WebSocket frames without
	// attempting to interpret the payload.
	KindBinary Kind = "binary"
	// KindText is returned when the payload is not valid JSON at all.
	KindText Kind = "text"
	// KindJSONInvalid is returned when the payload parses as JSON but fails
	// schema validation (missing/malformed required fields).
	KindJSONInvalid Kind = "json_invalid"
	// KindValid is returned for a frame that fully satisfies the schema.
	KindValid Kind = "valid"
)

// Decoded is the tagged result of Decode.
type Decoded struct {
	Kind  Kind
	Frame Frame
	Raw   []byte
	Err   error
}

// DecodeText parses and validates a text WebSocket frame.
func DecodeText(raw []byte) Decoded {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Decoded{Kind: KindText, Raw: raw, Err: err}
	}
	if err := validate(&f); err != nil {
		return Decoded{Kind: KindJSONInvalid, Frame: f, Raw: raw, Err: err}
	}
	return Decoded{Kind: KindValid, Frame: f, Raw: raw}
}

// DecodeBinary wraps a non-text WebSocket frame without attempting to parse it.
func DecodeBinary(raw []byte) Decoded {
	return Decoded{Kind: KindBinary, Raw: raw}
}

// validate enforces the §3 field rules. The protocol field is tolerated
// when absent (backward compatibility); an unrecognized type always fails.
func validate(f *Frame) error {
	if f.Timestamp <= 0 {
		return fmt.Errorf("codec: invalid or missing timestamp")
	}

	switch f.Type {
	case TypeRequest:
		if f.RequestID == "" {
			return fmt.Errorf("codec: request missing requestId")
		}
		if !ValidMethodName(f.Method) {
			return fmt.Errorf("codec: request has invalid method name %q", f.Method)
		}
	case TypeResponse:
		if f.RequestID == "" {
			return fmt.Errorf("codec: response missing requestId")
		}
		if f.Success == nil {
			return fmt.Errorf("codec: response missing success")
		}
		if *f.Success && f.Error != nil {
			return fmt.Errorf("codec: successful response must not carry an error")
		}
		if !*f.Success && f.Error == nil {
			return fmt.Errorf("codec: failed response missing error")
		}
	case TypeNotification:
		if f.Notification == nil {
			return fmt.Errorf("codec: notification missing notification body")
		}
		if f.Notification.Topic == "" && f.Notification.RequestID == "" {
			return fmt.Errorf("codec: notification missing both topic and requestId")
		}
	case TypeError:
		if f.Error == nil {
			return fmt.Errorf("codec: error frame missing error object")
		}
		if f.Error.Code == "" {
			return fmt.Errorf("codec: error frame missing error.code")
		}
	default:
		return fmt.Errorf("codec: unknown frame type %q", f.Type)
	}
	return nil
}
