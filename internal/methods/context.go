package methods

import (
	"encoding/json"
	"sync"

	"github.com/helios-starling/starling-go/internal/codec"
)

// ErrContextAlreadyFinished is returned by Success/Fail/Notification once a
// RequestContext has already produced its one allowed response (spec §3,
// §4.5).
var ErrContextAlreadyFinished = &codec.ErrorObject{
	Code:    "CONTEXT_ALREADY_FINISHED",
	Message: "request context already finished",
}

// RequestContext is handed to a registered method's handler (spec §3).
// Success and Fail are mutually exclusive and may each fire at most once in
// total; Notification may fire any number of times before the context is
// finished.
type RequestContext struct {
	Payload   json.RawMessage
	RequestID string
	Timestamp int64
	Options   json.RawMessage

	mu       sync.Mutex
	finished bool
	respond  func(codec.Frame) error
}

// Finished reports whether Success or Fail has already been called.
func (c *RequestContext) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Success sends a success response with data. Returns
// ErrContextAlreadyFinished if called after the context is already
// finished.
func (c *RequestContext) Success(data json.RawMessage) error {
	return c.finish(codec.NewSuccessResponse(c.RequestID, data))
}

// Fail sends a failure response with errObj. Same once-only semantics as
// Success.
func (c *RequestContext) Fail(errObj codec.ErrorObject) error {
	return c.finish(codec.NewFailureResponse(c.RequestID, errObj))
}

// Notification sends a progress notification correlated to this request.
// Allowed any number of times, only while the context is not yet finished.
func (c *RequestContext) Notification(data json.RawMessage) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrContextAlreadyFinished
	}
	c.mu.Unlock()
	return c.respond(codec.Frame{
		Type: codec.TypeNotification,
		Notification: &codec.NotificationBody{
			RequestID: c.RequestID,
			Data:      data,
		},
	})
}

func (c *RequestContext) finish(frame codec.Frame) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrContextAlreadyFinished
	}
	c.finished = true
	c.mu.Unlock()
	return c.respond(frame)
}
