// Package wsconn adapts gorilla/websocket into the small Conn interface this
// module needs, grounded in the teacher's server/internal/websocket.Client
// read/write pump discipline but turned around for an outbound client: we
// dial instead of upgrade, and a FakeConn test double stands in for the wire
// in every other package's tests so nothing under internal/ needs a real
// socket to be exercised.
package wsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Message types, re-exported so callers never need to import
// gorilla/websocket directly.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
	PingMessage   = websocket.PingMessage
	PongMessage   = websocket.PongMessage
	CloseMessage  = websocket.CloseMessage
)

// Conn is the subset of *websocket.Conn the read/write pumps depend on.
// Defining it as an interface lets tests substitute FakeConn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Dialer opens a Conn to urlStr, honoring ctx cancellation during the
// handshake. header carries the recovery-token query string is part of
// urlStr itself (spec §4.2), not a header.
type Dialer func(ctx context.Context, urlStr string, header http.Header) (Conn, error)

// FormatClose builds a close-frame payload with the given status code and
// reason text, for use with Conn.WriteControl(CloseMessage, ...).
func FormatClose(code int, text string) []byte {
	return websocket.FormatCloseMessage(code, text)
}

// DefaultDialer dials with gorilla/websocket's production dialer
// configuration.
func DefaultDialer(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
