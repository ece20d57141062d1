package starling

import (
	"errors"

	"github.com/helios-starling/starling-go/internal/codec"
)

// ProtocolError is the {code, message, details?} error shape carried by
// every protocol-level failure (spec §7) — an alias of the internal codec
// type so callers can type-assert errors returned across this package's
// boundary without reaching into internal/.
type ProtocolError = codec.ErrorObject

// Sentinel errors for ConnectionCore's own state-machine violations —
// distinct from ProtocolError, which represents failures the *server* (or a
// registered method handler) reported.
var (
	// ErrInvalidState is returned by Connect when the client is not
	// currently disconnected.
	ErrInvalidState = errors.New("starling: connect called while not in the disconnected state")
	// ErrNotConnected is returned by operations that require an open
	// socket while the client is offline (e.g. Request with retry
	// disabled; Send buffers instead).
	ErrNotConnected = errors.New("starling: not connected")
	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("starling: client is closed")
)

// ErrConnectTimeout is returned when Connect's socket does not reach the
// connected state before the connect timeout (WithConnectTimeout, default
// DefaultConnectTimeout) elapses (spec §4.1).
var ErrConnectTimeout = &ProtocolError{Code: "CONNECTION_TIMEOUT", Message: "connection did not open in time"}
