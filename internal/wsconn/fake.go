package wsconn

import (
	"errors"
	"sync"
	"time"
)

// FakeConn is an in-memory Conn double used by this module's own tests
// (and available to consumers of the package for theirs). Writes made with
// WriteMessage land in Sent for assertions; messages pushed onto Inbox are returned
// by ReadMessage in order, and closing Inbox causes ReadMessage to return
// ErrFakeClosed so a Pump shuts down cleanly.
type FakeConn struct {
	mu     sync.Mutex
	closed bool

	Inbox chan fakeInboundMsg
	Sent  []fakeInboundMsg
}

type fakeInboundMsg struct {
	MessageType int
	Data        []byte
}

// ErrFakeClosed is returned by FakeConn.ReadMessage once the connection has
// been closed or PushClose has been called.
var ErrFakeClosed = errors.New("wsconn: fake connection closed")

// NewFakeConn creates a ready-to-use FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{Inbox: make(chan fakeInboundMsg, 64)}
}

// PushText enqueues a text frame to be returned by the next ReadMessage.
func (f *FakeConn) PushText(data []byte) {
	f.Inbox <- fakeInboundMsg{MessageType: TextMessage, Data: data}
}

// PushBinary enqueues a binary frame to be returned by the next ReadMessage.
func (f *FakeConn) PushBinary(data []byte) {
	f.Inbox <- fakeInboundMsg{MessageType: BinaryMessage, Data: data}
}

// PushClose causes the next ReadMessage to return ErrFakeClosed, simulating
// a server-initiated close.
func (f *FakeConn) PushClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.Inbox)
}

func (f *FakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.Inbox
	if !ok {
		return 0, nil, ErrFakeClosed
	}
	return msg.MessageType, msg.Data, nil
}

func (f *FakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFakeClosed
	}
	f.Sent = append(f.Sent, fakeInboundMsg{MessageType: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (f *FakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *FakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *FakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *FakeConn) SetPongHandler(h func(string) error) {}
func (f *FakeConn) SetReadLimit(limit int64)            {}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.Inbox)
	return nil
}

// SentTexts returns the data of every sent text-frame write, in order.
func (f *FakeConn) SentTexts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.Sent {
		if m.MessageType == TextMessage {
			out = append(out, m.Data)
		}
	}
	return out
}
