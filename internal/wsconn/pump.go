package wsconn

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// writeWait is the maximum time allowed to write a frame to the wire.
	writeWait = 10 * time.Second

	// pongWait is how long the client waits for a pong reply after sending
	// a ping before treating the connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod is how often the client sends a ping frame. Must be less
	// than pongWait so the server has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frame size; the protocol's payloads are
	// expected to be modest JSON documents, not bulk transfers.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the outbound channel handed to
	// writePump. ConnectionCore's own SendBuffer handles backpressure above
	// this; this channel only needs to smooth out the handoff to the wire.
	sendBufferSize = 64
)

// Pump owns the single reader and single writer goroutine for one Conn.
// gorilla/websocket connections are not safe for concurrent writes, so every
// outbound frame — data or ping — flows through the outbound channel and is
// serialized by writePump, mirroring the teacher's Client.writePump.
type Pump struct {
	conn   Conn
	logger *zap.Logger

	outbound  chan outboundMsg
	done      chan struct{}
	closeOnce sync.Once

	// OnMessage is invoked from the read goroutine for every data frame
	// received. It must not block.
	OnMessage func(messageType int, data []byte)
	// OnClose is invoked exactly once when either pump exits, whether
	// triggered by a read/write error or by an explicit Close call.
	OnClose func(err error)
}

type outboundMsg struct {
	messageType int
	data        []byte
}

// NewPump constructs a Pump. Call Run to start its goroutines.
func NewPump(conn Conn, logger *zap.Logger) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		conn:     conn,
		logger:   logger.Named("wsconn"),
		outbound: make(chan outboundMsg, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Run starts the read and write pumps under an errgroup.Group and blocks
// until both have returned, which happens together once either side hits a
// read/write error or Close is called. Callers typically invoke it in its
// own goroutine.
func (p *Pump) Run() {
	var g errgroup.Group
	g.Go(func() error {
		p.writePump()
		return nil
	})
	g.Go(func() error {
		p.readPump()
		return nil
	})
	_ = g.Wait()
}

// Send enqueues a frame for the write pump. Returns false if the pump has
// already shut down.
func (p *Pump) Send(messageType int, data []byte) bool {
	select {
	case p.outbound <- outboundMsg{messageType: messageType, data: data}:
		return true
	case <-p.done:
		return false
	}
}

// Close closes the underlying connection and stops both pumps. The read
// goroutine's subsequent error exit still drives shutdown/OnClose — Close
// only needs to stop writePump and unblock the blocking read.
func (p *Pump) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return p.conn.Close()
}

func (p *Pump) readPump() {
	defer func() {
		p.shutdown(nil)
	}()

	p.conn.SetReadLimit(maxMessageSize)
	if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		p.logger.Warn("wsconn: failed to set read deadline", zap.Error(err))
		return
	}
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.shutdown(err)
			return
		}
		if p.OnMessage != nil {
			p.OnMessage(messageType, data)
		}
	}
}

func (p *Pump) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
	}()

	for {
		select {
		case msg := <-p.outbound:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.logger.Warn("wsconn: failed to set write deadline", zap.Error(err))
				p.shutdown(err)
				return
			}
			if err := p.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				p.shutdown(err)
				return
			}

		case <-ticker.C:
			if err := p.conn.WriteControl(PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.shutdown(err)
				return
			}

		case <-p.done:
			return
		}
	}
}

// shutdown stops the write pump (idempotent — a prior explicit Close may
// have already closed p.done) and runs OnClose exactly once, via closeOnce,
// independently of whether p.done was already closed.
func (p *Pump) shutdown(err error) {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	_ = p.conn.Close()
	p.closeOnce.Do(func() {
		if p.OnClose != nil {
			p.OnClose(err)
		}
	})
}
