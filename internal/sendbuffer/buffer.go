// Package sendbuffer implements the bounded FIFO of outbound frames that
// ConnectionCore falls back to while disconnected (spec §4.3). It is the
// drop-oldest counterpart to gorilla/websocket's single-writer discipline:
// ConnectionCore is the only caller that ever writes to the socket, and the
// buffer hands it frames strictly in arrival order.
package sendbuffer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helios-starling/starling-go/internal/codec"
	"github.com/helios-starling/starling-go/internal/eventbus"
)

// DefaultCapacity is the default bound on buffered frames (spec §4.3).
const DefaultCapacity = 1000

// Entry wraps a buffered frame with bookkeeping used for observability.
type Entry struct {
	Content   codec.Frame
	Timestamp time.Time
	Attempts  int
}

// Writer is the minimal capability Buffer needs from the live socket —
// satisfied by *starling.Client's internal writer, and by a fake in tests.
type Writer func(codec.Frame) error

// Buffer is a bounded, strict-FIFO queue of outbound frames. Add never
// blocks: once Capacity is reached the oldest entry is dropped to make room
// for the new one (spec testable property 3).
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	bus      *eventbus.Bus
	logger   *zap.Logger
}

// New creates a Buffer with the given capacity (DefaultCapacity if <= 0).
func New(capacity int, bus *eventbus.Bus, logger *zap.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		capacity: capacity,
		bus:      bus,
		logger:   logger.Named("sendbuffer"),
	}
}

// Add appends frame to the tail of the queue. If the queue is already at
// capacity, the oldest entry is dropped and "buffer:full" is emitted before
// the new entry is appended; "buffer:added" is always emitted afterwards.
func (b *Buffer) Add(frame codec.Frame) {
	b.mu.Lock()
	if len(b.entries) >= b.capacity {
		dropped := b.entries[0]
		b.entries = b.entries[1:]
		b.mu.Unlock()
		b.logger.Warn("sendbuffer: dropping oldest entry, buffer full",
			zap.Int("capacity", b.capacity))
		b.emit("buffer:full", dropped)
		b.mu.Lock()
	}
	entry := Entry{Content: frame, Timestamp: time.Now()}
	b.entries = append(b.entries, entry)
	b.mu.Unlock()

	b.emit("buffer:added", entry)
}

// Len returns the current number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops every buffered entry and emits "buffer:cleared".
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
	b.emit("buffer:cleared", nil)
}

// Flush attempts to write every buffered entry, in FIFO order, using write.
// Entries that write successfully are removed; entries whose write returns
// an error are retained (in their original relative order) for the next
// Flush. Callers must check connectivity before invoking Flush — it always
// attempts to write, it does not itself know whether the socket is open.
func (b *Buffer) Flush(write Writer) (flushed int, err error) {
	b.mu.Lock()
	pending := make([]Entry, len(b.entries))
	copy(pending, b.entries)
	b.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	var retained []Entry
	for _, e := range pending {
		if werr := write(e.Content); werr != nil {
			e.Attempts++
			retained = append(retained, e)
			continue
		}
		flushed++
	}

	b.mu.Lock()
	// b.entries may have grown (concurrent Add) or shrunk (concurrent Clear)
	// since pending was snapshotted; only drop the prefix this Flush actually
	// accounted for, so anything added mid-flush survives instead of being
	// silently clobbered by a bare overwrite.
	if len(pending) <= len(b.entries) {
		b.entries = append(retained, b.entries[len(pending):]...)
	} else {
		b.entries = retained
	}
	b.mu.Unlock()

	b.emit("buffer:flushed", flushed)
	return flushed, nil
}

func (b *Buffer) emit(event string, payload any) {
	if b.bus != nil {
		b.bus.Emit(event, payload)
	}
}
