package eventbus

import (
	"sync"

	"github.com/charging-platform/cp-simulator/internal/metrics"
)

// DefaultRingSize bounds the per-session log ring.
const DefaultRingSize = 500

// ring is a fixed-size drop-oldest buffer.
type ring[T any] struct {
	buf   []T
	head  int
	count int
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[(r.head+r.count)%len(r.buf)] = v
	if r.count < len(r.buf) {
		r.count++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring[T]) items() []T {
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// MemoryBus keeps recent events in bounded per-session rings. Slow readers
// lose the oldest samples, never the publishers' time.
type MemoryBus struct {
	mu       sync.RWMutex
	ringSize int
	logs     map[string]*ring[LogEntry]
	charts   map[string]*ring[ChartPoint]
	messages map[string]*ring[OcppMessage]
	lastSnap *metrics.Snapshot
}

// NewMemoryBus creates a bus with the given per-session ring size.
func NewMemoryBus(ringSize int) *MemoryBus {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &MemoryBus{
		ringSize: ringSize,
		logs:     make(map[string]*ring[LogEntry]),
		charts:   make(map[string]*ring[ChartPoint]),
		messages: make(map[string]*ring[OcppMessage]),
	}
}

// PublishLog implements Bus.
func (b *MemoryBus) PublishLog(sessionID string, entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.logs[sessionID]
	if !ok {
		r = newRing[LogEntry](b.ringSize)
		b.logs[sessionID] = r
	}
	r.push(entry)
}

// PublishChart implements Bus.
func (b *MemoryBus) PublishChart(sessionID string, point ChartPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.charts[sessionID]
	if !ok {
		r = newRing[ChartPoint](b.ringSize)
		b.charts[sessionID] = r
	}
	r.push(point)
}

// PublishOcppMessage implements Bus.
func (b *MemoryBus) PublishOcppMessage(sessionID string, msg OcppMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.messages[sessionID]
	if !ok {
		r = newRing[OcppMessage](b.ringSize)
		b.messages[sessionID] = r
	}
	r.push(msg)
}

// PublishMetrics implements Bus.
func (b *MemoryBus) PublishMetrics(snapshot metrics.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSnap = &snapshot
}

// Logs returns the retained log entries for a session, oldest first.
func (b *MemoryBus) Logs(sessionID string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.logs[sessionID]; ok {
		return r.items()
	}
	return nil
}

// Charts returns the retained chart points for a session, oldest first.
func (b *MemoryBus) Charts(sessionID string) []ChartPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.charts[sessionID]; ok {
		return r.items()
	}
	return nil
}

// Messages returns the retained OCPP messages for a session, oldest first.
func (b *MemoryBus) Messages(sessionID string) []OcppMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.messages[sessionID]; ok {
		return r.items()
	}
	return nil
}

// LastMetrics returns the most recent snapshot, if any.
func (b *MemoryBus) LastMetrics() *metrics.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSnap
}

// Forget drops all retained events for a session.
func (b *MemoryBus) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, sessionID)
	delete(b.charts, sessionID)
	delete(b.messages, sessionID)
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	return nil
}
