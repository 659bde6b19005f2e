// Package events implements the Event Envelope wire type and the
// in-process publish/subscribe bus that fans session events out to any
// number of WebSocket subscribers with bounded, drop-oldest backpressure.
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import "sync"

// QueueCapacity is the fixed per-subscriber queue capacity, per §3.
const QueueCapacity = 10_000

// SchemaVersion is the fixed Envelope schema version, per §3.
const SchemaVersion = "1.0"

// Envelope is the immutable record of one observable event, per §3. Once
// constructed it is never mutated — the bus shares it with subscribers by
// value (a shallow copy per send), so callers must not mutate Payload
// after Publish.
type Envelope struct {
	SchemaVersion string         `json:"schema_version"`
	EventID       string         `json:"event_id"`
	SessionID     string         `json:"session_id"`
	TSUnixMS      int64          `json:"ts_unix_ms"`
	Component     string         `json:"component"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
}

// Command is an inbound, transient request from a WebSocket controller to
// steer a session, per §3.
type Command struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus is a non-blocking, drop-oldest-on-overflow broadcast event bus.
// Subscribers receive events on bounded channels; a slow subscriber
// cannot stall others or block Publish, per §4.C.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Envelope]struct{}
	// recvToSend maps the receive-only handle returned by Subscribe back
	// to the bidirectional channel stored in subs, so Unsubscribe can
	// accept the caller's <-chan Envelope view without an illegal type
	// conversion.
	recvToSend map[<-chan Envelope]chan Envelope
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Envelope]struct{}),
		recvToSend: make(map[<-chan Envelope]chan Envelope),
	}
}

// Subscribe registers a new bounded subscriber queue (capacity
// QueueCapacity) and returns a handle to it, per §4.C. The caller must
// eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe() <-chan Envelope {
	ch := make(chan Envelope, QueueCapacity)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscriber queue and closes it, releasing any
// blocked consumer. Safe to call with a handle that is already
// unsubscribed (no-op). Safe to call on a nil *Bus (no-op).
func (b *Bus) Unsubscribe(handle <-chan Envelope) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.recvToSend[handle]
	if !ok {
		return
	}
	delete(b.subs, ch)
	delete(b.recvToSend, handle)
	close(ch)
}

// Publish attempts a non-blocking enqueue to every live subscriber. On a
// full queue, it dequeues one element from the head (oldest) and retries
// once; if still full (a concurrent publisher raced it back to full), the
// envelope is dropped for that subscriber only, per §4.C. Publish never
// blocks and never fails — it is safe to call on a nil *Bus (no-op).
func (b *Bus) Publish(env Envelope) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- env:
			continue
		default:
		}

		// Queue full: drop the oldest entry and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- env:
		default:
			// Lost the race against another publisher refilling the
			// queue; drop this envelope for this subscriber only.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
