package api

import (
	"sync"
)

// SSEEvent is one live event on an emergency's stream.
type SSEEvent struct {
	Type string
	Data map[string]any
}

// Broker fans emergency events out to SSE and WebSocket subscribers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // emergencyId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(emergencyID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[emergencyID] == nil {
		b.subs[emergencyID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[emergencyID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(emergencyID string, ch chan SSEEvent) {
	b.mu.Lock()
	if m := b.subs[emergencyID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, emergencyID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(emergencyID string, evt SSEEvent) {
	b.mu.Lock()
	m := b.subs[emergencyID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
