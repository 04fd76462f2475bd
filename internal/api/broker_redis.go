package api

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// EventBroker distributes per-emergency events to subscribers.
type EventBroker interface {
	Subscribe(emergencyID string) chan SSEEvent
	Unsubscribe(emergencyID string, ch chan SSEEvent)
	Publish(emergencyID string, evt SSEEvent)
}

// In-memory broker already implemented in broker.go and satisfies EventBroker

// RedisBroker implements EventBroker over Redis Pub/Sub so events reach
// subscribers on other instances. Each subscriber channel is owned by
// its forwarding goroutine: the channel closes exactly once, when the
// underlying PubSub closes, so an unsubscribe never races a publish
// into a closed channel.
type RedisBroker struct {
	rdb  *redis.Client
	mu   sync.Mutex
	subs map[chan SSEEvent]io.Closer
}

func NewRedisBroker() (*RedisBroker, error) {
	url := os.Getenv("REDIS_URL")
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan SSEEvent]io.Closer{}}, nil
}

func (b *RedisBroker) Subscribe(emergencyID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(emergencyID))
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go b.forward(ps.Channel(), ch)
	return ch
}

// forward drains msgs into ch until the PubSub closes. Closing ch
// happens here and nowhere else.
func (b *RedisBroker) forward(msgs <-chan *redis.Message, ch chan SSEEvent) {
	defer close(ch)
	for msg := range msgs {
		var evt SSEEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// Unsubscribe closes the subscriber's PubSub; the forwarding goroutine
// then drains out and closes ch. Calling it twice for the same channel
// is a no-op.
func (b *RedisBroker) Unsubscribe(emergencyID string, ch chan SSEEvent) {
	b.mu.Lock()
	closer, ok := b.subs[ch]
	if ok {
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = closer.Close()
}

func (b *RedisBroker) Publish(emergencyID string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(emergencyID), data).Err()
}

func (b *RedisBroker) chanName(emergencyID string) string { return "emergency:" + emergencyID }
