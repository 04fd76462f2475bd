package api

import (
	"io"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fakePubSub stands in for the redis PubSub: Close signals the message
// channel the forwarder is draining, the way redis closes ps.Channel().
type fakePubSub struct {
	msgs      chan *redis.Message
	closes    int
	srcClosed bool
}

func (f *fakePubSub) Close() error {
	f.closes++
	if !f.srcClosed {
		f.srcClosed = true
		close(f.msgs)
	}
	return nil
}

// dropConn simulates the connection dying: the message channel closes
// without Close ever being called.
func (f *fakePubSub) dropConn() {
	f.srcClosed = true
	close(f.msgs)
}

func newFakeSub(b *RedisBroker) (*fakePubSub, chan SSEEvent) {
	fake := &fakePubSub{msgs: make(chan *redis.Message, 4)}
	ch := make(chan SSEEvent, 16)
	b.mu.Lock()
	b.subs[ch] = fake
	b.mu.Unlock()
	go b.forward(fake.msgs, ch)
	return fake, ch
}

func TestRedisForwardDeliversAndCloses(t *testing.T) {
	b := &RedisBroker{subs: map[chan SSEEvent]io.Closer{}}
	fake, ch := newFakeSub(b)

	fake.msgs <- &redis.Message{Payload: `{"Type":"emergency.created","Data":{"emergencyId":"e1"}}`}
	select {
	case evt := <-ch:
		if evt.Type != "emergency.created" {
			t.Fatalf("event type: %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("forwarder never delivered the event")
	}

	// malformed payloads are dropped, not fatal
	fake.msgs <- &redis.Message{Payload: `{`}

	b.Unsubscribe("e1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed after unsubscribe")
	}
}

func TestRedisUnsubscribeAfterSourceClosed(t *testing.T) {
	// the connection drops first: the forwarder exits and closes ch on
	// its own, and a later unsubscribe must not close ch a second time
	b := &RedisBroker{subs: map[chan SSEEvent]io.Closer{}}
	fake, ch := newFakeSub(b)

	fake.dropConn()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("forwarder never exited")
	}

	b.Unsubscribe("e1", ch)
	b.Unsubscribe("e1", ch) // and twice is still a no-op
	if fake.closes != 1 {
		t.Fatalf("closer invoked %d times, want 1", fake.closes)
	}
}

func TestRedisUnsubscribeUnknownChannel(t *testing.T) {
	b := &RedisBroker{subs: map[chan SSEEvent]io.Closer{}}
	b.Unsubscribe("e1", make(chan SSEEvent))
}
