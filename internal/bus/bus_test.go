package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeConn is one in-memory subscriber connection.
type fakeConn struct {
	mu      sync.Mutex
	names   map[string]bool
	ch      chan *redis.Message
	pattern bool
	closed  bool
}

func (c *fakeConn) add(_ context.Context, names ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		c.names[n] = true
	}
	return nil
}

func (c *fakeConn) remove(_ context.Context, names ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		delete(c.names, n)
	}
	return nil
}

func (c *fakeConn) messages() <-chan *redis.Message { return c.ch }

func (c *fakeConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

func (c *fakeConn) has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[name]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeBroker routes publishes to its own connections, standing in for
// the store's pub/sub.
type fakeBroker struct {
	mu        sync.Mutex
	histories map[string][]string
	conns     []*fakeConn
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{histories: make(map[string][]string)}
}

// globMatch supports the trailing-star patterns the bus subscribes
// with.
func globMatch(pattern, name string) bool {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(name, pattern[:i])
	}
	return pattern == name
}

func (f *fakeBroker) publish(_ context.Context, channel string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			continue
		}
		for name := range c.names {
			if c.pattern && globMatch(name, channel) {
				c.ch <- &redis.Message{Channel: channel, Pattern: name, Payload: string(data)}
				break
			}
			if !c.pattern && name == channel {
				c.ch <- &redis.Message{Channel: channel, Payload: string(data)}
				break
			}
		}
		c.mu.Unlock()
	}
	return nil
}

func (f *fakeBroker) appendHistory(_ context.Context, event string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range []string{historyKey(event), historyAllKey} {
		f.histories[key] = append([]string{string(data)}, f.histories[key]...)
	}
	return nil
}

func (f *fakeBroker) history(_ context.Context, event string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.histories[historyKey(event)]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeBroker) connect(_ context.Context, pattern bool) conn {
	c := &fakeConn{
		names:   make(map[string]bool),
		ch:      make(chan *redis.Message, 64),
		pattern: pattern,
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c
}

func (f *fakeBroker) lastConn(t *testing.T) *fakeConn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		t.Fatal("no connection was opened")
	}
	return f.conns[len(f.conns)-1]
}

func waitEnvelope(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered within deadline")
		return nil
	}
}

func expectNoEnvelope(t *testing.T, ch <-chan *Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope for %q", env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")
	defer b.Destroy()

	got := make(chan *Envelope, 4)
	unsub, err := b.Subscribe("message:send", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := b.Publish(context.Background(), "message:send", map[string]string{"room_id": "r1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	env := waitEnvelope(t, got)
	if env.Event != "message:send" || env.Source != "worker-1" {
		t.Fatalf("envelope = %+v", env)
	}
	var payload map[string]string
	if err := env.UnmarshalData(&payload); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if payload["room_id"] != "r1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestPatternSubscriberReceivesAllEvents(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")
	defer b.Destroy()

	got := make(chan *Envelope, 4)
	unsub, err := b.SubscribePattern("*", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribePattern: %v", err)
	}
	defer unsub()

	ctx := context.Background()
	b.Publish(ctx, "typing:start", map[string]string{"room_id": "r1"})
	b.Publish(ctx, "user:online", map[string]string{"user_id": "u1"})

	events := map[string]bool{}
	events[waitEnvelope(t, got).Event] = true
	events[waitEnvelope(t, got).Event] = true
	if !events["typing:start"] || !events["user:online"] {
		t.Fatalf("events = %v", events)
	}
}

func TestLastUnsubscribeDetachesChannel(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")
	defer b.Destroy()

	unsub1, err := b.Subscribe("message:send", func(context.Context, *Envelope) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub2, err := b.Subscribe("message:send", func(context.Context, *Envelope) error { return nil })
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}

	c := br.lastConn(t)
	channel := ChannelFor("message:send")

	unsub1()
	if !c.has(channel) {
		t.Fatal("channel must survive while a handler remains")
	}
	unsub2()
	if c.has(channel) {
		t.Fatal("last unsubscribe must detach the broker channel")
	}
}

func TestHandlerFailureIsolation(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")
	defer b.Destroy()

	got := make(chan *Envelope, 4)
	unsubPanic, _ := b.Subscribe("message:send", func(context.Context, *Envelope) error {
		panic("boom")
	})
	defer unsubPanic()
	unsubErr, _ := b.Subscribe("message:send", func(context.Context, *Envelope) error {
		return errors.New("handler error")
	})
	defer unsubErr()
	unsubOK, _ := b.Subscribe("message:send", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	defer unsubOK()

	if err := b.Publish(context.Background(), "message:send", map[string]string{"room_id": "r1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitEnvelope(t, got)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")
	defer b.Destroy()

	got := make(chan *Envelope, 4)
	unsub, _ := b.Subscribe("message:send", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	defer unsub()

	c := br.lastConn(t)
	c.ch <- &redis.Message{Channel: ChannelFor("message:send"), Payload: "{not json"}
	expectNoEnvelope(t, got)

	// The dispatch loop survives the bad frame.
	if err := b.Publish(context.Background(), "message:send", map[string]string{"room_id": "r1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitEnvelope(t, got)
}

func TestEventHistoryNewestFirst(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")
	defer b.Destroy()

	ctx := context.Background()
	for _, room := range []string{"r1", "r2", "r3"} {
		if err := b.Publish(ctx, "message:send", map[string]string{"room_id": room}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	envs, err := b.EventHistory(ctx, "message:send", 2)
	if err != nil {
		t.Fatalf("EventHistory: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("history = %d envelopes, want 2", len(envs))
	}
	var payload map[string]string
	if err := envs[0].UnmarshalData(&payload); err != nil {
		t.Fatalf("UnmarshalData: %v", err)
	}
	if payload["room_id"] != "r3" {
		t.Fatalf("newest entry room = %q, want r3", payload["room_id"])
	}
}

func TestSweepIdleReleasesConnection(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")
	defer b.Destroy()

	unsub, err := b.Subscribe("message:send", func(context.Context, *Envelope) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	c := br.lastConn(t)

	// A live subscription pins the connection.
	b.SweepIdle()
	if c.isClosed() {
		t.Fatal("sweep must not close a connection with live subscriptions")
	}

	unsub()
	b.SweepIdle()
	if !c.isClosed() {
		t.Fatal("sweep should release the idle connection")
	}

	// A later subscription opens a fresh connection.
	got := make(chan *Envelope, 1)
	unsub2, err := b.Subscribe("message:send", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer unsub2()
	if err := b.Publish(context.Background(), "message:send", map[string]string{"room_id": "r1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitEnvelope(t, got)
}

func TestDestroyClosesConnections(t *testing.T) {
	br := newFakeBroker()
	b := newBus(br, "worker-1")

	if _, err := b.Subscribe("message:send", func(context.Context, *Envelope) error { return nil }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.SubscribePattern("*", func(context.Context, *Envelope) error { return nil }); err != nil {
		t.Fatalf("SubscribePattern: %v", err)
	}

	b.Destroy()

	br.mu.Lock()
	defer br.mu.Unlock()
	for _, c := range br.conns {
		if !c.isClosed() {
			t.Fatal("destroy must close every subscriber connection")
		}
	}
}
