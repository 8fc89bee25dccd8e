// Package bus is the typed publish/subscribe bridge between API workers
// and socket workers. Delivery is broker pub/sub: no ordering across
// subscribers and nothing for a subscriber that was not connected at
// publish time. Durable delivery belongs to the persistence store, not
// here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/relaypoint/pkg/log"
)

// Handler consumes an event envelope. Errors are logged per handler;
// one failing handler never prevents others from running.
type Handler func(ctx context.Context, env *Envelope) error

const (
	perEventHistoryCap = 1000
	globalHistoryCap   = 10000
)

// broker is the wire the bus speaks over, carved out so the
// subscription bookkeeping and dispatch are testable without a live
// store.
type broker interface {
	publish(ctx context.Context, channel string, data []byte) error
	appendHistory(ctx context.Context, event string, data []byte) error
	history(ctx context.Context, event string, limit int) ([]string, error)
	// connect opens one dedicated subscriber connection, plain or
	// pattern, with no names attached yet.
	connect(ctx context.Context, pattern bool) conn
}

// conn is one dedicated subscriber connection multiplexing many names.
type conn interface {
	add(ctx context.Context, names ...string) error
	remove(ctx context.Context, names ...string) error
	messages() <-chan *redis.Message
	close() error
}

type redisBroker struct {
	client *redis.Client
}

func (r redisBroker) publish(ctx context.Context, channel string, data []byte) error {
	return r.client.Publish(ctx, channel, data).Err()
}

func (r redisBroker) appendHistory(ctx context.Context, event string, data []byte) error {
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, historyKey(event), data)
	pipe.LTrim(ctx, historyKey(event), 0, perEventHistoryCap-1)
	pipe.LPush(ctx, historyAllKey, data)
	pipe.LTrim(ctx, historyAllKey, 0, globalHistoryCap-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (r redisBroker) history(ctx context.Context, event string, limit int) ([]string, error) {
	return r.client.LRange(ctx, historyKey(event), 0, int64(limit-1)).Result()
}

func (r redisBroker) connect(ctx context.Context, pattern bool) conn {
	if pattern {
		return &redisConn{ps: r.client.PSubscribe(ctx), pattern: true}
	}
	return &redisConn{ps: r.client.Subscribe(ctx)}
}

type redisConn struct {
	ps      *redis.PubSub
	pattern bool
}

func (c *redisConn) add(ctx context.Context, names ...string) error {
	if c.pattern {
		return c.ps.PSubscribe(ctx, names...)
	}
	return c.ps.Subscribe(ctx, names...)
}

func (c *redisConn) remove(ctx context.Context, names ...string) error {
	if c.pattern {
		return c.ps.PUnsubscribe(ctx, names...)
	}
	return c.ps.Unsubscribe(ctx, names...)
}

func (c *redisConn) messages() <-chan *redis.Message {
	return c.ps.Channel(redis.WithChannelSize(256))
}

func (c *redisConn) close() error {
	return c.ps.Close()
}

// Bus is a Redis-backed event bus. One dedicated subscriber connection
// is opened lazily for plain subscriptions and one for pattern
// subscriptions; many logical subscriptions multiplex onto those two.
type Bus struct {
	broker broker
	source string

	subs  *table
	psubs *table

	mu        sync.Mutex
	plainConn conn
	patConn   conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an event bus over an already-connected Redis client.
// source labels envelopes published by this process.
func New(client *redis.Client, source string) *Bus {
	return newBus(redisBroker{client: client}, source)
}

func newBus(br broker, source string) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		broker: br,
		source: source,
		subs:   newTable(),
		psubs:  newTable(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish wraps payload in an envelope and pushes it to the event's
// channel. The replay-log append is best-effort and never blocks
// delivery.
func (b *Bus) Publish(ctx context.Context, event string, payload interface{}) error {
	env, err := NewEnvelope(event, payload, b.source)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.broker.publish(ctx, ChannelFor(event), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	if err := b.broker.appendHistory(ctx, event, data); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldEvent, event).Msg("event history append failed")
	}
	return nil
}

// EventHistory returns up to limit recent envelopes for an event,
// newest first.
func (b *Bus) EventHistory(ctx context.Context, event string, limit int) ([]Envelope, error) {
	if limit < 1 || limit > perEventHistoryCap {
		limit = 100
	}

	raw, err := b.broker.history(ctx, event, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read event history: %w", err)
	}

	envs := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Subscribe registers a handler for one event. The returned function
// unsubscribes; the last unsubscribe for an event tears down its
// broker channel subscription.
func (b *Bus) Subscribe(event string, h Handler) (func(), error) {
	id, first := b.subs.add(event, h)
	if first {
		if err := b.attach(false, ChannelFor(event)); err != nil {
			b.subs.remove(event, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if last := b.subs.remove(event, id); last {
				b.detach(false, ChannelFor(event))
			}
		})
	}, nil
}

// SubscribePattern registers a handler for every event matching a glob
// pattern (e.g. "message:*" or "*").
func (b *Bus) SubscribePattern(pattern string, h Handler) (func(), error) {
	id, first := b.psubs.add(pattern, h)
	if first {
		if err := b.attach(true, ChannelFor(pattern)); err != nil {
			b.psubs.remove(pattern, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if last := b.psubs.remove(pattern, id); last {
				b.detach(true, ChannelFor(pattern))
			}
		})
	}, nil
}

// attach binds a channel or pattern name onto the matching dedicated
// connection, opening it on first use.
func (b *Bus) attach(pattern bool, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.plainConn
	if pattern {
		existing = b.patConn
	}
	if existing != nil {
		return existing.add(b.ctx, name)
	}

	c := b.broker.connect(b.ctx, pattern)
	if err := c.add(b.ctx, name); err != nil {
		c.close()
		return err
	}
	if pattern {
		b.patConn = c
	} else {
		b.plainConn = c
	}
	b.wg.Add(1)
	go b.dispatch(c.messages(), pattern)
	return nil
}

func (b *Bus) detach(pattern bool, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.plainConn
	if pattern {
		c = b.patConn
	}
	if c == nil {
		return
	}
	if err := c.remove(b.ctx, name); err != nil {
		log.L().Warn().Err(err).Str("channel", name).Msg("broker unsubscribe failed")
	}
}

func (b *Bus) dispatch(ch <-chan *redis.Message, pattern bool) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.L().Warn().Err(err).Str("channel", msg.Channel).Msg("malformed envelope dropped")
				continue
			}

			var handlers []Handler
			if pattern {
				handlers = b.psubs.handlers(EventFor(msg.Pattern))
			} else {
				handlers = b.subs.handlers(EventFor(msg.Channel))
			}

			for _, h := range handlers {
				b.invoke(h, &env)
			}
		}
	}
}

// invoke runs one handler, isolating its panics and errors from the
// other handlers of the same event.
func (b *Bus) invoke(h Handler, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.L().Error().Interface("panic", r).Str(log.FieldEvent, env.Event).Msg("event handler panicked")
		}
	}()

	if err := h(b.ctx, env); err != nil {
		log.L().Error().Err(err).Str(log.FieldEvent, env.Event).Msg("event handler failed")
	}
}

// SweepIdle releases a dedicated subscriber connection once no logical
// subscriptions remain on it. Per-name teardown happens on the last
// unsubscribe; this reclaims the lingering connection itself. Called
// periodically by the process janitor.
func (b *Bus) SweepIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.plainConn != nil && len(b.subs.names()) == 0 {
		b.plainConn.close()
		b.plainConn = nil
	}
	if b.patConn != nil && len(b.psubs.names()) == 0 {
		b.patConn.close()
		b.patConn = nil
	}
}

// Destroy unsubscribes everything and releases the dedicated
// subscriber connections. The shared Redis client is left open for its
// owner to close.
func (b *Bus) Destroy() {
	b.cancel()

	b.mu.Lock()
	if b.plainConn != nil {
		b.plainConn.close()
		b.plainConn = nil
	}
	if b.patConn != nil {
		b.patConn.close()
		b.patConn = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
}
