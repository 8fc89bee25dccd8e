// Package broadcast bridges API workers to the connection-holding
// gateway tier. A persisted message becomes a live socket event here;
// by the time a broadcast is attempted the message is already durable,
// so every failure is logged and counted, never surfaced to the sender.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/pkg/log"
	"github.com/relaypoint/relaypoint/pkg/token"
)

var ErrNotReady = errors.New("broadcaster not ready")

// Config holds broadcaster parameters.
type Config struct {
	// GatewayURL is the fixed ws:// endpoint of the gateway tier's
	// system socket.
	GatewayURL string `mapstructure:"gateway_url"`
	// ConnectTimeout bounds how long one emit waits for Ready.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// ReadyGrace is the settling delay after transport connect before
	// assuming the gateway's handlers are registered, used only when no
	// explicit ready acknowledgment arrives.
	ReadyGrace     time.Duration `mapstructure:"ready_grace"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SystemTokenTTL time.Duration `mapstructure:"system_token_ttl"`
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadyGrace <= 0 {
		cfg.ReadyGrace = 300 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SystemTokenTTL <= 0 {
		cfg.SystemTokenTTL = time.Hour
	}
	return cfg
}

// Broadcaster holds one lazily-dialed, auto-reconnecting system
// connection per API-worker process.
type Broadcaster struct {
	cfg    Config
	tokens *token.Manager

	machine *stateMachine

	mu   sync.Mutex
	conn *websocket.Conn

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	redial    *rate.Limiter
}

// New creates a broadcaster for the given gateway endpoint. The
// connection is not dialed until the first emit.
func New(cfg Config, tokens *token.Manager) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		cfg:     cfg.withDefaults(),
		tokens:  tokens,
		machine: newStateMachine(),
		ctx:     ctx,
		cancel:  cancel,
		redial:  rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// State returns the current connection state.
func (b *Broadcaster) State() State {
	return b.machine.current()
}

// BroadcastMessage emits a message event for a room, keyed by the
// message's durable persisted id. Callers run this off the request
// path; an error here means the live fan-out was missed, nothing more.
func (b *Broadcaster) BroadcastMessage(ctx context.Context, event, roomID string, msg *domain.Message) error {
	return b.Emit(ctx, event, roomID, domain.MessageEventPayload{
		RoomID:  roomID,
		Message: *msg,
	})
}

// Emit sends one event to the gateway tier. It blocks with a bounded
// timeout until the connection reaches Ready, then writes the frame.
func (b *Broadcaster) Emit(ctx context.Context, event, roomID string, payload interface{}) error {
	b.startOnce.Do(func() {
		go b.run()
	})

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := b.machine.awaitReady(waitCtx); err != nil {
		return fmt.Errorf("%w: %s", ErrNotReady, b.machine.current())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	frame := Frame{
		Type:   FrameTypeBroadcast,
		Event:  event,
		RoomID: roomID,
		Data:   data,
	}

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return ErrNotReady
	}
	conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	err = conn.WriteJSON(frame)
	b.mu.Unlock()

	if err != nil {
		b.dropConn(conn)
		return fmt.Errorf("failed to write broadcast frame: %w", err)
	}
	return nil
}

// run is the connection-state loop: dial, settle to Ready, watch for
// close, repeat. Redials are paced so a flapping gateway does not get
// hammered.
func (b *Broadcaster) run() {
	l := log.L()
	for {
		if err := b.redial.Wait(b.ctx); err != nil {
			return
		}

		b.machine.set(StateConnecting)
		conn, err := b.dial()
		if err != nil {
			b.machine.set(StateDisconnected)
			l.Warn().Err(err).Str("gateway", b.cfg.GatewayURL).Msg("gateway dial failed")
			continue
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.machine.set(StateConnected)
		l.Info().Str("gateway", b.cfg.GatewayURL).Msg("gateway connected")

		b.settleAndWatch(conn)

		b.machine.set(StateDisconnected)
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		conn.Close()

		select {
		case <-b.ctx.Done():
			return
		default:
		}
	}
}

func (b *Broadcaster) dial() (*websocket.Conn, error) {
	sysToken, err := b.tokens.MintSystemToken(b.cfg.SystemTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mint system token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sysToken)

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(b.ctx, b.cfg.GatewayURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// settleAndWatch reads control frames until the connection dies. The
// gateway sends an explicit ready frame once its handlers are
// registered; against gateways that never send one, the grace timer is
// the fallback for the inherent transport-connected-but-not-registered
// race.
func (b *Broadcaster) settleAndWatch(conn *websocket.Conn) {
	grace := time.AfterFunc(b.cfg.ReadyGrace, func() {
		if b.machine.current() == StateConnected {
			b.machine.set(StateReady)
		}
	})
	defer grace.Stop()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type == FrameTypeReady && b.machine.current() == StateConnected {
			b.machine.set(StateReady)
		}
	}
}

func (b *Broadcaster) dropConn(conn *websocket.Conn) {
	// Force the watcher's read to fail so the run loop redials.
	conn.Close()
}

// Close stops the connection loop and releases the socket.
func (b *Broadcaster) Close() {
	b.cancel()

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
}
