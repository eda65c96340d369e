package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/metrics"
)

// State is the connection manager's externally visible state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Conn is the slice of a WebSocket connection the manager uses. Satisfied by
// *websocket.Conn; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the upstream transport.
type Dialer func(ctx context.Context, url string) (Conn, error)

// GorillaDialer dials with gorilla's default dialer.
func GorillaDialer(ctx context.Context, url string) (Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ManagerConfig holds the connection manager's tunables.
type ManagerConfig struct {
	URL               string
	BaseDelay         time.Duration // reconnect backoff base, default 1s
	CapDelay          time.Duration // reconnect backoff cap, default 60s
	HeartbeatInterval time.Duration // ping cadence, default 30s
	MissMultiplier    int           // read deadline = interval * multiplier, default 2
}

func (c *ManagerConfig) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissMultiplier <= 0 {
		c.MissMultiplier = 2
	}
}

// Manager owns the upstream WebSocket lifecycle: dial, heartbeat, liveness,
// reconnect with exponential backoff, and a full registry resubscribe pass
// on every entry to Connected. All upstream errors are retried; none escape
// to callers.
type Manager struct {
	cfg      ManagerConfig
	codec    *Codec
	registry *Registry
	dial     Dialer

	events chan Event

	writeMu sync.Mutex
	conn    Conn

	state      atomic.Value // State
	attempt    int          // backoff exponent, reset on successful connect
	reconnects atomic.Int64 // monotonic, surfaced via health
}

// NewManager wires a connection manager. A nil dialer uses gorilla.
func NewManager(cfg ManagerConfig, codec *Codec, registry *Registry, dial Dialer) *Manager {
	cfg.defaults()
	if dial == nil {
		dial = GorillaDialer
	}
	m := &Manager{
		cfg:      cfg,
		codec:    codec,
		registry: registry,
		dial:     dial,
		events:   make(chan Event, 1024),
	}
	m.state.Store(StateDisconnected)
	return m
}

// Events returns the decoded event stream. Closed when Run exits.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current connection state.
func (m *Manager) State() State { return m.state.Load().(State) }

// ReconnectAttempts returns the total reconnect attempts since start.
func (m *Manager) ReconnectAttempts() int64 { return m.reconnects.Load() }

// Run drives the state machine until ctx is cancelled, then transitions to
// Closed. Reconnection is indefinite.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.events)
	defer m.setState(StateClosed)

	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)

		conn, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("url", m.cfg.URL).Msg("upstream dial failed")
			if !m.backoffWait(ctx) {
				return
			}
			continue
		}

		m.setConn(conn)
		m.attempt = 0
		m.setState(StateConnected)
		metrics.Connected.Set(1)
		log.Info().Str("url", m.cfg.URL).Msg("upstream connected")

		m.resubscribe()

		err = m.serve(ctx, conn)
		m.setConn(nil)
		conn.Close()
		metrics.Connected.Set(0)

		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("upstream connection lost")
		if !m.backoffWait(ctx) {
			return
		}
	}
}

// SendSubscribe writes a subscribe frame now if connected. The registry is
// the source of truth either way; a disconnected manager re-sends on the
// next connect.
func (m *Manager) SendSubscribe(sub Subscription) {
	frame, err := m.codec.EncodeSubscribe(sub)
	if err != nil {
		log.Error().Err(err).Str("symbol", string(sub.Symbol)).Msg("encode subscribe failed")
		return
	}
	if err := m.write(frame); err != nil {
		log.Debug().Err(err).Str("symbol", string(sub.Symbol)).Msg("subscribe deferred to reconnect")
	}
}

// SendUnsubscribe writes an unsubscribe frame now if connected.
func (m *Manager) SendUnsubscribe(sub Subscription) {
	frame, err := m.codec.EncodeUnsubscribe(sub)
	if err != nil {
		log.Error().Err(err).Str("symbol", string(sub.Symbol)).Msg("encode unsubscribe failed")
		return
	}
	if err := m.write(frame); err != nil {
		log.Debug().Err(err).Str("symbol", string(sub.Symbol)).Msg("unsubscribe dropped, not connected")
	}
}

// resubscribe replays the full registry snapshot in one pass, before any
// user-driven changes are accepted on this connection.
func (m *Manager) resubscribe() {
	snapshot := m.registry.Snapshot()
	for _, sub := range snapshot {
		m.SendSubscribe(sub)
	}
	if len(snapshot) > 0 {
		log.Info().Int("subscriptions", len(snapshot)).Msg("resubscribed registry snapshot")
	}
}

// serve pumps frames and heartbeats until the transport fails or ctx ends.
// Liveness is any frame within MissMultiplier * HeartbeatInterval; the read
// deadline enforces it.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	readErr := make(chan error, 1)
	deadline := time.Duration(m.cfg.MissMultiplier) * m.cfg.HeartbeatInterval

	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(deadline))
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			m.handleFrame(ctx, frame)
		}
	}()

	ping := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ping.C:
			if err := m.write(m.codec.EncodePing()); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, frame []byte) {
	ev, err := m.codec.Decode(frame)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		log.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// backoffWait sleeps min(base * 2^attempt, cap) in Reconnecting, then rests
// in Disconnected. Returns false when ctx ended during the wait.
func (m *Manager) backoffWait(ctx context.Context) bool {
	m.setState(StateReconnecting)
	m.reconnects.Add(1)
	metrics.Reconnects.Inc()

	delay := m.cfg.BaseDelay << m.attempt
	if delay > m.cfg.CapDelay || delay <= 0 {
		delay = m.cfg.CapDelay
	}
	m.attempt++

	log.Info().Dur("delay", delay).Int("attempt", m.attempt).Msg("reconnect backoff")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		m.setState(StateDisconnected)
		return true
	}
}

func (m *Manager) write(frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("not connected")
	}
	m.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return m.conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) setConn(conn Conn) {
	m.writeMu.Lock()
	m.conn = conn
	m.writeMu.Unlock()
}

func (m *Manager) setState(s State) {
	m.state.Store(s)
}
