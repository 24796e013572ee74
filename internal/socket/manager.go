// Package socket keeps the websocket to the generation service alive for
// one user key and hands every inbound message to a handler.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gentrack/internal/domain"
)

const (
	DefaultReconnectDelay        = 3 * time.Second
	DefaultPendingReconnectDelay = 10 * time.Second
	DefaultMaxAttempts           = 5
	DefaultHandshakeTimeout      = 15 * time.Second

	maxMessageBytes = 64 << 20
)

var (
	ErrUnauthorized     = errors.New("socket: unauthorized")
	ErrDialTimeout      = errors.New("socket: dial timed out")
	ErrServerRefused    = errors.New("socket: server refused connection")
	ErrConnectionClosed = errors.New("socket: connection closed")
	ErrProtocolClose    = errors.New("socket: closed for protocol error")
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives every inbound message with its websocket message type.
type Handler func(messageType int, data []byte)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a Manager.
type Options struct {
	// BaseURL is the ws:// or wss:// root; the socket lives at {BaseURL}/ws/{key}.
	BaseURL string
	Token   string
	Dialer  Dialer
	Handler Handler
	// Pending reports whether the live session still waits for results.
	Pending func() bool

	ReconnectDelay        time.Duration
	PendingReconnectDelay time.Duration
	MaxAttempts           int
	// IdleTimeout closes the socket after this long without inbound
	// messages while nothing is pending. Zero disables it.
	IdleTimeout time.Duration

	Logger zerolog.Logger
}

// Manager owns at most one websocket connection.
type Manager struct {
	opts    Options
	baseURL string
	logger  zerolog.Logger

	connectMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	key       string
	gen       uint64
	attempts  int
	stopped   bool
	reconnect *time.Timer
	idle      *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager validates opts and fills defaults.
func NewManager(opts Options) (*Manager, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("socket: base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("socket: parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		base = "ws" + strings.TrimPrefix(base, "http")
	case "https":
		base = "wss" + strings.TrimPrefix(base, "https")
	default:
		return nil, fmt.Errorf("socket: unsupported scheme %q", u.Scheme)
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.PendingReconnectDelay <= 0 {
		opts.PendingReconnectDelay = DefaultPendingReconnectDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		baseURL: base,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// SetHandler replaces the message handler. It must be called before the
// first EnsureConnected.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.opts.Handler = h
	m.mu.Unlock()
}

// SetPending replaces the pending-work probe.
func (m *Manager) SetPending(p func() bool) {
	m.mu.Lock()
	m.opts.Pending = p
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureConnected returns once a socket for key is open. A socket for a
// different key is closed first. A previous Teardown is lifted.
func (m *Manager) EnsureConnected(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty socket key", domain.ErrConnection)
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.state == Connected && m.key == key {
		m.mu.Unlock()
		return nil
	}
	var old *websocket.Conn
	if m.conn != nil {
		old = m.conn
		m.conn = nil
		m.gen++
	}
	m.key = key
	m.stopped = false
	m.attempts = 0
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.mu.Unlock()

	if old != nil {
		closeClean(old)
	}
	return m.dial(ctx, key)
}

func (m *Manager) dial(ctx context.Context, key string) error {
	m.mu.Lock()
	m.state = Connecting
	m.mu.Unlock()

	target := m.baseURL + "/ws/" + url.PathEscape(key)
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	conn, resp, err := m.opts.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", domain.ErrConnection, classifyDialError(err, resp))
	}
	conn.SetReadLimit(maxMessageBytes)

	m.mu.Lock()
	if m.stopped {
		m.state = Disconnected
		m.mu.Unlock()
		closeClean(conn)
		return fmt.Errorf("%w: torn down while dialing", domain.ErrConnection)
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = Connected
	m.attempts = 0
	m.resetIdleLocked(gen)
	handler := m.opts.Handler
	m.mu.Unlock()

	m.logger.Info().Str("key", key).Msg("socket: connected")
	m.wg.Add(1)
	go m.readLoop(conn, gen, handler)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64, handler Handler) {
	defer m.wg.Done()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			m.onClosed(gen, err)
			return
		}
		m.mu.Lock()
		if gen == m.gen {
			m.resetIdleLocked(gen)
		}
		m.mu.Unlock()
		if handler != nil {
			handler(mt, data)
		}
	}
}

func (m *Manager) onClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = Disconnected
	if m.idle != nil {
		m.idle.Stop()
	}
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	err = classifyReadError(err)
	if errors.Is(err, ErrProtocolClose) {
		m.logger.Error().Err(err).Msg("socket: closed for protocol error, not reconnecting")
		return
	}
	m.logger.Warn().Err(err).Msg("socket: connection lost")
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	pending := m.pending()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.logger.Error().Int("attempts", m.attempts).Str("key", m.key).Msg("socket: giving up on reconnect")
		return
	}
	m.attempts++
	delay := m.opts.ReconnectDelay
	if pending {
		delay = m.opts.PendingReconnectDelay
	}
	gen := m.gen
	m.logger.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("socket: scheduling reconnect")
	m.reconnect = time.AfterFunc(delay, func() { m.reconnectNow(gen) })
}

func (m *Manager) reconnectNow(gen uint64) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.stopped || gen != m.gen || m.state == Connected {
		m.mu.Unlock()
		return
	}
	key := m.key
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, DefaultHandshakeTimeout)
	defer cancel()
	if err := m.dial(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("socket: reconnect failed")
		m.scheduleReconnect()
	}
}

// resetIdleLocked restarts the idle timer for connection gen.
func (m *Manager) resetIdleLocked(gen uint64) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	if m.idle != nil {
		m.idle.Stop()
	}
	m.idle = time.AfterFunc(m.opts.IdleTimeout, func() { m.onIdle(gen) })
}

func (m *Manager) onIdle(gen uint64) {
	if m.pending() {
		m.mu.Lock()
		if gen == m.gen && m.state == Connected {
			m.resetIdleLocked(gen)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.logger.Info().Dur("idle", m.opts.IdleTimeout).Msg("socket: idle, closing")
	m.Teardown()
}

func (m *Manager) pending() bool {
	m.mu.Lock()
	p := m.opts.Pending
	m.mu.Unlock()
	return p != nil && p()
}

// Teardown closes the socket cleanly and suppresses reconnects until the
// next EnsureConnected.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	if m.idle != nil {
		m.idle.Stop()
	}
	conn := m.conn
	m.conn = nil
	m.state = Disconnected
	m.mu.Unlock()
	if conn != nil {
		closeClean(conn)
	}
}

// Close tears down the socket and waits for the reader to exit.
func (m *Manager) Close() {
	m.Teardown()
	m.cancel()
	m.wg.Wait()
}

func closeClean(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// classifyDialError converts handshake failures into package errors.
func classifyDialError(err error, resp *http.Response) error {
	if err == nil {
		return nil
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrUnauthorized
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("%w: http %d", ErrServerRefused, resp.StatusCode)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrDialTimeout
	}
	return fmt.Errorf("socket: dial: %w", err)
}

// classifyReadError maps a reader error onto ErrProtocolClose or
// ErrConnectionClosed.
func classifyReadError(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseProtocolError, websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData) {
		return fmt.Errorf("%w: %v", ErrProtocolClose, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, closeErr)
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}
