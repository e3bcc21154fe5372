package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luma/codewords/protocol"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseReconnectDelay   = time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultWriteWait            = 10 * time.Second
	DefaultReadLimit            = 1 << 20
)

var (
	ErrClosed        = errors.New("connection manager is closed")
	ErrMaxReconnects = errors.New("reached max reconnect attempts")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handlers observe the physical connections of a Manager. They run on the
// manager's goroutine, so they must not block on the manager itself.
type Handlers struct {
	OnOpen    func(conn *Conn)
	OnClose   func(conn *Conn)
	OnMessage func(conn *Conn, data []byte)
}

type ManagerOptions struct {
	URL    string
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// MaxReconnectAttempts is how many consecutive reconnects may fail
	// before the manager gives up.
	MaxReconnectAttempts int

	// BaseReconnectDelay is scaled by 2^attempt between reconnects.
	BaseReconnectDelay time.Duration

	// PingInterval is how often a PING frame is sent on an open
	// connection. Negative disables keepalive.
	PingInterval time.Duration

	WriteWait time.Duration

	Handlers Handlers

	Log *zap.Logger
}

// Manager keeps one WebSocket open to URL, reconnecting with exponential
// backoff after unexpected closes.
//
//	Connecting -> Open -> Reconnecting -> Open ...
//	                 \-> Closed           \-> Failed
type Manager struct {
	options ManagerOptions

	mu       sync.Mutex
	state    State
	conn     *Conn
	opened   chan struct{}
	attempts int
	err      error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once

	log *zap.Logger
}

func NewManager(options ManagerOptions) *Manager {
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}

	if options.MaxReconnectAttempts <= 0 {
		options.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	if options.BaseReconnectDelay <= 0 {
		options.BaseReconnectDelay = DefaultBaseReconnectDelay
	}

	if options.PingInterval == 0 {
		options.PingInterval = DefaultPingInterval
	}

	if options.WriteWait <= 0 {
		options.WriteWait = DefaultWriteWait
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		options: options,
		state:   StateConnecting,
		opened:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     options.Log.With(zap.String("url", options.URL)),
	}
}

// Start dials in the background. Use Wait or SendMessage to block until the
// connection is open.
func (m *Manager) Start() {
	m.startOnce.Do(func() { go m.run() })
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Done is closed once the manager has stopped for good, by Close or by
// running out of reconnect attempts.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err explains why Done was closed.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// Wait returns the open connection, waiting for one if the manager is
// connecting or reconnecting.
func (m *Manager) Wait(ctx context.Context) (*Conn, error) {
	for {
		m.mu.Lock()
		state, conn, opened, err := m.state, m.conn, m.opened, m.err
		m.mu.Unlock()

		switch state {
		case StateOpen:
			return conn, nil

		case StateClosed, StateFailed:
			return nil, err
		}

		select {
		case <-opened:
		case <-m.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendMessage writes data on the open connection, waiting for the next one
// while reconnecting.
func (m *Manager) SendMessage(ctx context.Context, data []byte) error {
	conn, err := m.Wait(ctx)
	if err != nil {
		return err
	}

	return conn.Send(data)
}

// Close is terminal: the connection is closed, OnClose runs for it, waiters
// fail with ErrClosed and no reconnect follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateFailed {
		m.mu.Unlock()
		return ErrClosed
	}

	m.state = StateClosed
	m.err = ErrClosed
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	m.Start()

	var err error
	if conn != nil {
		err = conn.Close()

		if m.options.Handlers.OnClose != nil {
			m.options.Handlers.OnClose(conn)
		}
	}

	<-m.done
	return err
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		ws, _, err := m.options.Dialer.DialContext(m.ctx, m.options.URL, m.options.Header)
		if err == nil {
			conn := newConn(ws, m.options.WriteWait)
			if !m.open(conn) {
				_ = conn.Close()
				return
			}

			m.serve(conn)

			if !m.lost(conn) {
				return
			}
		} else {
			if m.ctx.Err() != nil {
				return
			}

			m.log.Warn("Failed to connect", zap.Error(err))
		}

		delay, ok := m.backoff()
		if !ok {
			return
		}

		m.log.Info("Reconnecting", zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			return
		}
	}
}

// open runs OnOpen for conn and then publishes it, so no caller gets conn
// before its handlers are ready. It reports false when Close won the race.
func (m *Manager) open(conn *Conn) bool {
	m.mu.Lock()
	closed := m.state == StateClosed
	m.mu.Unlock()

	if closed {
		return false
	}

	if m.options.Handlers.OnOpen != nil {
		m.options.Handlers.OnOpen(conn)
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()

		if m.options.Handlers.OnClose != nil {
			m.options.Handlers.OnClose(conn)
		}

		return false
	}

	m.state = StateOpen
	m.conn = conn
	m.attempts = 0
	opened := m.opened
	m.mu.Unlock()

	m.log.Info("Connection open", zap.String("conn", conn.ID()))

	close(opened)
	return true
}

// lost retires conn after the remote end went away. It reports false when
// the manager was closed meanwhile.
func (m *Manager) lost(conn *Conn) bool {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return false
	}

	m.state = StateReconnecting
	m.conn = nil
	m.opened = make(chan struct{})
	m.mu.Unlock()

	_ = conn.Close()

	m.log.Info("Connection lost", zap.String("conn", conn.ID()))

	if m.options.Handlers.OnClose != nil {
		m.options.Handlers.OnClose(conn)
	}

	return true
}

// backoff counts a failed attempt and returns how long to wait before the
// next one. It reports false once the attempts are used up.
func (m *Manager) backoff() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return 0, false
	}

	m.attempts++
	if m.attempts > m.options.MaxReconnectAttempts {
		m.state = StateFailed
		m.err = fmt.Errorf("%w (%d)", ErrMaxReconnects, m.options.MaxReconnectAttempts)
		m.log.Error("Giving up on connection", zap.Error(m.err))
		return 0, false
	}

	m.state = StateReconnecting
	return m.options.BaseReconnectDelay * time.Duration(1<<uint(m.attempts)), true
}

func (m *Manager) serve(conn *Conn) {
	conn.ws.SetReadLimit(DefaultReadLimit)

	if m.options.PingInterval > 0 {
		go m.keepalive(conn)
	}

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Warn("Read failed", zap.String("conn", conn.ID()), zap.Error(err))
			}

			return
		}

		if m.options.Handlers.OnMessage != nil {
			m.options.Handlers.OnMessage(conn, data)
		}
	}
}

func (m *Manager) keepalive(conn *Conn) {
	ticker := time.NewTicker(m.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Send(protocol.FramePing); err != nil {
				return
			}

		case <-conn.Done():
			return

		case <-m.ctx.Done():
			return
		}
	}
}
