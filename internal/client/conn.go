package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tutorchat-ws/internal/domain"
)

type Options struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	// PingInterval of zero disables the heartbeat.
	PingInterval time.Duration
	// StableAfter is how long a connection must stay up before the
	// attempt counter starts over. Quick drops keep escalating the backoff.
	StableAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		InitialBackoff:   time.Second,
		MaxBackoff:       5 * time.Second,
		HandshakeTimeout: 20 * time.Second,
		PingInterval:     25 * time.Second,
		StableAfter:      10 * time.Second,
	}
}

// Handle describes a live connection as acknowledged by the gateway.
type Handle struct {
	Identity     domain.Identity
	ConnectionID string
	Instance     string
}

// Backoff is the delay before reconnection attempt n (1-based).
func Backoff(attempt int, initial, ceiling time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Manager owns at most one live connection per process and keeps it alive
// with bounded exponential backoff.
type Manager struct {
	dialer Dialer
	opts   Options
	events chan Event
	done   chan struct{}
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu          sync.Mutex
	state       ConnState
	conn        Conn
	handle      *Handle
	credential  string
	gen         uint64
	stop        context.CancelFunc
	attempts    int
	connectedAt time.Time
	closeOnce   sync.Once
}

func NewManager(dialer Dialer, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaults.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = defaults.StableAfter
	}

	return &Manager{
		dialer: dialer,
		opts:   opts,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Events must be drained by exactly one consumer until Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Connect opens the connection. While a connection is live or being
// established it is a no-op returning the current handle, which is nil
// until the first handshake completes.
func (m *Manager) Connect(ctx context.Context, credential string) (*Handle, error) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		handle := m.handle
		m.mu.Unlock()
		return handle, nil
	}
	m.state = StateConnecting
	m.credential = credential
	m.attempts = 0
	m.gen++
	gen := m.gen
	loopCtx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.mu.Unlock()

	conn, handle, err := m.handshake(ctx, credential)
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateDisconnected
			m.stop = nil
		}
		m.mu.Unlock()
		cancel()

		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.emit(Event{Kind: EventAuthFailed, Err: err})
		}
		return nil, err
	}

	if !m.attach(gen, conn, handle) {
		conn.Close()
		cancel()
		return nil, ErrNotConnected
	}

	log.Printf("Connected as %s (connection %s on %s)", handle.Identity, handle.ConnectionID, handle.Instance)
	m.emit(Event{Kind: EventConnected, Handle: handle})
	m.start(loopCtx, gen, conn)
	return handle, nil
}

// Disconnect closes the connection and stops any reconnection in progress.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	conn := m.conn
	stop := m.stop
	m.conn = nil
	m.handle = nil
	m.stop = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close()
	}
	m.emit(Event{Kind: EventDisconnected, Reason: "client"})
}

// Close disconnects and stops event delivery. Use it once nothing reads
// Events any more; later calls are no-ops.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.Disconnect()
}

// Send writes one envelope. It fails with ErrNotConnected when there is no
// live connection.
func (m *Manager) Send(ctx context.Context, eventType domain.EventType, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	msg, err := domain.NewWebSocketMessage(eventType, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(*msg); err != nil {
		return &NetworkError{Op: "write " + string(eventType), Err: err}
	}
	return nil
}

func (m *Manager) attach(gen uint64, conn Conn, handle *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return false
	}
	m.conn = conn
	m.handle = handle
	m.state = StateConnected
	m.connectedAt = m.now()
	return true
}

func (m *Manager) start(ctx context.Context, gen uint64, conn Conn) {
	go m.readLoop(ctx, gen, conn)
	if m.opts.PingInterval > 0 {
		go m.heartbeat(ctx, conn)
	}
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				log.Printf("Ignoring frame: %v", err)
				continue
			}
			m.connectionLost(ctx, gen, conn, err)
			return
		}

		select {
		case m.events <- Event{Kind: EventMessage, Message: &msg}:
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.conn == conn
			m.mu.Unlock()
			if !current {
				return
			}

			ping, _ := domain.NewWebSocketMessage(domain.EventPing, nil)
			if err := conn.WriteMessage(*ping); err != nil {
				log.Printf("Heartbeat failed: %v", err)
				return
			}
		}
	}
}

func (m *Manager) connectionLost(ctx context.Context, gen uint64, conn Conn, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.handle = nil
	m.state = StateReconnecting
	credential := m.credential
	if m.now().Sub(m.connectedAt) >= m.opts.StableAfter {
		m.attempts = 0
	}
	m.mu.Unlock()
	conn.Close()

	reason := "network"
	var closeErr *ServerCloseError
	serverClosed := errors.As(cause, &closeErr)
	if serverClosed {
		reason = "server_closed"
		if closeErr.Reason != "" {
			reason = closeErr.Reason
		}
	}

	log.Printf("Connection lost (%s): %v", reason, cause)
	m.emit(Event{Kind: EventDisconnected, Reason: reason, Err: cause})

	// A server close means the credential may be stale, so the first
	// attempt is an immediate handshake instead of a delayed retry.
	m.reconnect(ctx, gen, credential, serverClosed)
}

// reconnect continues the attempt count of the current storm of drops, so
// the cap bounds attempts across quick successive failures too.
func (m *Manager) reconnect(ctx context.Context, gen uint64, credential string, immediate bool) {
	var lastErr error

	first := m.nextAttempt(gen)
	for attempt := first; attempt <= m.opts.MaxAttempts; attempt = m.nextAttempt(gen) {
		if attempt == 0 {
			return
		}
		m.emit(Event{Kind: EventReconnecting, Attempt: attempt})

		if !(immediate && attempt == first) {
			delay := Backoff(attempt, m.opts.InitialBackoff, m.opts.MaxBackoff)
			if err := m.sleep(ctx, delay); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		conn, handle, err := m.handshake(ctx, credential)
		if err == nil {
			if !m.attach(gen, conn, handle) {
				conn.Close()
				return
			}
			log.Printf("Reconnected on attempt %d (connection %s)", attempt, handle.ConnectionID)
			m.emit(Event{Kind: EventReconnected, Attempt: attempt, Handle: handle})
			m.start(ctx, gen, conn)
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.fail(gen, Event{Kind: EventAuthFailed, Attempt: attempt, Err: err})
			return
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		log.Printf("Reconnect attempt %d/%d failed: %v", attempt, m.opts.MaxAttempts, err)
	}

	m.fail(gen, Event{Kind: EventReconnectFailed, Attempt: m.opts.MaxAttempts, Err: lastErr})
}

// nextAttempt records one more attempt for generation gen and returns its
// number, or 0 once gen is stale.
func (m *Manager) nextAttempt(gen uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return 0
	}
	m.attempts++
	return m.attempts
}

func (m *Manager) fail(gen uint64, event Event) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	stop := m.stop
	m.stop = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.emit(event)
}

// handshake dials and waits for connection_established, bounded by the
// handshake timeout.
func (m *Manager) handshake(ctx context.Context, credential string) (Conn, *Handle, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(hctx, credential)
	if err != nil {
		return nil, nil, classify("dial", err)
	}

	type result struct {
		msg domain.WebSocketMessage
		err error
	}
	first := make(chan result, 1)
	go func() {
		msg, err := conn.ReadMessage()
		first <- result{msg: msg, err: err}
	}()

	select {
	case <-hctx.Done():
		conn.Close()
		return nil, nil, &NetworkError{Op: "handshake", Err: hctx.Err()}
	case r := <-first:
		if r.err != nil {
			conn.Close()
			return nil, nil, classify("handshake", r.err)
		}
		if r.msg.Type != domain.EventConnectionEstablished {
			conn.Close()
			return nil, nil, &ProtocolError{Type: r.msg.Type, Reason: "expected connection_established"}
		}

		var payload domain.ConnectionEstablishedPayload
		if err := r.msg.ParseData(&payload); err != nil {
			conn.Close()
			return nil, nil, &ProtocolError{Type: r.msg.Type, Reason: "bad payload", Err: err}
		}
		return conn, &Handle{
			Identity:     payload.Identity,
			ConnectionID: payload.ConnectionID,
			Instance:     payload.Instance,
		}, nil
	}
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	case <-m.done:
	}
}

func classify(op string, err error) error {
	var (
		authErr    *AuthError
		networkErr *NetworkError
		protoErr   *ProtocolError
	)
	if errors.As(err, &authErr) || errors.As(err, &networkErr) || errors.As(err, &protoErr) {
		return err
	}
	return &NetworkError{Op: op, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
