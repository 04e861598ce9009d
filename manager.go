package authstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenRefreshTimeout bounds a TokenProvider call made before a reconnect.
const tokenRefreshTimeout = 10 * time.Second

// StreamManager owns one logical event stream: it opens connections through
// a Transport, parses and dispatches frames, reconnects with exponential
// backoff, and ends the session on a force-logout event.
//
// Connect and Disconnect follow single-writer discipline: call them from one
// goroutine at a time (calling them from inside a handler is fine). Handlers
// run synchronously on the manager's goroutines and should not block.
// Once Disconnect returns, no further handler is started for the closed
// connection; a handler that was already running on another goroutine may
// still finish, concurrently with the handlers Disconnect itself runs.
type StreamManager struct {
	transport  Transport
	logger     *slog.Logger
	dispatcher *eventDispatcher
	tokens     TokenProvider
	afterFunc  func(d time.Duration, f func()) (stop func() bool)
	now        func() time.Time

	// deliverMu serializes event handling across the pump, timer and
	// watchdog goroutines.
	deliverMu sync.Mutex

	mu           sync.Mutex
	state        ConnectionState
	cfg          StreamConfig
	credential   string
	recon        *reconnector
	gen          uint64 // bumped whenever the current connection or timer is abandoned
	conn         Conn
	connID       string
	stopConn     context.CancelFunc
	stopTimer    func() bool
	lastActivity time.Time
}

// ManagerOption configures a StreamManager.
type ManagerOption func(*StreamManager)

// WithLogger sets the structured logger. Nil selects slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *StreamManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTokenProvider makes every reconnect attempt fetch a fresh credential.
func WithTokenProvider(p TokenProvider) ManagerOption {
	return func(m *StreamManager) { m.tokens = p }
}

// NewStreamManager creates an idle manager that connects through transport.
func NewStreamManager(transport Transport, opts ...ManagerOption) *StreamManager {
	m := &StreamManager{
		transport: transport,
		logger:    slog.Default(),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		now:   time.Now,
		state: StateIdle,
		cfg:   DefaultStreamConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "authstream")
	m.dispatcher = newEventDispatcher(m.logger)
	return m
}

// ============================================================================
// Handler Registration
// ============================================================================

// OnOpen registers a handler called each time the stream becomes Open.
func (m *StreamManager) OnOpen(h func()) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onOpen = append(m.dispatcher.onOpen, h)
	m.dispatcher.mu.Unlock()
}

// OnClose registers a handler called each time the manager enters Closed.
func (m *StreamManager) OnClose(h func()) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onClose = append(m.dispatcher.onClose, h)
	m.dispatcher.mu.Unlock()
}

// OnError registers a handler for MissingCredential and ReconnectExhausted.
func (m *StreamManager) OnError(h ErrorHandler) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onError = append(m.dispatcher.onError, h)
	m.dispatcher.mu.Unlock()
}

// OnMessage registers a handler for every event except heartbeats.
func (m *StreamManager) OnMessage(h func(ParsedEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onMessage = append(m.dispatcher.onMessage, h)
	m.dispatcher.mu.Unlock()
}

// OnForceLogout registers a handler for server-initiated session termination.
func (m *StreamManager) OnForceLogout(h func(message string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onForceLogout = append(m.dispatcher.onForceLogout, h)
	m.dispatcher.mu.Unlock()
}

// OnStateChange registers a connectivity-state observer.
func (m *StreamManager) OnStateChange(h StateHandler) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onStateChange = append(m.dispatcher.onStateChange, h)
	m.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called when a reconnect is scheduled.
// attempt counts from 1.
func (m *StreamManager) OnReconnecting(h func(attempt int, delay time.Duration)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onReconnecting = append(m.dispatcher.onReconnecting, h)
	m.dispatcher.mu.Unlock()
}

// ============================================================================
// Accessors
// ============================================================================

// State returns the current connection state.
func (m *StreamManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastActivity returns when the last frame (including heartbeats) arrived,
// or when the current connection was opened.
func (m *StreamManager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Retry returns a snapshot of the backoff state.
func (m *StreamManager) Retry() RetryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recon == nil {
		return RetryState{NextDelay: m.cfg.BaseDelay}
	}
	return m.recon.state()
}

// ConnectionID identifies the live connection, or "" when there is none.
func (m *StreamManager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

// Connect starts streaming with credential. An empty credential fails with a
// MissingCredential *StreamError and opens nothing. If a connection or
// pending reconnect already exists it is torn down first. A nil cfg selects
// DefaultStreamConfig.
func (m *StreamManager) Connect(credential string, cfg *StreamConfig) error {
	if strings.TrimSpace(credential) == "" {
		err := &StreamError{Kind: MissingCredential, Err: ErrMissingCredential}
		m.logger.Warn("connect rejected", "error", err)
		m.dispatcher.emitError(nil, MissingCredential, err)
		return err
	}

	c := DefaultStreamConfig()
	if cfg != nil {
		c = *cfg
		c.defaults()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid stream config: %w", err)
	}

	var n notifications
	m.mu.Lock()
	conn, cancel := m.detachLocked()
	m.cfg = c
	m.credential = credential
	m.recon = newReconnector(c)
	m.setStateLocked(StateConnecting, &n)
	gen := m.gen
	m.mu.Unlock()

	closeConn(conn, cancel)
	m.logger.Info("connecting", "max_attempts", c.MaxReconnectAttempts, "base_delay", c.BaseDelay)
	n.run()

	m.open(gen, credential)
	return nil
}

// Disconnect closes the stream from any state. Repeated calls are no-ops.
func (m *StreamManager) Disconnect() {
	var n notifications
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	conn, cancel := m.detachLocked()
	m.setStateLocked(StateClosed, &n)
	n.add(m.closeLocked())
	m.mu.Unlock()

	closeConn(conn, cancel)
	m.logger.Info("disconnected")
	n.run()
}

// ============================================================================
// Internal: delivery serialization
// ============================================================================

func (m *StreamManager) withDelivery(fn func()) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	fn()
}

// liveLocked returns a check that holds until the current connection or
// timer is abandoned. Every handler call made for that generation is gated
// on it. Must be called with m.mu held.
func (m *StreamManager) liveLocked() liveFunc {
	gen := m.gen
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.gen == gen
	}
}

// closeLocked must be called with m.mu held.
func (m *StreamManager) closeLocked() func() {
	live := m.liveLocked()
	return func() { m.dispatcher.emitClose(live) }
}

// notifications collects handler invocations decided under m.mu so they can
// run after it is released, in order.
type notifications []func()

func (n *notifications) add(f func()) {
	*n = append(*n, f)
}

func (n notifications) run() {
	for _, f := range n {
		f()
	}
}

// setStateLocked must be called with m.mu held.
func (m *StreamManager) setStateLocked(to ConnectionState, n *notifications) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	live := m.liveLocked()
	n.add(func() { m.dispatcher.emitStateChange(live, from, to) })
}

// detachLocked abandons the current connection and pending timer. The
// returned connection must be closed by the caller after releasing m.mu.
func (m *StreamManager) detachLocked() (Conn, context.CancelFunc) {
	m.gen++
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	conn, cancel := m.conn, m.stopConn
	m.conn = nil
	m.stopConn = nil
	m.connID = ""
	return conn, cancel
}

func closeConn(conn Conn, cancel context.CancelFunc) {
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// ============================================================================
// Internal: connection lifecycle
// ============================================================================

// open starts a transport connection for generation gen.
func (m *StreamManager) open(gen uint64, credential string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := m.transport.Open(ctx, credential)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		closeConn(conn, cancel)
		return
	}
	if err != nil {
		m.mu.Unlock()
		cancel()
		m.fail(gen, fmt.Errorf("open transport: %w", err))
		return
	}
	m.conn = conn
	m.stopConn = cancel
	m.connID = uuid.NewString()
	m.lastActivity = m.now()
	idle := m.cfg.IdleTimeout
	logger := m.logger.With("conn_id", m.connID)
	m.mu.Unlock()

	logger.Debug("transport opened")
	go m.pump(gen, conn, logger)
	if idle > 0 {
		go m.watchdog(ctx, gen, idle, logger)
	}
}

// pump feeds one connection's events through the manager in arrival order.
func (m *StreamManager) pump(gen uint64, conn Conn, logger *slog.Logger) {
	for ev := range conn.Events() {
		keep := true
		m.withDelivery(func() {
			keep = m.handleTransportEvent(gen, ev, logger)
		})
		if !keep {
			return
		}
	}
	m.withDelivery(func() {
		m.fail(gen, ErrStreamEnded)
	})
}

// handleTransportEvent returns false once the connection is finished or
// superseded.
func (m *StreamManager) handleTransportEvent(gen uint64, ev TransportEvent, logger *slog.Logger) bool {
	switch ev.Kind {
	case TransportReady:
		return m.handleReady(gen, logger)
	case TransportFrame:
		return m.handleFrame(gen, ev, logger)
	default:
		cause := ev.Err
		if cause == nil {
			cause = ErrStreamEnded
		}
		logger.Warn("stream error", "kind", ev.Kind, "error", cause)
		m.fail(gen, cause)
		return false
	}
}

func (m *StreamManager) handleReady(gen uint64, logger *slog.Logger) bool {
	var n notifications
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	if m.state != StateConnecting {
		m.mu.Unlock()
		return true
	}
	m.recon.reset()
	m.lastActivity = m.now()
	m.setStateLocked(StateOpen, &n)
	live := m.liveLocked()
	n.add(func() { m.dispatcher.emitOpen(live) })
	m.mu.Unlock()

	logger.Info("stream open")
	n.run()
	return true
}

func (m *StreamManager) handleFrame(gen uint64, tev TransportEvent, logger *slog.Logger) bool {
	receivedAt := tev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = m.now()
	}
	ev := ParseFrame(tev.Frame, receivedAt)

	var n notifications
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	ev.ConnectionID = m.connID
	m.lastActivity = receivedAt

	switch ev.Type {
	case EventHeartbeat:
		m.mu.Unlock()
		logger.Debug("heartbeat")
		return true

	case EventForceLogout:
		msg := ForceLogoutMessage(ev)
		conn, cancel := m.detachLocked()
		from := m.state
		m.state = StateClosed
		live := m.liveLocked()
		m.mu.Unlock()

		closeConn(conn, cancel)
		logger.Warn("force logout received", "message", msg)

		n.add(func() { m.dispatcher.emitMessage(live, ev) })
		n.add(func() { m.dispatcher.emitForceLogout(live, msg) })
		n.add(func() { m.dispatcher.emitStateChange(live, from, StateClosed) })
		n.add(func() { m.dispatcher.emitClose(live) })
		n.run()
		return false

	default:
		live := m.liveLocked()
		m.mu.Unlock()
		if ev.Type == EventUnknown {
			logger.Debug("unparseable frame", "event", ev.Name)
		}
		m.dispatcher.emitMessage(live, ev)
		return true
	}
}

// fail runs the error path for generation gen: schedule a reconnect, or give
// up when the attempt ceiling is reached.
func (m *StreamManager) fail(gen uint64, cause error) {
	var n notifications
	m.mu.Lock()
	if gen != m.gen || (m.state != StateConnecting && m.state != StateOpen) {
		m.mu.Unlock()
		return
	}
	conn, cancel := m.detachLocked()

	if m.recon.exhausted() {
		failures := m.recon.attempt + 1
		err := &StreamError{
			Kind: ReconnectExhausted,
			Err:  fmt.Errorf("%w after %d consecutive failures: %v", ErrReconnectExhausted, failures, cause),
		}
		live := m.liveLocked()
		n.add(func() { m.dispatcher.emitError(live, ReconnectExhausted, err) })
		m.setStateLocked(StateClosed, &n)
		n.add(m.closeLocked())
		m.mu.Unlock()

		closeConn(conn, cancel)
		m.logger.Error("giving up on stream", "failures", failures, "error", cause)
		n.run()
		return
	}

	attempt := m.recon.attempt + 1
	delay := m.recon.next()
	m.setStateLocked(StateReconnecting, &n)
	timerGen := m.gen
	m.stopTimer = m.afterFunc(delay, func() { m.fireReconnect(timerGen) })
	live := m.liveLocked()
	n.add(func() { m.dispatcher.emitReconnecting(live, attempt, delay) })
	m.mu.Unlock()

	closeConn(conn, cancel)
	m.logger.Warn("stream lost, reconnecting", "attempt", attempt, "delay", delay, "error", cause)
	n.run()
}

// fireReconnect is the reconnect timer callback for generation gen.
func (m *StreamManager) fireReconnect(gen uint64) {
	var (
		newGen     uint64
		credential string
		tokens     TokenProvider
		ok         bool
	)
	m.withDelivery(func() {
		var n notifications
		m.mu.Lock()
		if gen != m.gen || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.stopTimer = nil
		m.gen++
		newGen = m.gen
		credential = m.credential
		tokens = m.tokens
		m.setStateLocked(StateConnecting, &n)
		m.mu.Unlock()

		ok = true
		n.run()
	})
	if !ok {
		return
	}

	if tokens != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tokenRefreshTimeout)
		tok, err := tokens.Token(ctx)
		cancel()
		if err == nil && strings.TrimSpace(tok) == "" {
			err = ErrMissingCredential
		}
		if err != nil {
			m.withDelivery(func() {
				m.fail(newGen, fmt.Errorf("refresh token: %w", err))
			})
			return
		}
		m.mu.Lock()
		if newGen == m.gen {
			m.credential = tok
		}
		m.mu.Unlock()
		credential = tok
	}

	m.withDelivery(func() {
		m.open(newGen, credential)
	})
}

// watchdog fails a connection that has been silent for longer than idle.
func (m *StreamManager) watchdog(ctx context.Context, gen uint64, idle time.Duration, logger *slog.Logger) {
	interval := idle / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := gen == m.gen
			silent := m.now().Sub(m.lastActivity)
			m.mu.Unlock()
			if !current {
				return
			}
			if silent > idle {
				logger.Warn("stream stale", "silent_for", silent, "idle_timeout", idle)
				m.withDelivery(func() {
					m.fail(gen, ErrStaleStream)
				})
				return
			}
		}
	}
}
