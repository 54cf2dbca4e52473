package capnweb

import (
	"context"
	"sync"
	"time"

	"github.com/itaylor/react-capnweb/backoff"
	"github.com/itaylor/react-capnweb/errors"
	"github.com/itaylor/react-capnweb/logger"
)

// SessionManager owns one logical RPC connection whose underlying channel may
// die and be replaced many times. It opens channels, binds sessions, detects
// failure, schedules bounded backoff-controlled reconnects, and keeps the
// externally visible stub valid across every session swap until Close.
//
// All event handlers, timer callbacks and public methods serialize on one
// mutex, so state mutations never interleave. State notifications and
// lifecycle callbacks are delivered after the mutex is released, so a
// subscriber or callback may call back into the manager.
type SessionManager struct {
	endpoint string
	opts     Options
	logger   logger.Logger
	metrics  Metrics
	state    *stateNotifier

	mu           sync.Mutex
	channel      Channel
	session      Session
	retryCount   uint
	reconnecting bool
	closed       bool
	connectTimer *time.Timer
	retryTimer   *time.Timer
}

// New creates a session manager and starts the initial connection attempt.
// The returned manager is usable immediately; calls made before the channel
// opens fail with a not connected error and succeed after reconnection
// through the same stub.
func New(endpoint string, opts Options) (*SessionManager, error) {
	if opts.ChannelFactory == nil {
		return nil, errors.ErrConfigError("a channel factory is required", nil)
	}

	opts = opts.normalized()

	m := &SessionManager{
		endpoint: endpoint,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		state:    newStateNotifier(Connecting(0)),
	}

	m.mu.Lock()
	callbacks := m.initConnection()
	m.mu.Unlock()
	m.flushEvents(callbacks)

	return m, nil
}

// Stub returns the stable call handle. The handle remains valid across
// session replacement: a caller that obtained it before any reconnect is
// transparently routed to the current session. After Close, calls fail with
// a session disposed error.
func (m *SessionManager) Stub() Stub {
	return &managerStub{m: m}
}

// State returns the current connection state.
func (m *SessionManager) State() ConnectionState {
	return m.state.current()
}

// SubscribeState registers a listener for state transitions. The listener is
// immediately handed the current state, then every subsequent transition, in
// order. Listeners run without the manager lock and may call back into the
// manager. The returned function unsubscribes.
func (m *SessionManager) SubscribeState(fn StateListener) func() {
	return m.state.subscribe(fn)
}

// Close shuts the manager down: pending timers are cancelled, the channel is
// forcibly closed and the session disposed. Terminal and idempotent; a fresh
// manager is required to reconnect.
func (m *SessionManager) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.stopConnectTimer()
	m.stopRetryTimer()

	if m.channel != nil {
		_ = m.channel.Close()
	}

	// The disposed session stays bound so post-close calls surface a coded
	// disposed-session error instead of a nil dereference.
	if m.session != nil {
		m.session.Dispose()
	}

	m.setState(Closed())
	m.logger.Info("session manager closed", logger.String("endpoint", m.endpoint))
	m.mu.Unlock()

	m.state.flush()

	return nil
}

// initConnection opens a fresh channel, arms the connect timeout and binds a
// new session. Caller holds m.mu and delivers the returned callbacks after
// unlocking.
func (m *SessionManager) initConnection() []func() {
	attempt := m.retryCount
	m.setState(Connecting(attempt))
	m.metrics.Counter("rpc_connection_attempts_total", nil).Inc()
	m.logger.Debug("opening channel",
		logger.String("endpoint", m.endpoint),
		logger.Uint("attempt", attempt))

	ch, err := m.opts.ChannelFactory(m.endpoint)
	if err != nil {
		m.logger.Error("channel factory failed", logger.Error(err))

		return m.handleClose(err.Error())
	}

	m.channel = ch

	m.connectTimer = time.AfterFunc(m.opts.Timeout, func() {
		m.onConnectTimeout(ch)
	})

	ch.OnOpen(func() {
		m.onChannelOpen(ch)
	})
	ch.OnError(func(err error) {
		m.onChannelError(ch, err)
	})
	ch.OnClose(func(reason string) {
		m.onChannelClose(ch, reason)
	})

	session, err := m.opts.SessionBinder(ch, SessionOptions{LocalCallable: m.opts.LocalCallable})
	if err != nil {
		m.logger.Error("session binding failed", logger.Error(err))
		_ = ch.Close()

		return nil
	}

	m.session = session

	ch.Open()

	return nil
}

// onConnectTimeout forcibly closes a channel that failed to open in time.
// The close signal, not the timeout itself, drives the failure transition.
func (m *SessionManager) onConnectTimeout(ch Channel) {
	m.mu.Lock()

	if m.closed || m.channel != ch {
		m.mu.Unlock()

		return
	}

	m.connectTimer = nil
	m.logger.Warn("connect timeout elapsed",
		logger.String("endpoint", m.endpoint),
		logger.Duration("timeout", m.opts.Timeout))
	m.mu.Unlock()

	_ = ch.Close()
}

func (m *SessionManager) onChannelOpen(ch Channel) {
	m.mu.Lock()

	if m.closed || m.channel != ch {
		m.mu.Unlock()

		return
	}

	m.retryCount = 0
	m.stopConnectTimer()
	m.setState(Connected())
	m.metrics.Counter("rpc_connections_total", nil).Inc()
	m.logger.Info("channel connected", logger.String("endpoint", m.endpoint))

	callbacks := m.collectCallback("onConnected", m.opts.OnConnected)
	m.mu.Unlock()

	m.flushEvents(callbacks)
}

// onChannelError logs the failure but does not transition: the channel always
// follows an error signal with a close signal, which drives the transition.
// A stale signal from an already-replaced channel is ignored so it cannot
// disarm the live attempt's connect timer.
func (m *SessionManager) onChannelError(ch Channel, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.channel != ch {
		return
	}

	m.stopConnectTimer()
	m.logger.Warn("channel error", logger.Error(err))
}

func (m *SessionManager) onChannelClose(ch Channel, reason string) {
	m.mu.Lock()

	if m.channel != ch {
		m.mu.Unlock()

		return
	}

	callbacks := m.handleClose(reason)
	m.mu.Unlock()

	m.flushEvents(callbacks)
}

// handleClose is the single failure path. Idempotent against duplicate close
// signals and guarded against overlapping reconnect chains. Caller holds
// m.mu and delivers the returned callbacks after unlocking.
func (m *SessionManager) handleClose(reason string) []func() {
	if m.closed || m.reconnecting {
		return nil
	}

	m.stopConnectTimer()
	m.setState(Disconnected(reason))
	m.metrics.Counter("rpc_connection_failures_total", nil).Inc()
	m.logger.Warn("channel lost",
		logger.String("endpoint", m.endpoint),
		logger.String("reason", reason))

	var callbacks []func()
	if cb := m.opts.OnDisconnected; cb != nil {
		callbacks = m.collectCallback("onDisconnected", func() { cb(reason) })
	}

	if m.retryCount >= m.opts.Retries {
		m.setState(Disconnected("Max retries reached"))
		m.logger.Error("reconnect attempts exhausted",
			logger.String("endpoint", m.endpoint),
			logger.Uint("retries", m.opts.Retries))

		return append(callbacks, m.collectCallback("onReconnectFailed", m.opts.OnReconnectFailed)...)
	}

	m.reconnecting = true
	m.retryCount++
	attempt := m.retryCount
	delay := backoff.Clamp(m.opts.BackoffStrategy(attempt))

	m.setState(Reconnecting(attempt, delay))
	m.metrics.Counter("rpc_reconnect_attempts_total", nil).Inc()
	m.logger.Info("reconnect scheduled",
		logger.Uint("attempt", attempt),
		logger.Duration("delay", delay))

	if cb := m.opts.OnReconnecting; cb != nil {
		callbacks = append(callbacks, m.collectCallback("onReconnecting", func() { cb(attempt) })...)
	}

	m.retryTimer = time.AfterFunc(delay, m.onRetryTimer)

	return callbacks
}

// onRetryTimer fires the scheduled reconnect: the old session is disposed and
// a replacement connection is opened.
func (m *SessionManager) onRetryTimer() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return
	}

	m.retryTimer = nil
	m.reconnecting = false

	if m.session != nil {
		m.session.Dispose()
	}

	callbacks := m.initConnection()
	m.mu.Unlock()

	m.flushEvents(callbacks)
}

// currentSession reads the live binding for the stable handle.
func (m *SessionManager) currentSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session
}

func (m *SessionManager) setState(next ConnectionState) {
	m.state.setState(next)
	m.metrics.Gauge("rpc_connection_state", map[string]string{"endpoint": m.endpoint}).Set(float64(next.Status))
}

// flushEvents delivers queued state notifications, then the collected
// lifecycle callbacks, with the manager lock released.
func (m *SessionManager) flushEvents(callbacks []func()) {
	m.state.flush()

	for _, fn := range callbacks {
		fn()
	}
}

// collectCallback wraps a consumer callback for deferred delivery. A panic
// is recovered and logged instead of corrupting the lifecycle.
func (m *SessionManager) collectCallback(name string, fn func()) []func() {
	if fn == nil {
		return nil
	}

	return []func(){func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				m.logger.Error("lifecycle callback panicked",
					logger.String("callback", name),
					logger.Any("panic", recovered))
			}
		}()

		fn()
	}}
}

func (m *SessionManager) stopConnectTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

func (m *SessionManager) stopRetryTimer() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// managerStub forwards every call to whatever session is currently bound.
type managerStub struct {
	m *SessionManager
}

func (s *managerStub) Call(ctx context.Context, method string, args ...any) (any, error) {
	session := s.m.currentSession()
	if session == nil {
		return nil, errors.ErrNotConnected("call to '" + method + "'")
	}

	return session.Stub().Call(ctx, method, args...)
}
