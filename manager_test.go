package capnweb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itaylor/react-capnweb/backoff"
	"github.com/itaylor/react-capnweb/errors"
)

// fakeChannel is a scripted channel: the test drives the open, error and
// close signals by hand.
type fakeChannel struct {
	mu      sync.Mutex
	opened  chan struct{}
	closed  bool
	sent    [][]byte
	onOpen  []func()
	onError []func(error)
	onClose []func(string)
	onMsg   []func([]byte)

	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{opened: make(chan struct{})}
}

func (c *fakeChannel) Open() {
	close(c.opened)
}

func (c *fakeChannel) Close() error {
	c.fireClose("closed locally")

	return nil
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrChannelClosed("send on closed channel")
	}

	c.sent = append(c.sent, data)

	return nil
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onOpen = append(c.onOpen, fn)
}

func (c *fakeChannel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onError = append(c.onError, fn)
}

func (c *fakeChannel) OnClose(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onClose = append(c.onClose, fn)
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMsg = append(c.onMsg, fn)
}

// awaitOpened blocks until the manager has registered its handlers and
// called Open.
func (c *fakeChannel) awaitOpened(t *testing.T) {
	t.Helper()

	select {
	case <-c.opened:
	case <-time.After(time.Second):
		t.Fatal("channel was never opened")
	}
}

func (c *fakeChannel) fireOpen() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onOpen...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (c *fakeChannel) fireError(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}

func (c *fakeChannel) fireClose(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		handlers := append([]func(string){}, c.onClose...)
		c.mu.Unlock()

		go func() {
			for _, fn := range handlers {
				fn(reason)
			}
		}()
	})
}

// fakeFactory hands each created channel to the test.
func fakeFactory() (ChannelFactory, chan *fakeChannel) {
	created := make(chan *fakeChannel, 16)

	factory := func(endpoint string) (Channel, error) {
		ch := newFakeChannel()
		created <- ch

		return ch, nil
	}

	return factory, created
}

func nextChannel(t *testing.T, created chan *fakeChannel) *fakeChannel {
	t.Helper()

	select {
	case ch := <-created:
		ch.awaitOpened(t)

		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("no channel was created")

		return nil
	}
}

// scriptSession is a trivial session whose stub reports the session's id.
type scriptSession struct {
	id int

	mu       sync.Mutex
	disposed bool
}

func (s *scriptSession) Stub() Stub { return s }

func (s *scriptSession) Call(_ context.Context, _ string, _ ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, errors.ErrSessionDisposed("")
	}

	return s.id, nil
}

func (s *scriptSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disposed = true
}

func (s *scriptSession) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.disposed
}

// scriptBinder numbers the sessions it creates.
func scriptBinder() (SessionBinder, *[]*scriptSession, *sync.Mutex) {
	var mu sync.Mutex

	sessions := []*scriptSession{}

	binder := func(ch Channel, opts SessionOptions) (Session, error) {
		mu.Lock()
		defer mu.Unlock()

		s := &scriptSession{id: len(sessions) + 1}
		sessions = append(sessions, s)

		return s, nil
	}

	return binder, &sessions, &mu
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) listen(state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, state)
}

func (r *stateRecorder) snapshot() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]ConnectionState{}, r.states...)
}

func (r *stateRecorder) last() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.states) == 0 {
		return ConnectionState{Status: Status(-1)}
	}

	return r.states[len(r.states)-1]
}

func TestNew_RequiresChannelFactory(t *testing.T) {
	_, err := New("ws://example", Options{})
	require.Error(t, err)

	var coded *errors.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, errors.CodeConfigError, coded.Code)
}

func TestManager_ConnectTransitionsToConnected(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	connected := make(chan struct{})

	m, err := New("ws://example", Options{
		ChannelFactory: factory,
		SessionBinder:  binder,
		OnConnected:    func() { close(connected) },
	})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, StatusConnecting, m.State().Status)

	ch := nextChannel(t, created)
	ch.fireOpen()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected was never invoked")
	}

	assert.Equal(t, Connected(), m.State())
}

func TestManager_ReconnectsAfterChannelLoss(t *testing.T) {
	factory, created := fakeFactory()
	binder, sessions, sessionsMu := scriptBinder()

	rec := &stateRecorder{}

	m, err := New("ws://example", Options{
		ChannelFactory:  factory,
		SessionBinder:   binder,
		Retries:         3,
		BackoffStrategy: backoff.Fixed(time.Millisecond),
	})
	require.NoError(t, err)
	defer m.Close()

	unsubscribe := m.SubscribeState(rec.listen)
	defer unsubscribe()

	ch1 := nextChannel(t, created)
	ch1.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	ch1.fireClose("read error")

	ch2 := nextChannel(t, created)
	ch2.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	states := rec.snapshot()
	assert.Contains(t, states, Disconnected("read error"))
	assert.Contains(t, states, Reconnecting(1, time.Millisecond))
	assert.Contains(t, states, Connecting(1))

	sessionsMu.Lock()
	defer sessionsMu.Unlock()

	require.Len(t, *sessions, 2)
	assert.True(t, (*sessions)[0].isDisposed(), "replaced session must be disposed")
	assert.False(t, (*sessions)[1].isDisposed())
}

func TestManager_RetryCountResetsAfterSuccessfulReconnect(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	var attempts []uint

	var mu sync.Mutex

	m, err := New("ws://example", Options{
		ChannelFactory:  factory,
		SessionBinder:   binder,
		Retries:         2,
		BackoffStrategy: backoff.Fixed(time.Millisecond),
		OnReconnecting: func(attempt uint) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 3; i++ {
		ch := nextChannel(t, created)
		ch.fireOpen()

		assert.Eventually(t, func() bool {
			return m.State() == Connected()
		}, time.Second, time.Millisecond)

		ch.fireClose("read error")
	}

	nextChannel(t, created).fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []uint{1, 1, 1}, attempts, "a successful open must reset the retry budget")
}

func TestManager_GivesUpAfterMaxRetries(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	rec := &stateRecorder{}
	failed := make(chan struct{})

	m, err := New("ws://example", Options{
		ChannelFactory:    factory,
		SessionBinder:     binder,
		Retries:           2,
		BackoffStrategy:   backoff.Fixed(time.Millisecond),
		OnReconnectFailed: func() { close(failed) },
	})
	require.NoError(t, err)
	defer m.Close()

	unsubscribe := m.SubscribeState(rec.listen)
	defer unsubscribe()

	// Never let any channel open; fail each attempt immediately.
	for i := 0; i < 3; i++ {
		ch := nextChannel(t, created)
		ch.fireClose("connection refused")
	}

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnectFailed was never invoked")
	}

	assert.Equal(t, Disconnected("Max retries reached"), m.State())

	states := rec.snapshot()
	assert.Contains(t, states, Reconnecting(1, time.Millisecond))
	assert.Contains(t, states, Reconnecting(2, time.Millisecond))
	assert.NotContains(t, states, Reconnecting(3, time.Millisecond))

	select {
	case <-created:
		t.Fatal("no further connection attempts expected after giving up")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_StableHandleFollowsCurrentSession(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	m, err := New("ws://example", Options{
		ChannelFactory:  factory,
		SessionBinder:   binder,
		Retries:         3,
		BackoffStrategy: backoff.Fixed(time.Millisecond),
	})
	require.NoError(t, err)
	defer m.Close()

	stub := m.Stub()

	ch1 := nextChannel(t, created)
	ch1.fireOpen()

	value, err := stub.Call(context.Background(), "whoami")
	require.NoError(t, err)
	assert.Equal(t, 1, value)

	ch1.fireClose("read error")

	ch2 := nextChannel(t, created)
	ch2.fireOpen()

	assert.Eventually(t, func() bool {
		v, callErr := stub.Call(context.Background(), "whoami")

		return callErr == nil && v == 2
	}, time.Second, time.Millisecond, "the same stub must route to the replacement session")
}

func TestManager_ConnectTimeoutTriggersReconnect(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	m, err := New("ws://example", Options{
		ChannelFactory:  factory,
		SessionBinder:   binder,
		Timeout:         20 * time.Millisecond,
		Retries:         1,
		BackoffStrategy: backoff.Fixed(time.Hour),
	})
	require.NoError(t, err)
	defer m.Close()

	// The channel is created but never opens.
	nextChannel(t, created)

	assert.Eventually(t, func() bool {
		return m.State().Status == StatusReconnecting
	}, time.Second, time.Millisecond)
}

func TestManager_CloseIsTerminalAndIdempotent(t *testing.T) {
	factory, created := fakeFactory()
	binder, sessions, sessionsMu := scriptBinder()

	m, err := New("ws://example", Options{
		ChannelFactory: factory,
		SessionBinder:  binder,
	})
	require.NoError(t, err)

	ch := nextChannel(t, created)
	ch.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, Closed(), m.State())

	sessionsMu.Lock()
	first := (*sessions)[0]
	sessionsMu.Unlock()
	assert.True(t, first.isDisposed())

	// The lost-channel signal from our own close must not restart the
	// reconnect loop.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Closed(), m.State())

	_, err = m.Stub().Call(context.Background(), "whoami")
	assert.True(t, errors.IsSessionDisposed(err))
}

func TestManager_CallRoutedToDisposedSessionFails(t *testing.T) {
	factory, created := fakeFactory()

	binderCalled := make(chan struct{})
	binder := func(ch Channel, opts SessionOptions) (Session, error) {
		defer close(binderCalled)

		return &scriptSession{id: 1, disposed: true}, nil
	}

	m, err := New("ws://example", Options{
		ChannelFactory: factory,
		SessionBinder:  binder,
	})
	require.NoError(t, err)
	defer m.Close()

	nextChannel(t, created)

	<-binderCalled

	_, err = m.Stub().Call(context.Background(), "whoami")
	assert.True(t, errors.IsSessionDisposed(err))
}

func TestManager_CallbackPanicDoesNotBreakLifecycle(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	m, err := New("ws://example", Options{
		ChannelFactory:  factory,
		SessionBinder:   binder,
		Retries:         3,
		BackoffStrategy: backoff.Fixed(time.Millisecond),
		OnConnected:     func() { panic("observer bug") },
		OnDisconnected:  func(string) { panic("observer bug") },
	})
	require.NoError(t, err)
	defer m.Close()

	ch1 := nextChannel(t, created)
	ch1.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	ch1.fireClose("read error")

	ch2 := nextChannel(t, created)
	ch2.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)
}

func TestManager_StaleChannelErrorDoesNotCancelConnectTimer(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	m, err := New("ws://example", Options{
		ChannelFactory:  factory,
		SessionBinder:   binder,
		Timeout:         50 * time.Millisecond,
		Retries:         5,
		BackoffStrategy: backoff.Fixed(time.Millisecond),
	})
	require.NoError(t, err)
	defer m.Close()

	ch1 := nextChannel(t, created)
	ch1.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	ch1.fireClose("read error")

	// The replacement channel never opens; only its connect timer can move
	// the lifecycle forward.
	nextChannel(t, created)

	// A late error signal from the dead channel must be ignored.
	ch1.fireError(errors.ErrChannelClosed("stale read error"))

	// The timer fires, closes the stalled channel and a third attempt starts.
	nextChannel(t, created)
}

func TestManager_CloseFromDisconnectedCallback(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	var m *SessionManager

	closeDone := make(chan error, 1)

	m, err := New("ws://example", Options{
		ChannelFactory:  factory,
		SessionBinder:   binder,
		Retries:         3,
		BackoffStrategy: backoff.Fixed(time.Hour),
		OnDisconnected: func(string) {
			closeDone <- m.Close()
		},
	})
	require.NoError(t, err)
	defer m.Close()

	ch := nextChannel(t, created)
	ch.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	ch.fireClose("read error")

	select {
	case closeErr := <-closeDone:
		require.NoError(t, closeErr)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from the OnDisconnected callback never returned")
	}

	assert.Equal(t, Closed(), m.State())

	select {
	case <-created:
		t.Fatal("no reconnect attempt expected after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_StateListenerMayCallBackIntoManager(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	m, err := New("ws://example", Options{
		ChannelFactory: factory,
		SessionBinder:  binder,
	})
	require.NoError(t, err)
	defer m.Close()

	var mu sync.Mutex

	var observed []Status

	unsubscribe := m.SubscribeState(func(ConnectionState) {
		current := m.State()

		mu.Lock()
		observed = append(observed, current.Status)
		mu.Unlock()
	})
	defer unsubscribe()

	ch := nextChannel(t, created)
	ch.fireOpen()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		for _, status := range observed {
			if status == StatusConnected {
				return true
			}
		}

		return false
	}, time.Second, time.Millisecond, "the listener must be able to read manager state")
}

func TestManager_SubscribeStateReplaysCurrent(t *testing.T) {
	factory, created := fakeFactory()
	binder, _, _ := scriptBinder()

	m, err := New("ws://example", Options{
		ChannelFactory: factory,
		SessionBinder:  binder,
	})
	require.NoError(t, err)
	defer m.Close()

	ch := nextChannel(t, created)
	ch.fireOpen()

	assert.Eventually(t, func() bool {
		return m.State() == Connected()
	}, time.Second, time.Millisecond)

	rec := &stateRecorder{}

	unsubscribe := m.SubscribeState(rec.listen)
	defer unsubscribe()

	assert.Equal(t, Connected(), rec.last())
}
