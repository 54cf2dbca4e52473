package capnweb

import (
	"sync"
	"time"
)

// Status identifies the phase of the connection lifecycle.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusDisconnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState is a snapshot of the lifecycle manager's state. Exactly one
// Status is active at a time; the remaining fields qualify it:
// Attempt is set for connecting and reconnecting states (0 means the initial
// connect), NextRetryIn is set while a retry is scheduled, and Reason is set
// when disconnected.
type ConnectionState struct {
	Status      Status
	Attempt     uint
	NextRetryIn time.Duration
	Reason      string
}

// Connecting reports the connect phase of attempt n (0 = initial connect).
func Connecting(attempt uint) ConnectionState {
	return ConnectionState{Status: StatusConnecting, Attempt: attempt}
}

// Connected reports an open channel with a bound session.
func Connected() ConnectionState {
	return ConnectionState{Status: StatusConnected}
}

// Reconnecting reports a scheduled retry: attempt n fires in nextRetryIn.
func Reconnecting(attempt uint, nextRetryIn time.Duration) ConnectionState {
	return ConnectionState{Status: StatusReconnecting, Attempt: attempt, NextRetryIn: nextRetryIn}
}

// Disconnected reports a lost channel with no retry currently scheduled.
func Disconnected(reason string) ConnectionState {
	return ConnectionState{Status: StatusDisconnected, Reason: reason}
}

// Closed reports user-initiated shutdown. Terminal.
func Closed() ConnectionState {
	return ConnectionState{Status: StatusClosed}
}

// StateListener observes connection state transitions.
type StateListener func(state ConnectionState)

// stateNotifier stores the current connection state and fans transitions out
// to subscribers. setState only queues a notification round; flush delivers
// queued rounds in order with no locks held, so a listener may freely call
// back into the notifier or its owner.
type stateNotifier struct {
	mu         sync.Mutex
	state      ConnectionState
	listeners  map[uint64]StateListener
	nextID     uint64
	queue      []ConnectionState
	delivering bool
}

func newStateNotifier(initial ConnectionState) *stateNotifier {
	return &stateNotifier{
		state:     initial,
		listeners: make(map[uint64]StateListener),
	}
}

// current returns the stored state.
func (n *stateNotifier) current() ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// setState stores next and queues one notification round. Every call that
// changes the stored value queues exactly one round; nothing is delivered
// until flush.
func (n *stateNotifier) setState(next ConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == next {
		return
	}

	n.state = next
	n.queue = append(n.queue, next)
}

// flush delivers queued notification rounds in order. Listeners run with no
// notifier lock held. A single caller drains the queue at a time; a flush
// that loses that race returns immediately and the draining caller picks up
// the newly queued rounds, which keeps delivery strictly ordered.
func (n *stateNotifier) flush() {
	n.mu.Lock()

	if n.delivering {
		n.mu.Unlock()

		return
	}

	n.delivering = true

	for len(n.queue) > 0 {
		state := n.queue[0]
		n.queue = n.queue[1:]

		listeners := make([]StateListener, 0, len(n.listeners))
		for _, fn := range n.listeners {
			listeners = append(listeners, fn)
		}
		n.mu.Unlock()

		for _, fn := range listeners {
			fn(state)
		}

		n.mu.Lock()
	}

	n.delivering = false
	n.mu.Unlock()
}

// subscribe registers a listener. The listener is handed the state at
// registration time, then every subsequent transition; the replay runs with
// no lock held. The returned function removes the listener; calling it more
// than once is a no-op.
func (n *stateNotifier) subscribe(fn StateListener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	state := n.state
	n.mu.Unlock()

	fn(state)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		delete(n.listeners, id)
	}
}
