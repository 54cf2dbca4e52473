package capnweb

import "context"

// Channel is an abstract duplex communication endpoint with open/error/close
// lifecycle signals. Implementations deliver each lifecycle signal at most
// once and must tolerate Close being called at any point, including before
// the open signal.
type Channel interface {
	// Open starts establishing the channel. It must not block; the outcome is
	// reported through the OnOpen/OnError/OnClose handlers.
	Open()

	// Close forcibly tears the channel down. Idempotent. A close signal is
	// delivered to the OnClose handler exactly once per channel lifetime.
	Close() error

	// Send transmits one message. Returns an error if the channel is not open.
	Send(data []byte) error

	// OnOpen registers the handler invoked when the channel becomes open.
	OnOpen(fn func())

	// OnError registers the handler invoked on a transport error. An error
	// signal is always followed by a close signal.
	OnError(fn func(err error))

	// OnClose registers the handler invoked when the channel is lost or torn
	// down. The reason is a human-readable description of the cause.
	OnClose(fn func(reason string))

	// OnMessage registers the handler invoked for each inbound message.
	OnMessage(fn func(data []byte))
}

// ChannelFactory creates an unopened channel for the given endpoint
// descriptor. The lifecycle manager calls Open after registering handlers.
type ChannelFactory func(endpoint string) (Channel, error)

// Stub is the remote call surface of a session.
type Stub interface {
	// Call invokes a remote method. Application-level errors returned by the
	// remote peer propagate unchanged; transport-level failures surface as
	// coded errors.
	Call(ctx context.Context, method string, args ...any) (any, error)
}

// Session is an RPC binding layered over a channel.
type Session interface {
	// Stub returns the session's remote call surface.
	Stub() Stub

	// Dispose releases the session's resources. Pending calls fail with a
	// session disposed error. Idempotent.
	Dispose()
}

// SessionOptions carries per-session configuration into a SessionBinder.
type SessionOptions struct {
	// LocalCallable is exposed to the remote peer for reverse calls.
	LocalCallable any
}

// SessionBinder binds an RPC session to a live channel.
type SessionBinder func(ch Channel, opts SessionOptions) (Session, error)
