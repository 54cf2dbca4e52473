package capnweb

import (
	"time"

	"github.com/itaylor/react-capnweb/backoff"
	"github.com/itaylor/react-capnweb/logger"
)

// Options configures a SessionManager. The zero value is usable; unset
// fields are normalized to the documented defaults.
type Options struct {
	// Timeout bounds how long a single connection attempt may remain
	// unresolved before the channel is forcibly closed.
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the maximum number of reconnection attempts before the
	// manager gives up and stays disconnected.
	Retries uint `yaml:"retries"`

	// BackoffStrategy computes the delay before retry attempt n (n >= 1).
	// Defaults to backoff.Default(). Negative results are clamped to zero.
	BackoffStrategy backoff.Strategy `yaml:"-"`

	// LocalCallable is exposed to the remote peer for reverse calls.
	LocalCallable any `yaml:"-"`

	// ChannelFactory creates the underlying duplex channel. Required.
	ChannelFactory ChannelFactory `yaml:"-"`

	// SessionBinder binds an RPC session to an opened channel.
	// Defaults to BindJSONSession.
	SessionBinder SessionBinder `yaml:"-"`

	// Lifecycle observation callbacks. Invoked at most once per corresponding
	// event; panics inside a callback are recovered and logged.
	OnConnected       func()              `yaml:"-"`
	OnDisconnected    func(reason string) `yaml:"-"`
	OnReconnecting    func(attempt uint)  `yaml:"-"`
	OnReconnectFailed func()              `yaml:"-"`

	Logger  logger.Logger `yaml:"-"`
	Metrics Metrics       `yaml:"-"`
}

// Default option values.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxRetries     = 10
)

// DefaultOptions returns the standard configuration: 5s connect timeout,
// 10 retries, exponential backoff with jitter.
func DefaultOptions() Options {
	return Options{
		Timeout:         DefaultConnectTimeout,
		Retries:         DefaultMaxRetries,
		BackoffStrategy: backoff.Default(),
	}
}

// normalized fills unset fields with defaults.
func (o Options) normalized() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultConnectTimeout
	}

	if o.Retries == 0 {
		o.Retries = DefaultMaxRetries
	}

	if o.BackoffStrategy == nil {
		o.BackoffStrategy = backoff.Default()
	}

	if o.SessionBinder == nil {
		o.SessionBinder = BindJSONSession
	}

	if o.Logger == nil {
		o.Logger = logger.NewNoopLogger()
	}

	if o.Metrics == nil {
		o.Metrics = NewNoOpMetrics()
	}

	return o
}
