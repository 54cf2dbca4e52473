package websocket

import (
	capnweb "github.com/itaylor/react-capnweb"
)

// Dial creates a session manager connected over websocket to the given
// endpoint. The channel factory in opts is overridden; all other options are
// respected.
func Dial(endpoint string, opts capnweb.Options) (*capnweb.SessionManager, error) {
	return DialConfig(endpoint, opts, DefaultConfig())
}

// DialConfig is Dial with explicit channel configuration.
func DialConfig(endpoint string, opts capnweb.Options, config Config) (*capnweb.SessionManager, error) {
	opts.ChannelFactory = Factory(config)

	return capnweb.New(endpoint, opts)
}
