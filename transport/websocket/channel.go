// Package websocket provides a gorilla/websocket backed channel for the
// capnweb session manager.
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	capnweb "github.com/itaylor/react-capnweb"
	"github.com/itaylor/react-capnweb/errors"
)

// Config tunes the websocket channel.
type Config struct {
	// HandshakeTimeout bounds the dial, including the upgrade exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit caps inbound message size in bytes. Zero means unlimited.
	ReadLimit int64 `yaml:"read_limit"`
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Channel is a websocket-backed capnweb.Channel. A channel carries exactly
// one connection attempt; the session manager creates a fresh one for every
// reconnect.
type Channel struct {
	endpoint string
	config   Config

	mu      sync.Mutex
	conn    *websocket.Conn
	opened  bool
	closed  bool
	onOpen  []func()
	onError []func(error)
	onClose []func(reason string)
	onMsg   []func([]byte)

	closeOnce sync.Once
}

var _ capnweb.Channel = (*Channel)(nil)

// NewChannel creates an unopened channel for the given ws:// or wss://
// endpoint.
func NewChannel(endpoint string, config Config) *Channel {
	return &Channel{endpoint: endpoint, config: config}
}

// Factory returns a capnweb.ChannelFactory producing channels with the given
// configuration.
func Factory(config Config) capnweb.ChannelFactory {
	return func(endpoint string) (capnweb.Channel, error) {
		return NewChannel(endpoint, config), nil
	}
}

// Open dials the endpoint in the background. The open or close signal is
// delivered through the registered handlers.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()

		return
	}

	c.opened = true
	c.mu.Unlock()

	go c.dial()
}

func (c *Channel) dial() {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}

	conn, resp, err := dialer.Dial(c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		c.emitError(err)
		c.deliverClose(err.Error())

		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()

		return
	}

	c.conn = conn
	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}

	openHandlers := append([]func(){}, c.onOpen...)
	c.mu.Unlock()

	for _, fn := range openHandlers {
		fn()
	}

	c.readPump(conn)
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emitError(err)
			}

			c.deliverClose(err.Error())

			return
		}

		c.mu.Lock()
		handlers := append([]func([]byte){}, c.onMsg...)
		c.mu.Unlock()

		for _, fn := range handlers {
			fn(payload)
		}
	}
}

// Send writes one text frame. Fails when the channel is not yet open or
// already closed.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return errors.ErrChannelClosed("send on closed channel")
	}

	if conn == nil {
		return errors.ErrNotConnected("send")
	}

	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.ErrChannelClosed(err.Error())
	}

	return nil
}

// Close tears the connection down. Idempotent; the close signal is delivered
// to handlers exactly once whether the close is local or remote.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}

	c.deliverClose("closed locally")

	return nil
}

// OnOpen registers an open handler. Registration is additive.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onOpen = append(c.onOpen, fn)
}

// OnError registers an error handler. Registration is additive.
func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onError = append(c.onError, fn)
}

// OnClose registers a close handler. Registration is additive.
func (c *Channel) OnClose(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onClose = append(c.onClose, fn)
}

// OnMessage registers a message handler. Registration is additive.
func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMsg = append(c.onMsg, fn)
}

func (c *Channel) emitError(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}

func (c *Channel) deliverClose(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		handlers := append([]func(string){}, c.onClose...)
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		// Delivered off the caller's goroutine: Close may be invoked from
		// inside a handler that the session manager runs under its lock.
		go func() {
			for _, fn := range handlers {
				fn(reason)
			}
		}()
	})
}
