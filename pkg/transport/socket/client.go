package socket

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/modernmethod/ethos/pkg/transport"
)

// Client is a minimal synchronous client for the length-prefixed msgpack
// socket protocol, used by cmd/ethosctl and any other out-of-process
// caller that prefers the socket surface over HTTP.
type Client struct {
	path string
	dial time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a Client that connects to the Unix domain socket at
// path on first Call, reusing the connection across subsequent calls.
func NewClient(path string) *Client {
	return &Client{path: path, dial: 5 * time.Second}
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends one framed request and waits for its framed response. On a
// transport-level failure (not an application error) the connection is
// dropped so the next Call reconnects.
func (c *Client) Call(verb string, payload map[string]any) (transport.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("unix", c.path, c.dial)
		if err != nil {
			return transport.Envelope{}, fmt.Errorf("socket client: dial %q: %w", c.path, err)
		}
		c.conn = conn
	}

	req := request{Verb: verb, Payload: payload}
	body, err := msgpack.Marshal(req)
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("socket client: encode request: %w", err)
	}
	if err := writeFrame(c.conn, body); err != nil {
		c.conn.Close()
		c.conn = nil
		return transport.Envelope{}, fmt.Errorf("socket client: write: %w", err)
	}

	frame, err := readFrame(c.conn)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return transport.Envelope{}, fmt.Errorf("socket client: read: %w", err)
	}

	var env transport.Envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return transport.Envelope{}, fmt.Errorf("socket client: decode response: %w", err)
	}
	return env, nil
}
