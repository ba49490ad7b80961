// Package client is a headless Tandem WebSocket client. It connects with
// gobwas/ws (the library the server uses), waits for the session:created
// greeting, and lets callers either register handlers per event type or
// wait for the next event of a type.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tandem/server/internal/protocol"
)

// ErrClosed is returned by Expect once the connection is gone.
var ErrClosed = errors.New("client: connection closed")

// maxBacklog bounds the unclaimed events kept per type.
const maxBacklog = 256

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one user connection.
type Client struct {
	conn   net.Conn
	rw     io.ReadWriter
	userID string
	connID string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	backlog  map[string][]json.RawMessage
	changed  chan struct{} // closed and replaced whenever backlog grows

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects as userID and waits for the server greeting. The identity
// travels in the X-User-Id header, as set by an authenticating gateway.
func Dial(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	d := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"X-User-Id": []string{userID}}),
	}
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		rw:       readWriter(conn, br),
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		backlog:  make(map[string][]json.RawMessage),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)
	go c.readLoop()

	raw, err := c.Expect(ctx, protocol.TypeSessionCreated)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("client: await greeting: %w", err)
	}
	var greeting protocol.SessionCreatedMsg
	if err := json.Unmarshal(raw, &greeting); err != nil {
		c.Close()
		return nil, fmt.Errorf("client: decode greeting: %w", err)
	}
	c.connID = greeting.ConnID
	return c, nil
}

// readWriter keeps bytes the handshake already buffered.
func readWriter(conn net.Conn, br *bufio.Reader) io.ReadWriter {
	if br == nil {
		return conn
	}
	return struct {
		io.Reader
		io.Writer
	}{io.MultiReader(br, conn), conn}
}

func (c *Client) UserID() string { return c.userID }

// ConnID is the id the server assigned in session:created.
func (c *Client) ConnID() string { return c.connID }

// Send writes one client event. It is safe for concurrent use.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("client: send %s: %w", msgType, err)
	}
	return nil
}

// On registers a handler for an event type, replacing any previous one.
// Events of that type already waiting for Expect are handed to the handler
// first. Handlers run on the read goroutine and must not block. Events with
// a handler are not kept for Expect.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	queued := c.backlog[msgType]
	delete(c.backlog, msgType)
	c.mu.Unlock()

	for _, raw := range queued {
		handler(raw)
	}
}

// Expect returns the oldest unclaimed event of msgType, waiting for one if
// necessary.
func (c *Client) Expect(ctx context.Context, msgType string) (json.RawMessage, error) {
	for {
		c.mu.Lock()
		if q := c.backlog[msgType]; len(q) > 0 {
			raw := q[0]
			c.backlog[msgType] = q[1:]
			c.mu.Unlock()
			return raw, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		case <-changed:
		}
	}
}

// ExpectInto is Expect followed by decoding into v.
func (c *Client) ExpectInto(ctx context.Context, msgType string, v interface{}) error {
	raw, err := c.Expect(ctx, msgType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("client: decode %s: %w", msgType, err)
	}
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler, ok := c.handlers[env.Type]
		if !ok {
			q := append(c.backlog[env.Type], env.Raw)
			if len(q) > maxBacklog {
				q = q[len(q)-maxBacklog:]
			}
			c.backlog[env.Type] = q
			close(c.changed)
			c.changed = make(chan struct{})
		}
		c.mu.Unlock()

		if ok {
			handler(env.Raw)
		}
	}
}
