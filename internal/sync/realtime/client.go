// Package realtime maintains the websocket link to the central system that
// the status monitor uses to decide whether the store is online.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/outletsync/internal/logging"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second

	writeWait = 10 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialer.HandshakeTimeout = d
		}
	}
}

// WithPingInterval sets how often keepalive pings are sent. The read
// deadline is twice this interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithHeader adds headers to the handshake request, e.g. store credentials.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithMessageHandler receives every text or binary frame from the server.
func WithMessageHandler(fn func([]byte)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// Client is a reconnectable websocket connection.
type Client struct {
	url          string
	dialer       *websocket.Dialer
	header       http.Header
	pingInterval time.Duration
	onMessage    func([]byte)

	mu        sync.Mutex
	conn      *websocket.Conn
	stop      chan struct{}
	connected atomic.Bool
}

// New creates a disconnected Client for url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the server address.
func (c *Client) URL() string {
	return c.url
}

// IsConnected reports whether the link is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect (re)dials the server, replacing any existing connection. It
// returns whether the link is up afterwards.
func (c *Client) Connect(ctx context.Context) bool {
	if c.url == "" {
		logging.Debug("Realtime URL not configured", nil)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logging.Warn("Realtime connection failed",
			map[string]interface{}{"url": c.url, "error": err.Error()})
		return false
	}

	stop := make(chan struct{})
	c.conn = conn
	c.stop = stop
	c.connected.Store(true)

	go c.readLoop(conn, stop)
	go c.pingLoop(conn, stop)

	logging.Info("Realtime connection established", map[string]interface{}{"url": c.url})
	return true
}

// Close drops the connection. The client may Connect again later.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	close(c.stop)
	conn := c.conn
	c.conn = nil
	c.stop = nil
	c.connected.Store(false)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}

// lost marks conn as gone unless it has already been replaced.
func (c *Client) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	close(c.stop)
	c.conn = nil
	c.stop = nil
	c.connected.Store(false)
	conn.Close()

	fields := map[string]interface{}{"url": c.url}
	if err != nil {
		fields["error"] = err.Error()
	}
	logging.Warn("Realtime connection lost", fields)
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	readWait := 2 * c.pingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				// closed locally
			default:
				c.lost(conn, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.lost(conn, err)
				return
			}
		}
	}
}
