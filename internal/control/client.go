package control

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("control socket not connected")

// ClientConfig configures the outbound control connection.
type ClientConfig struct {
	URL string
	// Token is sent as a bearer authorization header.
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps a websocket connection to the control server open and
// reconnects when it drops. Every dropped connection is reported to the
// handler as a disconnect.
type Client struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	handler Handler
	log     hclog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ Sender = (*Client)(nil)

func NewClient(cfg ClientConfig, log hclog.Logger) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		log: log,
	}
}

// SetHandler sets the receiver of inbound frames.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.log.Info("connected to socket server", "url", c.cfg.URL)
		c.serve(ctx, conn)
		c.log.Info("disconnected from socket server")

		if c.handler != nil {
			dctx, cancel := context.WithTimeout(context.Background(), writeWait)
			c.handler.Disconnected(dctx)
			cancel()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		var resp *http.Response
		var err error
		conn, resp, err = c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				c.log.Error("control server rejected credentials", "status", resp.StatusCode)
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("control socket dial failed, retrying", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, errors.Wrap(err, "dial control socket")
	}
	return conn, nil
}

// serve reads frames until the connection drops or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepAlive(connCtx, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("control socket read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if c.handler != nil {
			c.handler.Handle(connCtx, data)
		}
	}
}

// keepAlive pings the server and closes the connection when ctx ends so the
// blocked read returns.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping failed", "error", err)
			}
		}
	}
}

// Send writes a text frame to the current connection.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, data), "write control frame")
}
