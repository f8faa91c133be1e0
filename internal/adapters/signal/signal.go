// Package signal is the websocket client towards the signaling gateway.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errConnClosed   = errors.New("connection closed")
)

// Handler receives decoded signals and gateway connectivity changes.
type Handler interface {
	Dispatch(ctx context.Context, msg protocol.Message)
	OnGatewayState(connected bool)
}

// WsSignalConn is a websocket with a bounded outbound queue drained by a write pump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func NewWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

// Socket is the underlying websocket; only the pumps touch it.
func (c *WsSignalConn) Socket() *websocket.Conn { return c.conn }

// Outbound is closed by Close.
func (c *WsSignalConn) Outbound() <-chan core.Frame { return c.send }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Client keeps one websocket to the gateway alive and implements core.Gateway.
type Client struct {
	cfg    config.Signaling
	self   domain.UserID
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu   sync.RWMutex
	conn *WsSignalConn
}

func NewClient(cfg config.Signaling, self domain.UserID) *Client {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 10
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &Client{
		cfg:  cfg,
		self: self,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		log: log.With().Str("module", "signal").Str("self", string(self)).Logger(),
	}
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send queues msg on the current socket. It never blocks.
func (c *Client) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return core.ErrNotConnected
	}
	if err := conn.TrySend(frame); err != nil {
		if errors.Is(err, errConnClosed) {
			return core.ErrNotConnected
		}
		return err
	}
	return nil
}

// Run connects and reconnects until ctx is done or the redial budget is spent.
// A successful connection resets the budget; a zero budget never gives up.
func (c *Client) Run(ctx context.Context, h Handler) error {
	failures := 0
	for {
		connected, err := c.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		} else {
			failures++
			c.log.Warn().Err(err).Int("attempt", failures).Msg("dial failed")
		}
		if c.cfg.ReconnectAttempts > 0 && failures >= c.cfg.ReconnectAttempts {
			return fmt.Errorf("%w: gave up after %d attempts: %v", core.ErrNotConnected, failures, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("signaling url: %w", err)
	}
	q := u.Query()
	q.Set("userId", string(c.self))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session runs one connection to completion. connected reports whether the dial succeeded.
func (c *Client) session(ctx context.Context, h Handler) (connected bool, err error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return false, err
	}

	conn := NewWsSignalConn(ws, c.cfg.SendBuffer)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info().Str("url", c.cfg.URL).Msg("connected to gateway")
	h.OnGatewayState(true)

	sctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(sctx, conn)
	}()
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	c.readPump(sctx, conn, h)
	cancel()
	<-writerDone

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.log.Warn().Msg("gateway connection lost")
	h.OnGatewayState(false)
	return true, nil
}
