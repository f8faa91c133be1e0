package signal

import (
	"context"
	"time"

	"github.com/dkeye/Call/internal/protocol"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

func (c *Client) pongWait() time.Duration {
	return c.cfg.PingPeriod * 10 / 9
}

func (c *Client) writePump(ctx context.Context, conn *WsSignalConn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-conn.send:
			if !ok {
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Warn().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *WsSignalConn, h Handler) {
	ws := conn.conn
	if c.cfg.ReadLimit > 0 {
		ws.SetReadLimit(c.cfg.ReadLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		c.log.Debug().Str("event", string(msg.Event())).Str("from", string(msg.Sender())).Msg("signal in")
		h.Dispatch(ctx, msg)
	}
}
