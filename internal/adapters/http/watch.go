package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleWatch(ctx context.Context, c *gin.Context) {
	id := app.WatcherID(c.GetString("client_token"))
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("watcher", string(id)).Msg("new state socket")

	conn := signal.NewWsSignalConn(ws, 32)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(id, conn, cancel)
	if ctl.Orch != nil {
		ctl.Orch.Hello(id)
	}

	go writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}

func writePump(ctx context.Context, c *signal.WsSignalConn) {
	ws := c.Socket()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case data, ok := <-c.Outbound():
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("state write")
				return
			}
		}
	}
}

// readPump only answers pings; it exists to notice the browser going away.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id app.WatcherID, c *signal.WsSignalConn) {
	defer func() {
		cancel()
		ctl.Registry.Unbind(id, c)
		c.Close()
	}()
	ws := c.Socket()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "adapters.http").Str("watcher", string(id)).Msg("state socket closed")
			}
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == "ping" {
			_ = c.TrySend(core.Frame(`{"type":"pong"}`))
		}
	}
}
