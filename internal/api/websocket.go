package api

import (
	"net/http"
	"time"

	"codeberg.org/mutker/thermalctl/internal/monitor"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// stream pushes the realtime cache to the client: once on connect and then
// after every health evaluation.
func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	feed, unsubscribe := s.deps.Monitor.Subscribe()
	defer unsubscribe()

	s.logger.Debug().Str("client", c.ClientIP()).Msg("WebSocket client connected")

	pongs := make(chan struct{}, 1)
	done := make(chan struct{})
	go s.readPump(conn, pongs, done)

	s.writePump(conn, feed, pongs, done)

	s.logger.Debug().Str("client", c.ClientIP()).Msg("WebSocket client disconnected")
}

// readPump drains client frames until the connection closes. Text "ping"
// messages are answered by the write side.
func (s *Server) readPump(conn *websocket.Conn, pongs chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, feed <-chan monitor.Cache, pongs <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v) == nil
	}

	if !write(wsMessage{Type: "snapshot", Data: s.deps.Monitor.Realtime()}) {
		return
	}

	for {
		select {
		case cache, ok := <-feed:
			if !ok {
				// monitoring stopped
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitoring stopped"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !write(wsMessage{Type: "snapshot", Data: cache}) {
				return
			}
		case <-pongs:
			if !write(wsMessage{Type: "pong"}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}
