package handler

import (
	"net/http"
	"time"

	"github.com/yourorg/candle-cache/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// StatusStreamHandler pushes process status snapshots over a websocket whenever they change
type StatusStreamHandler struct {
	coordinator *service.Coordinator
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewStatusStreamHandler creates a new status stream handler
func NewStatusStreamHandler(coordinator *service.Coordinator, logger *zap.Logger) *StatusStreamHandler {
	return &StatusStreamHandler{
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream handles a status subscription. The current snapshot is sent on connect.
// GET /candle-cache-status/stream
func (h *StatusStreamHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.coordinator.Subscribe()
	defer unsubscribe()

	// the read loop only watches for the client going away
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	if err := h.send(conn); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case _, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := h.send(conn); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StatusStreamHandler) send(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(h.coordinator.StatusAll()); err != nil {
		h.logger.Debug("Status stream closed", zap.Error(err))
		return err
	}
	return nil
}
