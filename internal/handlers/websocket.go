package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	joinWait       = 15 * time.Second
	sendBufferSize = 64
)

// socketClient is a live websocket participant handle. It satisfies
// registry.SocketSender; the registry pushes routed messages into Send and
// writePump drains them onto the wire.
type socketClient struct {
	callID string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

func (c *socketClient) Push(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// SocketHandler serves the websocket signaling endpoint. The first client
// frame after the upgrade must be a join-call; everything after is routed
// through the registry.
type SocketHandler struct {
	registry *registry.Registry
	validate CallValidator
	logger   *zap.Logger
}

// CallValidator resolves a call identifier (id or join code) against the
// persisted call records and reports whether the call exists.
type CallValidator func(identifier string) (string, *models.CallMetadata, error)

func NewSocketHandler(reg *registry.Registry, validate CallValidator, logger *zap.Logger) *SocketHandler {
	return &SocketHandler{registry: reg, validate: validate, logger: logger}
}

// HandleSignaling handles websocket connections for call signaling
func (h *SocketHandler) HandleSignaling(c *gin.Context) {
	identifier := c.Param("callId")
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callId is required"})
		return
	}

	callID, _, err := h.validate(identifier)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The join-call frame carries the sender's identity; without it we
	// cannot register the participant.
	conn.SetReadDeadline(time.Now().Add(joinWait))
	var join models.SignalMessage
	if err := conn.ReadJSON(&join); err != nil || join.Type != models.SignalTypeJoinCall {
		h.logger.Warn("expected join-call as first frame",
			zap.String("callId", callID), zap.Error(err))
		conn.Close()
		return
	}

	client := &socketClient{
		callID: callID,
		userID: join.UserID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: h.logger.With(zap.String("callId", callID), zap.String("userId", join.UserID)),
	}

	if err := h.registry.Join(callID, join.UserID, client); err != nil {
		client.logger.Warn("join rejected", zap.Error(err))
		conn.WriteJSON(models.SignalMessage{
			Type:   models.SignalTypeCaptureError,
			CallID: callID,
			Data:   json.RawMessage(`{"error":"` + err.Error() + `"}`),
		})
		conn.Close()
		return
	}

	client.logger.Info("socket participant connected")

	go client.writePump()
	go client.readPump(h.registry)
}

func (c *socketClient) readPump(reg *registry.Registry) {
	defer func() {
		reg.DetachSocket(c.callID, c.userID, c)
		c.conn.Close()
		c.logger.Info("socket participant disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("malformed frame dropped", zap.Error(err))
			continue
		}

		// The connection is authoritative for sender identity.
		msg.UserID = c.userID
		msg.CallID = c.callID
		msg.Transport = models.TransportWebSocket

		switch msg.Type {
		case models.SignalTypeJoinCall:
			// Re-join on an already-open socket refreshes liveness.
			if err := reg.Join(c.callID, c.userID, c); err != nil {
				c.logger.Warn("re-join rejected", zap.Error(err))
			}
		case models.SignalTypeLeaveCall:
			reg.Leave(c.callID, c.userID)
			return
		default:
			if err := reg.Send(msg); err != nil {
				c.logger.Warn("route failed", zap.String("type", string(msg.Type)), zap.Error(err))
			}
		}
	}
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
