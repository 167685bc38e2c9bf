package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/registry"
)

// SignalingHandler serves the HTTP signaling surface used by polling
// clients: single-shot send, long-poll receive and the diagnostic status
// endpoint.
type SignalingHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func NewSignalingHandler(reg *registry.Registry, logger *zap.Logger) *SignalingHandler {
	return &SignalingHandler{registry: reg, logger: logger}
}

// Send handles POST /signaling/send: one SignalMessage per request.
func (h *SignalingHandler) Send(c *gin.Context) {
	var msg models.SignalMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message body"})
		return
	}
	if msg.Type == "" || msg.CallID == "" || msg.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type, callId and userId are required"})
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.Transport = models.TransportPolling

	var err error
	switch msg.Type {
	case models.SignalTypeJoinCall:
		err = h.registry.Join(msg.CallID, msg.UserID, nil)
	case models.SignalTypeLeaveCall:
		h.registry.Leave(msg.CallID, msg.UserID)
	default:
		err = h.registry.Send(msg)
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, models.SendResponse{Success: true, Transport: models.TransportPolling})
	case errors.Is(err, registry.ErrUnknownParticipant):
		// The sender was evicted; it must re-join before sending again.
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
	case errors.Is(err, registry.ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("send failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to route message"})
	}
}

// Poll handles GET /signaling/poll/:callId/:userId. The request is held
// open until a batch is available or the poll timeout elapses.
func (h *SignalingHandler) Poll(c *gin.Context) {
	callID := c.Param("callId")
	userID := c.Param("userId")

	msgs, timedOut, err := h.registry.Poll(c.Request.Context(), callID, userID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownParticipant) {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
			return
		}
		h.logger.Error("poll failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "poll failed"})
		return
	}
	if msgs == nil {
		msgs = []models.SignalMessage{}
	}
	c.JSON(http.StatusOK, models.PollResponse{Messages: msgs, Timeout: timedOut})
}

// Status handles GET /signaling/status.
func (h *SignalingHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Rooms: h.registry.Status()})
}
