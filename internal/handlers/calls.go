package handlers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/redis"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/registry"
)

const (
	joinCodeLength = 6
	callTTL        = 24 * time.Hour
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CallHandler manages persisted call records. The signaling layer only ever
// reads these records; rooms themselves live in the registry.
type CallHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func NewCallHandler(reg *registry.Registry, logger *zap.Logger) *CallHandler {
	return &CallHandler{registry: reg, logger: logger}
}

// CreateCall creates a new call record (requires authentication)
func (h *CallHandler) CreateCall(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	callID := uuid.New().String()
	joinCode := generateJoinCode()

	call := models.CallMetadata{
		ID:        callID,
		Code:      joinCode,
		CreatorID: userID.(string),
		CreatedAt: time.Now(),
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	callData, err := json.Marshal(call)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create call"})
		return
	}

	if err := redisClient.Set(ctx, "call:"+callID, callData, callTTL).Err(); err != nil {
		h.logger.Error("failed to store call record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create call"})
		return
	}

	// Code-to-id mapping for easy lookup
	if err := redisClient.Set(ctx, "code:"+joinCode, callID, callTTL).Err(); err != nil {
		h.logger.Error("failed to store join code", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create call"})
		return
	}

	h.logger.Info("call created",
		zap.String("callId", callID),
		zap.String("code", joinCode),
		zap.String("creator", userID.(string)))

	c.JSON(http.StatusCreated, models.CreateCallResponse{
		CallID: callID,
		Code:   joinCode,
	})
}

// GetCall gets call information by code or id (public)
func (h *CallHandler) GetCall(c *gin.Context) {
	callID, call, err := ValidateCallExists(c.Param("callId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.CallInfoResponse{
		CallMetadata: *call,
		Participants: h.registry.Participants(callID),
	})
}

// DeleteCall deletes a call record (requires authentication and creator)
func (h *CallHandler) DeleteCall(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	callID := c.Param("callId")

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	callData, err := redisClient.Get(ctx, "call:"+callID).Result()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}

	var call models.CallMetadata
	if err := json.Unmarshal([]byte(callData), &call); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse call record"})
		return
	}

	if call.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the call creator can delete the call"})
		return
	}

	redisClient.Del(ctx, "call:"+callID)
	redisClient.Del(ctx, "code:"+call.Code)

	h.logger.Info("call deleted", zap.String("callId", callID), zap.String("by", userID.(string)))

	c.JSON(http.StatusOK, gin.H{"message": "Call deleted"})
}

// generateJoinCode generates a random shareable join code
func generateJoinCode() string {
	code := make([]byte, joinCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// ValidateCallExists resolves a call identifier (join code or id) against
// the persisted records.
func ValidateCallExists(identifier string) (string, *models.CallMetadata, error) {
	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	callID := identifier

	// A 6-char identifier is a join code, anything else is treated as an id
	if len(identifier) == joinCodeLength {
		id, err := redisClient.Get(ctx, "code:"+identifier).Result()
		if err != nil {
			return "", nil, fmt.Errorf("call not found")
		}
		callID = id
	}

	callData, err := redisClient.Get(ctx, "call:"+callID).Result()
	if err != nil {
		return "", nil, fmt.Errorf("call not found")
	}

	var call models.CallMetadata
	if err := json.Unmarshal([]byte(callData), &call); err != nil {
		return "", nil, fmt.Errorf("failed to parse call record")
	}

	return callID, &call, nil
}
