package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/audit"
	"rollcall/internal/device"
)

type registerDeviceRequest struct {
	Name string `json:"name" binding:"required"`
}

// RegisterDevice creates a kiosk identity. The secret is returned once
// and never again.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := actorFrom(c)

	dev, err := h.devices.Register(c.Request.Context(), req.Name, actor.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	h.audit.Record(c.Request.Context(), audit.Entry{
		Action:  "device.register",
		ActorID: actor.ID,
		Subject: dev.ID,
		Detail:  map[string]string{"name": dev.Name},
	})

	c.JSON(http.StatusOK, gin.H{"deviceId": dev.ID, "secret": dev.Secret})
}

type syncRequest struct {
	// Events stays raw: the signature is computed over these exact bytes.
	Events    json.RawMessage `json:"events" binding:"required"`
	Signature string          `json:"signature" binding:"required"`
}

// SyncDevice verifies and replays a signed batch of buffered events.
func (h *Handler) SyncDevice(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.devices.Sync(c.Request.Context(), c.Param("id"), req.Events, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded"})
		case errors.Is(err, device.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
		case errors.Is(err, device.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "results": results})
}
