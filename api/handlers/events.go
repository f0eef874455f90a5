package handlers

import (
	"net/http"

	"example.com/atlas/services/orchestrator/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// HealthCheck responds with service status
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// EventHandler publishes domain events onto the bus.
type EventHandler struct {
	bus *events.Bus
}

// NewEventHandler creates an event handler.
func NewEventHandler(bus *events.Bus) *EventHandler {
	return &EventHandler{bus: bus}
}

type publishRequest struct {
	Type     string                 `json:"type" binding:"required"`
	TenantID string                 `json:"tenant_id"`
	Payload  map[string]interface{} `json:"payload"`
}

// Publish accepts an event and dispatches it synchronously. Handler failures
// are returned per handler so the caller can tell a journal posting failure
// from a webhook hiccup.
func (h *EventHandler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var tenantID *uuid.UUID
	if req.TenantID != "" {
		id, err := uuid.Parse(req.TenantID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant_id"})
			return
		}
		tenantID = &id
	}

	event := events.New(req.Type, tenantID, req.Payload)
	err := h.bus.Publish(c.Request.Context(), event)
	if err != nil {
		var dispatchErr *events.DispatchError
		if errors.As(err, &dispatchErr) {
			failures := make([]gin.H, 0, len(dispatchErr.Failures))
			for _, f := range dispatchErr.Failures {
				failures = append(failures, gin.H{"handler": f.Handler, "error": f.Err.Error()})
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"event_id": event.ID,
				"error":    "one or more handlers failed",
				"failures": failures,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":    event.ID,
		"type":        event.Type,
		"subscribers": h.bus.SubscriberCount(event.Type),
	})
}
