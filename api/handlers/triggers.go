package handlers

import (
	"net/http"

	"example.com/atlas/services/orchestrator/internal/workflows"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TriggerHandler fires workflow lifecycle triggers.
type TriggerHandler struct {
	trigger *workflows.Trigger
}

// NewTriggerHandler creates a trigger handler.
func NewTriggerHandler(trigger *workflows.Trigger) *TriggerHandler {
	return &TriggerHandler{trigger: trigger}
}

type fireRequest struct {
	TenantID    string `json:"tenant_id" binding:"required"`
	TriggerType string `json:"trigger_type" binding:"required"`
	EntityType  string `json:"entity_type" binding:"required"`
	EntityID    string `json:"entity_id" binding:"required"`
}

// Fire matches workflow definitions for an entity lifecycle change and
// enqueues a run per match. Execution is asynchronous.
func (h *TriggerHandler) Fire(c *gin.Context) {
	var req fireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.TriggerType {
	case workflows.TriggerOnCreate, workflows.TriggerOnUpdate, workflows.TriggerOnDelete:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown trigger_type"})
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant_id"})
		return
	}

	if err := h.trigger.FireLifecycle(c.Request.Context(), tenantID, req.TriggerType, req.EntityType, req.EntityID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
