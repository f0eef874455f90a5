package handlers

import (
	"io"
	"net/http"

	"example.com/atlas/services/orchestrator/internal/webhooks"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// 1 MiB cap on inbound webhook bodies.
const maxInboundBody = 1 << 20

// InboundHandler receives webhooks from external systems.
type InboundHandler struct {
	receiver *webhooks.InboundReceiver
}

// NewInboundHandler creates an inbound webhook handler.
func NewInboundHandler(receiver *webhooks.InboundReceiver) *InboundHandler {
	return &InboundHandler{receiver: receiver}
}

// Receive verifies and republishes an inbound webhook as a domain event.
func (h *InboundHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	event, err := h.receiver.Receive(
		c.Request.Context(),
		c.Param("source"),
		c.GetHeader(webhooks.SignatureHeader),
		body,
	)
	if err != nil {
		switch {
		case errors.Is(err, webhooks.ErrUnknownSource):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
		case errors.Is(err, webhooks.ErrBadSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"event_id": event.ID, "type": event.Type})
}
