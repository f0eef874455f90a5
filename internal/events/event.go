package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants. Modules publish these; subscribers match on the exact
// string. New types may be added freely, but renaming an existing one is a
// breaking change for every tenant webhook subscribed to it.
const (
	InvoiceCreated     = "invoice.created"
	PaymentRecorded    = "payment.recorded"
	SaleOrderConfirmed = "saleorder.confirmed"
	DeliveryCompleted  = "delivery.completed"
	WorkflowResumed    = "workflow.resumed"
)

// Event represents an immutable domain event. It is created once at the
// publish call site and never mutated; the bus does not persist it.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	TenantID   *uuid.UUID             `json:"tenant_id,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`

	// Redelivered marks an event rebuilt from the events queue. Subscribers
	// that bridge to a queue themselves (webhook fan-out, workflow trigger)
	// skip redelivered events; every other subscriber must be idempotent,
	// since redelivery re-invokes it.
	Redelivered bool `json:"-"`
}

// New creates an event with a fresh id and timestamp. TenantID is nil only
// for system-level events.
func New(eventType string, tenantID *uuid.UUID, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Event{
		ID:         uuid.New(),
		Type:       eventType,
		TenantID:   tenantID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// PayloadString returns a string payload field, or "" if absent.
func (e *Event) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadFloat returns a numeric payload field, or 0 if absent. JSON decoding
// turns all numbers into float64, so callers should go through this accessor.
func (e *Event) PayloadFloat(key string) float64 {
	switch v := e.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return 0
}
