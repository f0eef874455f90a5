package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/atlas/services/orchestrator/internal/events"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrUnknownSource is returned for callbacks from unconfigured sources.
var ErrUnknownSource = errors.New("unknown inbound webhook source")

// ErrBadSignature is returned when a callback's HMAC does not verify.
var ErrBadSignature = errors.New("invalid inbound webhook signature")

// inboundPayload is the accepted callback body shape.
type inboundPayload struct {
	Type     string                 `json:"type"`
	TenantID *uuid.UUID             `json:"tenant_id"`
	Payload  map[string]interface{} `json:"payload"`
}

// InboundReceiver converts external callbacks into domain events. Each
// configured source carries a shared secret used to verify the callback
// signature before anything is published.
type InboundReceiver struct {
	bus     *events.Bus
	secrets map[string]string
}

// NewInboundReceiver creates a receiver for the configured sources.
func NewInboundReceiver(bus *events.Bus, secrets map[string]string) *InboundReceiver {
	if secrets == nil {
		secrets = map[string]string{}
	}
	return &InboundReceiver{
		bus:     bus,
		secrets: secrets,
	}
}

// Receive verifies and republishes one callback. The republished event type
// is namespaced under the source ("inbound.<source>.<type>") so tenant
// configuration can match on it like any other event.
func (r *InboundReceiver) Receive(ctx context.Context, source, signature string, body []byte) (*events.Event, error) {
	secret, ok := r.secrets[source]
	if !ok {
		return nil, ErrUnknownSource
	}
	if !VerifySignature(secret, body, signature) {
		return nil, ErrBadSignature
	}

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode inbound webhook body")
	}
	if payload.Type == "" {
		payload.Type = "received"
	}

	event := events.New(fmt.Sprintf("inbound.%s.%s", source, payload.Type), payload.TenantID, payload.Payload)

	if err := r.bus.Publish(ctx, event); err != nil {
		// Subscriber failures are not the caller's problem; the callback
		// was accepted once the event is on the bus.
		log.Error().
			Err(err).
			Str("source", source).
			Str("event_type", event.Type).
			Msg("Handler failures while dispatching inbound webhook event")
	}
	return event, nil
}
