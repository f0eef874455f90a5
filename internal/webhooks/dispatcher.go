package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"example.com/atlas/services/orchestrator/internal/breaker"
	"example.com/atlas/services/orchestrator/internal/events"
	"example.com/atlas/services/orchestrator/internal/metrics"
	"example.com/atlas/services/orchestrator/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SubscriptionStore is the slice of the subscription repository the
// dispatcher needs.
type SubscriptionStore interface {
	ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.WebhookSubscription, error)
	MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementFailureCount(ctx context.Context, id uuid.UUID) error
	ResetFailureCount(ctx context.Context, id uuid.UUID) error
}

// DeliveryStore records delivery outcomes.
type DeliveryStore interface {
	Create(ctx context.Context, delivery *models.WebhookDelivery) error
}

// DeliveryIndexer mirrors delivery outcomes into the search index.
type DeliveryIndexer interface {
	IndexDelivery(ctx context.Context, delivery *models.WebhookDelivery, targetURL string) error
}

// Envelope is the JSON body POSTed to subscription endpoints.
type Envelope struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	TenantID   *uuid.UUID             `json:"tenant_id,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Dispatcher fans a domain event out to every matching tenant webhook
// subscription, one bounded HTTP POST per endpoint, guarded per destination
// URL by the circuit breaker. Failures are recorded, never retried here;
// retry pressure against a dead endpoint is exactly what the breaker absorbs.
type Dispatcher struct {
	subscriptions SubscriptionStore
	deliveries    DeliveryStore
	indexer       DeliveryIndexer
	breaker       *breaker.Manager
	httpClient    *http.Client
	timeout       time.Duration
	metrics       *metrics.Metrics
}

// DispatcherOption customizes a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.httpClient = client
	}
}

// WithIndexer mirrors deliveries into Elasticsearch.
func WithIndexer(indexer DeliveryIndexer) DispatcherOption {
	return func(d *Dispatcher) {
		d.indexer = indexer
	}
}

// WithMetrics records delivery counters and timers.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(subs SubscriptionStore, deliveries DeliveryStore, cb *breaker.Manager, timeout time.Duration, opts ...DispatcherOption) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		subscriptions: subs,
		deliveries:    deliveries,
		breaker:       cb,
		timeout:       timeout,
		httpClient:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchEvent delivers the event to all matching subscriptions. It is
// registered on the event bus as a catch-all subscriber; per-subscription
// failures are recorded but never propagated back to the publisher.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event *events.Event) error {
	if event.TenantID == nil {
		// System-level events have no tenant and no webhook audience.
		return nil
	}

	subs, err := d.subscriptions.ListActiveForEvent(ctx, *event.TenantID, event.Type)
	if err != nil {
		return errors.Wrap(err, "failed to load webhook subscriptions")
	}
	if len(subs) == 0 {
		return nil
	}

	for i := range subs {
		d.deliver(ctx, event, &subs[i])
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, event *events.Event, sub *models.WebhookSubscription) {
	record := &models.WebhookDelivery{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventID:        event.ID,
		EventType:      event.Type,
		Attempt:        1,
	}

	if !d.breaker.Allow(sub.TargetURL) {
		msg := "circuit open, delivery skipped"
		record.Skipped = true
		record.Error = &msg
		log.Warn().
			Str("event_type", event.Type).
			Str("target_url", sub.TargetURL).
			Msg("Webhook delivery skipped, circuit open")
		d.count("webhook_deliveries_skipped")
		d.record(ctx, record, sub)
		return
	}

	statusCode, duration, err := d.post(ctx, event, sub)
	record.DurationMs = duration.Milliseconds()
	if statusCode != 0 {
		record.StatusCode = &statusCode
	}

	if err != nil {
		msg := err.Error()
		record.Error = &msg
		d.breaker.RecordFailure(sub.TargetURL)
		d.count("webhook_deliveries_failed")
		if ferr := d.subscriptions.IncrementFailureCount(ctx, sub.ID); ferr != nil {
			log.Error().Err(ferr).Str("subscription_id", sub.ID.String()).Msg("Failed to update subscription failure count")
		}
		log.Warn().
			Err(err).
			Str("event_type", event.Type).
			Str("target_url", sub.TargetURL).
			Int("status_code", statusCode).
			Msg("Webhook delivery failed")
	} else {
		record.Success = true
		d.breaker.RecordSuccess(sub.TargetURL)
		d.count("webhook_deliveries_succeeded")
		now := time.Now().UTC()
		if terr := d.subscriptions.MarkTriggered(ctx, sub.ID, now); terr != nil {
			log.Error().Err(terr).Str("subscription_id", sub.ID.String()).Msg("Failed to update subscription last-triggered time")
		}
		if rerr := d.subscriptions.ResetFailureCount(ctx, sub.ID); rerr != nil {
			log.Error().Err(rerr).Str("subscription_id", sub.ID.String()).Msg("Failed to reset subscription failure count")
		}
	}

	if d.metrics != nil {
		d.metrics.RecordTimer("webhook_delivery", duration)
	}
	d.record(ctx, record, sub)
}

// post performs the signed HTTP POST. A non-2xx response is a failure.
func (d *Dispatcher) post(ctx context.Context, event *events.Event, sub *models.WebhookSubscription) (int, time.Duration, error) {
	body, err := json.Marshal(Envelope{
		ID:         event.ID,
		Type:       event.Type,
		TenantID:   event.TenantID,
		Payload:    event.Payload,
		OccurredAt: event.OccurredAt,
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to marshal webhook envelope")
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	req.Header.Set("X-Atlas-Event", event.Type)
	req.Header.Set("X-Atlas-Delivery", event.ID.String())

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		return 0, duration, errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, duration, errors.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, duration, nil
}

func (d *Dispatcher) record(ctx context.Context, record *models.WebhookDelivery, sub *models.WebhookSubscription) {
	if err := d.deliveries.Create(ctx, record); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", record.SubscriptionID.String()).
			Msg("Failed to persist webhook delivery record")
	}
	if d.indexer != nil {
		if err := d.indexer.IndexDelivery(ctx, record, sub.TargetURL); err != nil {
			log.Warn().
				Err(err).
				Str("delivery_id", record.ID.String()).
				Msg("Failed to index webhook delivery")
		}
	}
}

func (d *Dispatcher) count(name string) {
	if d.metrics != nil {
		d.metrics.IncrementCounter(name)
	}
}
