// Package handlers holds the built-in subscribers reacting to domain
// events: journal posting, payment application, delivery creation and order
// fulfilment. These are the in-process consumers; webhook fan-out and
// workflow matching subscribe separately.
package handlers

import (
	"context"
	"time"

	"example.com/atlas/services/orchestrator/internal/cache"
	"example.com/atlas/services/orchestrator/internal/events"
	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/notifier"
	"example.com/atlas/services/orchestrator/internal/queue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const dedupTTL = 24 * time.Hour

// JournalStore persists and checks ledger postings.
type JournalStore interface {
	Create(ctx context.Context, entry *models.JournalEntry) error
	ExistsForSource(ctx context.Context, sourceType, sourceID string) (bool, error)
}

// InvoiceStore applies payments to invoices.
type InvoiceStore interface {
	ApplyPayment(ctx context.Context, id uuid.UUID, amount float64) error
}

// OrderStore updates sale order statuses.
type OrderStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// DeliveryStore creates and checks delivery records.
type DeliveryStore interface {
	Create(ctx context.Context, delivery *models.Delivery) error
	ExistsForOrder(ctx context.Context, saleOrderID uuid.UUID) (bool, error)
}

// Handlers bundles the built-in subscribers and their dependencies.
type Handlers struct {
	journals   JournalStore
	invoices   InvoiceStore
	orders     OrderStore
	deliveries DeliveryStore
	queue      *queue.Client
	notifier   notifier.Notifier
	cache      *cache.RedisCache
}

// New creates the built-in handler set.
func New(journals JournalStore, invoices InvoiceStore, orders OrderStore, deliveries DeliveryStore, queueClient *queue.Client, notify notifier.Notifier, redisCache *cache.RedisCache) *Handlers {
	return &Handlers{
		journals:   journals,
		invoices:   invoices,
		orders:     orders,
		deliveries: deliveries,
		queue:      queueClient,
		notifier:   notify,
		cache:      redisCache,
	}
}

// Register subscribes every built-in handler on the bus.
func (h *Handlers) Register(bus *events.Bus) {
	bus.Subscribe(events.InvoiceCreated, "invoice_journal", h.HandleInvoiceCreated)
	bus.Subscribe(events.PaymentRecorded, "payment_journal", h.HandlePaymentRecorded)
	bus.Subscribe(events.SaleOrderConfirmed, "order_delivery", h.HandleSaleOrderConfirmed)
	bus.Subscribe(events.DeliveryCompleted, "order_fulfilment", h.HandleDeliveryCompleted)
}

// HandleInvoiceCreated posts the invoice to the journal and queues the
// customer email. The journal posting is load-bearing: its error propagates
// so the publisher sees the failure. Replays are absorbed by the source
// existence check backed by the unique index on (source_type, source_id).
func (h *Handlers) HandleInvoiceCreated(ctx context.Context, event *events.Event) error {
	invoiceID := event.PayloadString("invoice_id")
	if invoiceID == "" {
		return errors.New("invoice.created event missing invoice_id")
	}

	exists, err := h.journals.ExistsForSource(ctx, "invoice", invoiceID)
	if err != nil {
		return errors.Wrap(err, "failed to check journal for invoice")
	}
	if exists {
		log.Debug().Str("invoice_id", invoiceID).Msg("Journal entry already posted, skipping")
		return nil
	}

	entry := &models.JournalEntry{
		ID:          uuid.New(),
		TenantID:    tenantOf(event),
		SourceType:  "invoice",
		SourceID:    invoiceID,
		PartnerID:   event.PayloadString("partner_id"),
		AmountTotal: event.PayloadFloat("amount_total"),
		TaxAmount:   event.PayloadFloat("tax_amount"),
		PostedAt:    event.OccurredAt,
	}
	if err := h.journals.Create(ctx, entry); err != nil {
		return errors.Wrap(err, "failed to post invoice journal entry")
	}

	// Email is a convenience, not part of the financial invariant; a full
	// email queue must not fail invoice creation.
	if email := event.PayloadString("partner_email"); email != "" {
		_, err := h.queue.Enqueue(ctx, queue.QueueEmail, "invoice_created_email", map[string]interface{}{
			"to":      email,
			"subject": "Invoice " + event.PayloadString("number"),
			"html":    "Your invoice " + event.PayloadString("number") + " has been issued.",
		})
		if err != nil {
			log.Error().Err(err).Str("invoice_id", invoiceID).Msg("Failed to enqueue invoice email")
		}
	}

	log.Info().Str("invoice_id", invoiceID).Str("entry_id", entry.ID.String()).Msg("Invoice journal entry posted")
	return nil
}

// HandlePaymentRecorded posts the payment to the journal and applies the
// amount to the invoice balance. Redis holds a short-lived claim per event so
// a redelivered event does not double-apply before the journal check lands.
func (h *Handlers) HandlePaymentRecorded(ctx context.Context, event *events.Event) error {
	paymentID := event.PayloadString("payment_id")
	if paymentID == "" {
		return errors.New("payment.recorded event missing payment_id")
	}

	dedupKey := cache.EventDedupKey("payment_journal", event.ID.String())
	claimed, err := h.cache.ClaimOnce(ctx, dedupKey, dedupTTL)
	if err != nil {
		log.Warn().Err(err).Msg("Dedup claim failed, falling through to journal check")
	} else if !claimed {
		log.Debug().Str("event_id", event.ID.String()).Msg("Payment event already claimed, skipping")
		return nil
	}

	// Release the claim if anything below fails so a redelivery can retry.
	handlerErr := error(nil)
	defer func() {
		if handlerErr != nil {
			if releaseErr := h.cache.Release(ctx, dedupKey); releaseErr != nil {
				log.Warn().Err(releaseErr).Msg("Failed to release dedup claim")
			}
		}
	}()

	handlerErr = h.postPayment(ctx, event, paymentID)
	return handlerErr
}

func (h *Handlers) postPayment(ctx context.Context, event *events.Event, paymentID string) error {
	exists, err := h.journals.ExistsForSource(ctx, "payment", paymentID)
	if err != nil {
		return errors.Wrap(err, "failed to check journal for payment")
	}
	if exists {
		return nil
	}

	entry := &models.JournalEntry{
		ID:          uuid.New(),
		TenantID:    tenantOf(event),
		SourceType:  "payment",
		SourceID:    paymentID,
		PartnerID:   event.PayloadString("partner_id"),
		AmountTotal: event.PayloadFloat("amount"),
		PostedAt:    event.OccurredAt,
	}
	if err := h.journals.Create(ctx, entry); err != nil {
		return errors.Wrap(err, "failed to post payment journal entry")
	}

	invoiceID, err := uuid.Parse(event.PayloadString("invoice_id"))
	if err != nil {
		return errors.Wrap(err, "payment.recorded event has invalid invoice_id")
	}
	if err := h.invoices.ApplyPayment(ctx, invoiceID, event.PayloadFloat("amount")); err != nil {
		return errors.Wrap(err, "failed to apply payment to invoice")
	}

	log.Info().
		Str("payment_id", paymentID).
		Str("invoice_id", invoiceID.String()).
		Float64("amount", event.PayloadFloat("amount")).
		Msg("Payment recorded against invoice")
	return nil
}

// HandleSaleOrderConfirmed creates the pending delivery for a confirmed
// order. A redelivered event finds the existing delivery and skips.
func (h *Handlers) HandleSaleOrderConfirmed(ctx context.Context, event *events.Event) error {
	orderID, err := uuid.Parse(event.PayloadString("order_id"))
	if err != nil {
		return errors.Wrap(err, "saleorder.confirmed event has invalid order_id")
	}

	exists, err := h.deliveries.ExistsForOrder(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "failed to check delivery for order")
	}
	if exists {
		log.Debug().Str("order_id", orderID.String()).Msg("Delivery already scheduled, skipping")
		return nil
	}

	delivery := &models.Delivery{
		ID:          uuid.New(),
		TenantID:    tenantOf(event),
		SaleOrderID: orderID,
		Status:      "pending",
	}
	if err := h.deliveries.Create(ctx, delivery); err != nil {
		return errors.Wrap(err, "failed to create delivery for order")
	}

	log.Info().Str("order_id", orderID.String()).Str("delivery_id", delivery.ID.String()).Msg("Delivery created for confirmed order")
	return nil
}

// HandleDeliveryCompleted marks the sale order fulfilled and notifies the
// salesperson when the payload names one.
func (h *Handlers) HandleDeliveryCompleted(ctx context.Context, event *events.Event) error {
	orderID, err := uuid.Parse(event.PayloadString("order_id"))
	if err != nil {
		return errors.Wrap(err, "delivery.completed event has invalid order_id")
	}

	if err := h.orders.UpdateStatus(ctx, orderID, "fulfilled"); err != nil {
		return errors.Wrap(err, "failed to mark order fulfilled")
	}

	if userID := event.PayloadString("salesperson_id"); userID != "" {
		err := h.notifier.Emit(ctx, userID, notifier.Notification{
			Title: "Order delivered",
			Body:  "Order " + event.PayloadString("number") + " has been delivered.",
			Data:  map[string]interface{}{"order_id": orderID.String()},
		})
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Delivery notification failed")
		}
	}

	log.Info().Str("order_id", orderID.String()).Msg("Order fulfilled")
	return nil
}

func tenantOf(event *events.Event) uuid.UUID {
	if event.TenantID != nil {
		return *event.TenantID
	}
	return uuid.Nil
}
