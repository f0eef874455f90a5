package repositories

import (
	"context"
	"fmt"
	"time"

	"example.com/atlas/services/orchestrator/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// WebhookSubscriptionRepository provides access to webhook subscriptions
type WebhookSubscriptionRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewWebhookSubscriptionRepository creates a new repository
func NewWebhookSubscriptionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *WebhookSubscriptionRepository {
	return &WebhookSubscriptionRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ListActiveForEvent gets the tenant's active subscriptions whose events list
// contains the event type or the "*" wildcard.
func (r *WebhookSubscriptionRepository) ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Where("events @> ? OR events @> ?", fmt.Sprintf("[%q]", eventType), `["*"]`).
		Find(&subs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list webhook subscriptions")
	}
	return subs, nil
}

// MarkTriggered updates the subscription's last-triggered timestamp.
func (r *WebhookSubscriptionRepository) MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookSubscription{}).
		Where("id = ?", id).
		Update("last_triggered_at", at).Error
}

// IncrementFailureCount bumps the subscription's consecutive failure counter.
func (r *WebhookSubscriptionRepository) IncrementFailureCount(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookSubscription{}).
		Where("id = ?", id).
		Update("failure_count", gorm.Expr("failure_count + 1")).Error
}

// ResetFailureCount clears the subscription's failure counter after a
// successful delivery.
func (r *WebhookSubscriptionRepository) ResetFailureCount(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookSubscription{}).
		Where("id = ?", id).
		Update("failure_count", 0).Error
}

// WebhookDeliveryRepository provides access to delivery records
type WebhookDeliveryRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewWebhookDeliveryRepository creates a new repository
func NewWebhookDeliveryRepository(db *gorm.DB, readOnlyDB *gorm.DB) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create records a delivery attempt
func (r *WebhookDeliveryRepository) Create(ctx context.Context, delivery *models.WebhookDelivery) error {
	// Use write DB for writes
	return r.db.WithContext(ctx).Create(delivery).Error
}

// WorkflowDefinitionRepository provides access to workflow definitions
type WorkflowDefinitionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewWorkflowDefinitionRepository creates a new repository
func NewWorkflowDefinitionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a tenant's workflow definition by ID
func (r *WorkflowDefinitionRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&def, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get workflow definition by ID")
	}
	return &def, nil
}

// ListActiveForTrigger gets active definitions matching a CRUD lifecycle
// trigger for an entity type.
func (r *WorkflowDefinitionRepository) ListActiveForTrigger(ctx context.Context, tenantID uuid.UUID, triggerType, entityType string) ([]models.WorkflowDefinition, error) {
	var defs []models.WorkflowDefinition
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND active = ? AND trigger_type = ? AND entity_type = ?",
			tenantID, true, triggerType, entityType).
		Find(&defs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflow definitions for trigger")
	}
	return defs, nil
}

// ListActiveForEvent gets active on_event definitions matching an event type.
func (r *WorkflowDefinitionRepository) ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.WorkflowDefinition, error) {
	var defs []models.WorkflowDefinition
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND active = ? AND trigger_type = ? AND event_type = ?",
			tenantID, true, "on_event", eventType).
		Find(&defs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflow definitions for event")
	}
	return defs, nil
}

// WorkflowRunRepository provides access to workflow run records
type WorkflowRunRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewWorkflowRunRepository creates a new repository
func NewWorkflowRunRepository(db *gorm.DB, readOnlyDB *gorm.DB) *WorkflowRunRepository {
	return &WorkflowRunRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create persists a workflow run
func (r *WorkflowRunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// TaskRepository provides access to tasks
type TaskRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewTaskRepository creates a new repository
func NewTaskRepository(db *gorm.DB, readOnlyDB *gorm.DB) *TaskRepository {
	return &TaskRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create creates a new task
func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// JournalEntryRepository provides access to ledger journal entries
type JournalEntryRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewJournalEntryRepository creates a new repository
func NewJournalEntryRepository(db *gorm.DB, readOnlyDB *gorm.DB) *JournalEntryRepository {
	return &JournalEntryRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create persists a journal entry
func (r *JournalEntryRepository) Create(ctx context.Context, entry *models.JournalEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ExistsForSource checks whether a journal entry was already posted for the
// given source. Used to keep event redelivery from double-posting.
func (r *JournalEntryRepository) ExistsForSource(ctx context.Context, sourceType, sourceID string) (bool, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.JournalEntry{}).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check journal entry existence")
	}
	return count > 0, nil
}

// InvoiceRepository provides access to invoices
type InvoiceRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewInvoiceRepository creates a new repository
func NewInvoiceRepository(db *gorm.DB, readOnlyDB *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an invoice by ID
func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.readOnlyDB.WithContext(ctx).First(&invoice, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get invoice by ID")
	}
	return &invoice, nil
}

// ApplyPayment adds the amount to the invoice's paid total and moves its
// status to paid when the total is covered.
func (r *InvoiceRepository) ApplyPayment(ctx context.Context, id uuid.UUID, amount float64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice models.Invoice
		if err := tx.First(&invoice, id).Error; err != nil {
			return errors.Wrap(err, "failed to load invoice for payment")
		}

		invoice.AmountPaid += amount
		if invoice.AmountPaid >= invoice.AmountTotal {
			invoice.Status = "paid"
		} else {
			invoice.Status = "partially_paid"
		}

		return tx.Model(&models.Invoice{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"amount_paid": invoice.AmountPaid,
				"status":      invoice.Status,
			}).Error
	})
}

// SaleOrderRepository provides access to sale orders
type SaleOrderRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewSaleOrderRepository creates a new repository
func NewSaleOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *SaleOrderRepository {
	return &SaleOrderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// UpdateStatus sets a sale order's status
func (r *SaleOrderRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&models.SaleOrder{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update sale order status")
	}
	if result.RowsAffected == 0 {
		return errors.New("no sale order updated")
	}
	return nil
}

// DeliveryRepository provides access to deliveries
type DeliveryRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewDeliveryRepository creates a new repository
func NewDeliveryRepository(db *gorm.DB, readOnlyDB *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create creates a new delivery
func (r *DeliveryRepository) Create(ctx context.Context, delivery *models.Delivery) error {
	return r.db.WithContext(ctx).Create(delivery).Error
}

// ExistsForOrder reports whether a delivery already exists for a sale order
func (r *DeliveryRepository) ExistsForOrder(ctx context.Context, saleOrderID uuid.UUID) (bool, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Delivery{}).
		Where("sale_order_id = ?", saleOrderID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check delivery for sale order")
	}
	return count > 0, nil
}

// GetByID gets a delivery by ID
func (r *DeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	var delivery models.Delivery
	err := r.readOnlyDB.WithContext(ctx).First(&delivery, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get delivery by ID")
	}
	return &delivery, nil
}
