package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Tenant represents a tenant
type Tenant struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
}

// WebhookSubscription is a tenant-registered outbound webhook endpoint.
// Events holds a JSON array of subscribed event types; "*" subscribes to all.
type WebhookSubscription struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	TargetURL       string         `gorm:"not null" json:"target_url"`
	Secret          string         `gorm:"not null" json:"-"`
	Events          []byte         `gorm:"type:jsonb;not null" json:"events"`
	Active          bool           `gorm:"not null;default:true" json:"active"`
	FailureCount    int            `gorm:"not null;default:0" json:"failure_count"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at"`
	Tenant          Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// WebhookDelivery records one delivery attempt to a subscription endpoint.
type WebhookDelivery struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	SubscriptionID uuid.UUID  `gorm:"type:uuid;not null;index" json:"subscription_id"`
	TenantID       uuid.UUID  `gorm:"type:uuid;not null" json:"tenant_id"`
	EventID        uuid.UUID  `gorm:"type:uuid;not null" json:"event_id"`
	EventType      string     `gorm:"not null" json:"event_type"`
	Attempt        int        `gorm:"not null;default:1" json:"attempt"`
	Success        bool       `gorm:"not null" json:"success"`
	Skipped        bool       `gorm:"not null;default:false" json:"skipped"`
	StatusCode     *int       `json:"status_code"`
	DurationMs     int64      `gorm:"not null;default:0" json:"duration_ms"`
	Error          *string    `json:"error"`
}

// WorkflowDefinition is a tenant-configured automation rule. Actions holds a
// JSON array of {type, config} pairs executed in order.
type WorkflowDefinition struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name        string         `gorm:"not null" json:"name"`
	TriggerType string         `gorm:"not null" json:"trigger_type"`
	EntityType  string         `json:"entity_type"`
	EventType   string         `json:"event_type"`
	Actions     []byte         `gorm:"type:jsonb;not null" json:"actions"`
	Active      bool           `gorm:"not null;default:true" json:"active"`
	Tenant      Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// WorkflowRun is the persisted result of one workflow execution. Results
// holds a JSON array of per-action outcomes in execution order.
type WorkflowRun struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	WorkflowID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"workflow_id"`
	TenantID    uuid.UUID  `gorm:"type:uuid;not null" json:"tenant_id"`
	TriggeredBy string     `gorm:"not null" json:"triggered_by"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Status      string     `gorm:"not null" json:"status"`
	Results     []byte     `gorm:"type:jsonb" json:"results"`
	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

// Task is a work item created by the create_task workflow action.
type Task struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Title       string         `gorm:"not null" json:"title"`
	Description string         `json:"description"`
	AssigneeID  *uuid.UUID     `gorm:"type:uuid" json:"assignee_id"`
	Priority    string         `gorm:"not null;default:'normal'" json:"priority"`
	Status      string         `gorm:"not null;default:'open'" json:"status"`
	DueDate     *time.Time     `json:"due_date"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
}

// Ticket is a support ticket, the usual target of assign actions.
type Ticket struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Subject         string         `gorm:"not null" json:"subject"`
	Status          string         `gorm:"not null;default:'open'" json:"status"`
	Priority        string         `gorm:"not null;default:'normal'" json:"priority"`
	AssignedAgentID *uuid.UUID     `gorm:"type:uuid" json:"assigned_agent_id"`
	PartnerID       *uuid.UUID     `gorm:"type:uuid" json:"partner_id"`
}

// Invoice represents an accounts-receivable invoice.
type Invoice struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Number      string         `gorm:"not null" json:"number"`
	PartnerID   string         `gorm:"not null" json:"partner_id"`
	AmountTotal float64        `gorm:"not null;default:0" json:"amount_total"`
	TaxAmount   float64        `gorm:"not null;default:0" json:"tax_amount"`
	AmountPaid  float64        `gorm:"not null;default:0" json:"amount_paid"`
	Status      string         `gorm:"not null;default:'draft'" json:"status"`
}

// JournalEntry is a double-entry ledger posting created from an invoice or
// payment event. The unique index on (source_type, source_id) guarantees at
// most one entry per source document.
type JournalEntry struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	TenantID    uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	SourceType  string    `gorm:"not null;uniqueIndex:idx_journal_source" json:"source_type"`
	SourceID    string    `gorm:"not null;uniqueIndex:idx_journal_source" json:"source_id"`
	PartnerID   string    `json:"partner_id"`
	AmountTotal float64   `gorm:"not null;default:0" json:"amount_total"`
	TaxAmount   float64   `gorm:"not null;default:0" json:"tax_amount"`
	PostedAt    time.Time `gorm:"not null" json:"posted_at"`
}

// SaleOrder represents a confirmed sales order.
type SaleOrder struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Number    string         `gorm:"not null" json:"number"`
	PartnerID string         `json:"partner_id"`
	Status    string         `gorm:"not null;default:'draft'" json:"status"`
}

// Delivery represents an outbound delivery for a sale order.
type Delivery struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	SaleOrderID uuid.UUID      `gorm:"type:uuid;not null" json:"sale_order_id"`
	Status      string         `gorm:"not null;default:'pending'" json:"status"`
	CompletedAt *time.Time     `json:"completed_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Tenant{},
		&WebhookSubscription{},
		&WebhookDelivery{},
		&WorkflowDefinition{},
		&WorkflowRun{},
		&Task{},
		&Ticket{},
		&Invoice{},
		&JournalEntry{},
		&SaleOrder{},
		&Delivery{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
