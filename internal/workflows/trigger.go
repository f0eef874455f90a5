package workflows

import (
	"context"

	"example.com/atlas/services/orchestrator/internal/events"
	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/queue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Trigger type vocabulary.
const (
	TriggerOnCreate = "on_create"
	TriggerOnUpdate = "on_update"
	TriggerOnDelete = "on_delete"
	TriggerOnEvent  = "on_event"
)

// DefinitionStore loads workflow definitions.
type DefinitionStore interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.WorkflowDefinition, error)
	ListActiveForTrigger(ctx context.Context, tenantID uuid.UUID, triggerType, entityType string) ([]models.WorkflowDefinition, error)
	ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.WorkflowDefinition, error)
}

// Trigger matches lifecycle changes and bus events against active workflow
// definitions and enqueues one workflow job per match. Matching is cheap and
// synchronous; execution happens on the workflow queue.
type Trigger struct {
	definitions DefinitionStore
	queue       *queue.Client
	enabled     bool
}

// NewTrigger creates a trigger service. When enabled is false every call is
// a no-op, the global kill switch for workflow processing.
func NewTrigger(definitions DefinitionStore, queueClient *queue.Client, enabled bool) *Trigger {
	return &Trigger{
		definitions: definitions,
		queue:       queueClient,
		enabled:     enabled,
	}
}

// FireLifecycle matches on_create/on_update/on_delete definitions for an
// entity change and enqueues a workflow job per match.
func (t *Trigger) FireLifecycle(ctx context.Context, tenantID uuid.UUID, triggerType, entityType, entityID string) error {
	if !t.enabled {
		return nil
	}

	definitions, err := t.definitions.ListActiveForTrigger(ctx, tenantID, triggerType, entityType)
	if err != nil {
		return errors.Wrap(err, "failed to match workflow definitions")
	}

	for i := range definitions {
		if err := t.enqueue(ctx, &definitions[i], entityType, entityID, nil); err != nil {
			return err
		}
	}
	return nil
}

// HandleEvent is the bus subscriber matching on_event definitions. Matching
// failures are logged, not returned: a broken workflow must not fail the
// publishing operation. Redelivered events are skipped; the matching jobs
// were enqueued on the first pass and carry their own durability.
func (t *Trigger) HandleEvent(ctx context.Context, event *events.Event) error {
	if !t.enabled || event.TenantID == nil || event.Redelivered {
		return nil
	}

	definitions, err := t.definitions.ListActiveForEvent(ctx, *event.TenantID, event.Type)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("Workflow event matching failed")
		return nil
	}

	for i := range definitions {
		if err := t.enqueue(ctx, &definitions[i], definitions[i].EntityType, event.PayloadString("entity_id"), event); err != nil {
			log.Error().Err(err).
				Str("workflow_id", definitions[i].ID.String()).
				Str("event_type", event.Type).
				Msg("Failed to enqueue workflow job")
		}
	}
	return nil
}

// HandleResume is the workflow.resumed subscriber: it re-enters a named
// workflow through the queue so the resumed run executes with the usual
// retry and run-record semantics.
func (t *Trigger) HandleResume(ctx context.Context, event *events.Event) error {
	if !t.enabled || event.TenantID == nil || event.Redelivered {
		return nil
	}

	workflowID, err := uuid.Parse(event.PayloadString("workflow_id"))
	if err != nil {
		return errors.Wrap(err, "workflow.resumed event has invalid workflow_id")
	}

	definition, err := t.definitions.GetByID(ctx, *event.TenantID, workflowID)
	if err != nil {
		return errors.Wrapf(err, "failed to load workflow %s for resume", workflowID)
	}
	if !definition.Active {
		log.Warn().Str("workflow_id", workflowID.String()).Msg("Resumed workflow is deactivated, ignoring")
		return nil
	}

	return t.enqueue(ctx, definition, event.PayloadString("entity_type"), event.PayloadString("entity_id"), event)
}

func (t *Trigger) enqueue(ctx context.Context, definition *models.WorkflowDefinition, entityType, entityID string, event *events.Event) error {
	data := map[string]interface{}{
		"workflow_id":  definition.ID.String(),
		"tenant_id":    definition.TenantID.String(),
		"triggered_by": definition.TriggerType,
		"entity_type":  entityType,
		"entity_id":    entityID,
	}
	if event != nil {
		data["event_id"] = event.ID.String()
		data["event_type"] = event.Type
		data["event_payload"] = event.Payload
	}

	job, err := t.queue.Enqueue(ctx, queue.QueueWorkflow, "run_workflow", data)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue workflow %s", definition.ID)
	}

	log.Debug().
		Str("workflow_id", definition.ID.String()).
		Str("job_id", job.ID.String()).
		Str("trigger_type", definition.TriggerType).
		Msg("Workflow job enqueued")
	return nil
}
