package workflows

import (
	"context"
	"encoding/json"
	"time"

	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/queue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunStore persists workflow run records.
type RunStore interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
}

// Runner consumes the workflow queue: it loads the matched definition,
// resolves the target entity and runs the action list in order, aborting at
// the first failure. Every execution leaves a run record either way.
type Runner struct {
	definitions DefinitionStore
	runs        RunStore
	executor    *Executor
}

// NewRunner creates a workflow runner.
func NewRunner(definitions DefinitionStore, runs RunStore, executor *Executor) *Runner {
	return &Runner{
		definitions: definitions,
		runs:        runs,
		executor:    executor,
	}
}

// ProcessJob is the workflow queue handler. Infrastructure failures (store
// unreachable, definition fetch failed) return an error so the worker
// retries; action failures are final and recorded on the run instead.
func (r *Runner) ProcessJob(ctx context.Context, job *queue.Job) error {
	workflowID, err := uuid.Parse(job.DataString("workflow_id"))
	if err != nil {
		return errors.Wrap(err, "workflow job missing workflow_id")
	}
	tenantID, err := uuid.Parse(job.DataString("tenant_id"))
	if err != nil {
		return errors.Wrap(err, "workflow job missing tenant_id")
	}

	definition, err := r.definitions.GetByID(ctx, tenantID, workflowID)
	if err != nil {
		return errors.Wrapf(err, "failed to load workflow %s", workflowID)
	}
	if !definition.Active {
		log.Debug().Str("workflow_id", workflowID.String()).Msg("Workflow deactivated after match, skipping")
		return nil
	}

	var actions []Action
	if err := json.Unmarshal(definition.Actions, &actions); err != nil {
		return errors.Wrapf(err, "workflow %s has malformed actions", workflowID)
	}

	actx := ActionContext{
		TenantID:   tenantID,
		EntityType: job.DataString("entity_type"),
		EntityID:   job.DataString("entity_id"),
	}
	r.loadEntity(ctx, &actx)

	run := &models.WorkflowRun{
		ID:          uuid.New(),
		WorkflowID:  definition.ID,
		TenantID:    tenantID,
		TriggeredBy: definition.TriggerType,
		EntityType:  actx.EntityType,
		EntityID:    actx.EntityID,
		Status:      RunCompleted,
		StartedAt:   time.Now().UTC(),
	}

	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		result, actionErr := r.executor.Execute(ctx, action, actx)
		if actionErr != nil {
			run.Status = RunFailed
			results = append(results, ActionResult{
				Action: action.Type,
				Detail: map[string]interface{}{"error": actionErr.Error()},
			})
			log.Warn().Err(actionErr).
				Str("workflow_id", definition.ID.String()).
				Str("action", action.Type).
				Msg("Workflow action failed, aborting run")
			break
		}
		results = append(results, result)
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if encoded, err := json.Marshal(results); err == nil {
		run.Results = encoded
	}

	if err := r.runs.Create(ctx, run); err != nil {
		return errors.Wrapf(err, "failed to persist run for workflow %s", workflowID)
	}

	log.Info().
		Str("workflow_id", definition.ID.String()).
		Str("run_id", run.ID.String()).
		Str("status", run.Status).
		Int("actions", len(results)).
		Msg("Workflow run finished")
	return nil
}

// loadEntity snapshots the target entity into the context when the registry
// knows its type. A missing or unknown entity is not fatal here: actions that
// need it fail with their own precondition errors.
func (r *Runner) loadEntity(ctx context.Context, actx *ActionContext) {
	if actx.EntityType == "" || actx.EntityID == "" {
		return
	}
	repo, err := r.executor.registry.Resolve(actx.EntityType)
	if err != nil {
		return
	}
	entityID, err := uuid.Parse(actx.EntityID)
	if err != nil {
		return
	}
	if entity, err := repo.FindByID(ctx, actx.TenantID, entityID); err == nil {
		actx.Entity = entity
	}
}
