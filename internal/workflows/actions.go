package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"example.com/atlas/services/orchestrator/internal/entities"
	"example.com/atlas/services/orchestrator/internal/mailer"
	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/notifier"
	"example.com/atlas/services/orchestrator/internal/queue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Action type vocabulary.
const (
	ActionAssign           = "assign"
	ActionUpdateField      = "update_field"
	ActionCreateTask       = "create_task"
	ActionSendEmail        = "send_email"
	ActionSendNotification = "send_notification"
	ActionWebhook          = "webhook"
)

const webhookActionTimeout = 30 * time.Second

// Action is one {type, config} pair from a workflow definition.
type Action struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// ActionContext carries the trigger context an action executes against.
type ActionContext struct {
	TenantID   uuid.UUID
	EntityType string
	EntityID   string
	Entity     map[string]interface{}
}

// ActionResult echoes what an action did, persisted into the workflow run.
type ActionResult struct {
	Action string                 `json:"action"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// PreconditionError reports a missing required config field or context
// value. It is a permanent failure: retrying the same definition against the
// same context cannot succeed.
type PreconditionError struct {
	Action  string
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: missing required %s", e.Action, e.Missing)
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// TaskStore creates task records for the create_task action.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
}

// Executor runs the fixed action vocabulary against arbitrary target
// entities resolved through the entity registry.
type Executor struct {
	registry   *entities.Registry
	queue      *queue.Client
	notifier   notifier.Notifier
	tasks      TaskStore
	httpClient *http.Client
}

// NewExecutor creates an action executor.
func NewExecutor(registry *entities.Registry, queueClient *queue.Client, notify notifier.Notifier, tasks TaskStore) *Executor {
	return &Executor{
		registry:   registry,
		queue:      queueClient,
		notifier:   notify,
		tasks:      tasks,
		httpClient: &http.Client{Timeout: webhookActionTimeout},
	}
}

// WithHTTPClient overrides the client used by the webhook action, for tests.
func (e *Executor) WithHTTPClient(client *http.Client) *Executor {
	e.httpClient = client
	return e
}

// Execute runs one action. It returns a structured result on success or a
// typed error naming the missing precondition; the caller decides whether
// the rest of the action list still runs (it must not).
func (e *Executor) Execute(ctx context.Context, action Action, actx ActionContext) (ActionResult, error) {
	switch action.Type {
	case ActionAssign:
		return e.assign(ctx, action, actx)
	case ActionUpdateField:
		return e.updateField(ctx, action, actx)
	case ActionCreateTask:
		return e.createTask(ctx, action, actx)
	case ActionSendEmail:
		return e.sendEmail(ctx, action, actx)
	case ActionSendNotification:
		return e.sendNotification(ctx, action, actx)
	case ActionWebhook:
		return e.webhook(ctx, action, actx)
	}
	return ActionResult{}, errors.Errorf("unknown action type %q", action.Type)
}

func (e *Executor) assign(ctx context.Context, action Action, actx ActionContext) (ActionResult, error) {
	field := configString(action.Config, "field")
	if field == "" {
		field = "assigned_agent_id"
	}
	value, ok := action.Config["value"]
	if !ok {
		return ActionResult{}, &PreconditionError{Action: ActionAssign, Missing: "config field \"value\""}
	}

	if err := e.setEntityField(ctx, actx, ActionAssign, field, value); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Action: ActionAssign,
		Detail: map[string]interface{}{"field": field, "value": value},
	}, nil
}

func (e *Executor) updateField(ctx context.Context, action Action, actx ActionContext) (ActionResult, error) {
	field := configString(action.Config, "field")
	if field == "" {
		return ActionResult{}, &PreconditionError{Action: ActionUpdateField, Missing: "config field \"field\""}
	}
	value := action.Config["value"]

	if err := e.setEntityField(ctx, actx, ActionUpdateField, field, value); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Action: ActionUpdateField,
		Detail: map[string]interface{}{"field": field, "value": value},
	}, nil
}

// setEntityField resolves the context entity's repository and writes one
// field. Shared by assign and update_field.
func (e *Executor) setEntityField(ctx context.Context, actx ActionContext, action, field string, value interface{}) error {
	if actx.EntityType == "" || actx.EntityID == "" {
		return &PreconditionError{Action: action, Missing: "entity reference in context"}
	}

	repo, err := e.registry.Resolve(actx.EntityType)
	if err != nil {
		return err
	}

	entityID, err := uuid.Parse(actx.EntityID)
	if err != nil {
		return errors.Wrapf(err, "%s: invalid entity id", action)
	}

	return repo.UpdateField(ctx, actx.TenantID, entityID, field, value)
}

func (e *Executor) createTask(ctx context.Context, action Action, actx ActionContext) (ActionResult, error) {
	title := configString(action.Config, "title")
	if title == "" {
		return ActionResult{}, &PreconditionError{Action: ActionCreateTask, Missing: "config field \"title\""}
	}

	task := &models.Task{
		ID:          uuid.New(),
		TenantID:    actx.TenantID,
		Title:       title,
		Description: configString(action.Config, "description"),
		Priority:    "normal",
		Status:      "open",
		EntityType:  actx.EntityType,
		EntityID:    actx.EntityID,
	}
	if priority := configString(action.Config, "priority"); priority != "" {
		task.Priority = priority
	}
	if assignee := configString(action.Config, "assignee_id"); assignee != "" {
		if id, err := uuid.Parse(assignee); err == nil {
			task.AssigneeID = &id
		}
	}
	if days := configFloat(action.Config, "due_in_days"); days > 0 {
		due := time.Now().UTC().AddDate(0, 0, int(days))
		task.DueDate = &due
	}

	if err := e.tasks.Create(ctx, task); err != nil {
		return ActionResult{}, errors.Wrap(err, "create_task: failed to create task")
	}
	return ActionResult{
		Action: ActionCreateTask,
		Detail: map[string]interface{}{"task_id": task.ID.String(), "title": task.Title},
	}, nil
}

func (e *Executor) sendEmail(ctx context.Context, action Action, actx ActionContext) (ActionResult, error) {
	to := configString(action.Config, "to")
	if to == "" {
		return ActionResult{}, &PreconditionError{Action: ActionSendEmail, Missing: "config field \"to\""}
	}
	subject := configString(action.Config, "subject")
	if subject == "" {
		return ActionResult{}, &PreconditionError{Action: ActionSendEmail, Missing: "config field \"subject\""}
	}

	job, err := e.queue.Enqueue(ctx, queue.QueueEmail, "workflow_email", map[string]interface{}{
		"to":      to,
		"subject": subject,
		"html":    configString(action.Config, "body"),
		"from":    configString(action.Config, "from"),
	})
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "send_email: failed to enqueue email job")
	}
	return ActionResult{
		Action: ActionSendEmail,
		Detail: map[string]interface{}{"job_id": job.ID.String(), "to": to},
	}, nil
}

func (e *Executor) sendNotification(ctx context.Context, action Action, actx ActionContext) (ActionResult, error) {
	userID := configString(action.Config, "userId")
	if userID == "" {
		return ActionResult{}, &PreconditionError{Action: ActionSendNotification, Missing: "config field \"userId\""}
	}

	// Best effort: a failed emit is logged, not surfaced as an action
	// failure, so the rest of the workflow still runs.
	err := e.notifier.Emit(ctx, userID, notifier.Notification{
		Title: configString(action.Config, "title"),
		Body:  configString(action.Config, "message"),
		Data: map[string]interface{}{
			"entity_type": actx.EntityType,
			"entity_id":   actx.EntityID,
		},
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Notification emit failed")
	}
	return ActionResult{
		Action: ActionSendNotification,
		Detail: map[string]interface{}{"user_id": userID},
	}, nil
}

func (e *Executor) webhook(ctx context.Context, action Action, actx ActionContext) (ActionResult, error) {
	url := configString(action.Config, "url")
	if url == "" {
		return ActionResult{}, &PreconditionError{Action: ActionWebhook, Missing: "config field \"url\""}
	}

	method := configString(action.Config, "method")
	if method == "" {
		method = http.MethodPost
	}

	var body []byte
	if raw, ok := action.Config["body"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return ActionResult{}, errors.Wrap(err, "webhook: failed to encode body")
		}
		body = encoded
	} else {
		encoded, err := json.Marshal(map[string]interface{}{
			"tenant_id":   actx.TenantID.String(),
			"entity_type": actx.EntityType,
			"entity_id":   actx.EntityID,
			"entity":      actx.Entity,
		})
		if err != nil {
			return ActionResult{}, errors.Wrap(err, "webhook: failed to encode context body")
		}
		body = encoded
	}

	reqCtx, cancel := context.WithTimeout(ctx, webhookActionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "webhook: failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := action.Config["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "webhook: request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ActionResult{}, errors.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return ActionResult{
		Action: ActionWebhook,
		Detail: map[string]interface{}{"url": url, "status_code": resp.StatusCode},
	}, nil
}

func configString(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func configFloat(config map[string]interface{}, key string) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// EmailJobHandler returns the email queue handler delivering through the
// given mailer.
func EmailJobHandler(m mailer.Mailer) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		msg := mailer.Message{
			To:      job.DataString("to"),
			Subject: job.DataString("subject"),
			HTML:    job.DataString("html"),
			From:    job.DataString("from"),
		}
		if msg.To == "" || msg.Subject == "" {
			return errors.New("email job missing to/subject")
		}
		return m.Send(ctx, msg)
	}
}
