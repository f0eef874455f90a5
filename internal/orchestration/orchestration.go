// Package orchestration is the composition root: it builds the event bus,
// queue workers, webhook gateway and workflow engine from configuration and
// wires the built-in subscribers.
package orchestration

import (
	"context"
	"encoding/json"
	"time"

	"example.com/atlas/services/orchestrator/config"
	"example.com/atlas/services/orchestrator/internal/breaker"
	"example.com/atlas/services/orchestrator/internal/cache"
	"example.com/atlas/services/orchestrator/internal/entities"
	"example.com/atlas/services/orchestrator/internal/events"
	"example.com/atlas/services/orchestrator/internal/handlers"
	"example.com/atlas/services/orchestrator/internal/mailer"
	"example.com/atlas/services/orchestrator/internal/metrics"
	"example.com/atlas/services/orchestrator/internal/notifier"
	"example.com/atlas/services/orchestrator/internal/queue"
	"example.com/atlas/services/orchestrator/internal/repositories"
	"example.com/atlas/services/orchestrator/internal/search"
	"example.com/atlas/services/orchestrator/internal/tracing"
	"example.com/atlas/services/orchestrator/internal/webhooks"
	"example.com/atlas/services/orchestrator/internal/workflows"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// App holds every wired component. The API server and the worker command
// both run off one of these.
type App struct {
	Config  config.Config
	Bus     *events.Bus
	Breaker *breaker.Manager
	Queue   *queue.Client
	Metrics *metrics.Metrics
	Tracer  tracing.Tracer
	Cache   *cache.RedisCache

	Trigger    *workflows.Trigger
	Runner     *workflows.Runner
	Dispatcher *webhooks.Dispatcher
	Inbound    *webhooks.InboundReceiver
	Poller     *webhooks.Poller
	Registry   *entities.Registry

	Definitions *repositories.WorkflowDefinitionRepository
	Runs        *repositories.WorkflowRunRepository
	Search      *search.ElasticClient

	broker  queue.Broker
	workers []*queue.Worker
}

// Initialize wires the full orchestration stack against the given databases.
func Initialize(cfg config.Config, db, readOnlyDB *gorm.DB) (*App, error) {
	app := &App{
		Config:  cfg,
		Metrics: metrics.NewMetrics(),
	}
	app.Bus = events.NewBus(events.WithMetrics(app.Metrics))

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize tracer")
	}
	app.Tracer = tracer

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize redis cache")
	}
	app.Cache = redisCache

	var notify notifier.Notifier
	if client := redisCache.Client(); client != nil {
		notify = notifier.NewRedisNotifier(client)
	} else {
		notify = notifier.NewLogNotifier()
	}

	if cfg.Elastic.URL != "" {
		es, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize elasticsearch client")
		}
		app.Search = es
	}

	broker, err := newBroker(cfg)
	if err != nil {
		return nil, err
	}
	app.broker = broker
	app.Queue = queue.NewClient(broker)

	app.Breaker = breaker.NewManager(breaker.Settings{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		CoolDown:          cfg.Breaker.CoolDown,
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
	})

	// Stores.
	subscriptions := repositories.NewWebhookSubscriptionRepository(db, readOnlyDB)
	deliveries := repositories.NewWebhookDeliveryRepository(db, readOnlyDB)
	app.Definitions = repositories.NewWorkflowDefinitionRepository(db, readOnlyDB)
	app.Runs = repositories.NewWorkflowRunRepository(db, readOnlyDB)
	tasks := repositories.NewTaskRepository(db, readOnlyDB)
	journals := repositories.NewJournalEntryRepository(db, readOnlyDB)
	invoices := repositories.NewInvoiceRepository(db, readOnlyDB)
	orders := repositories.NewSaleOrderRepository(db, readOnlyDB)
	deliveryStore := repositories.NewDeliveryRepository(db, readOnlyDB)

	// Workflow actions address entities by type name through the registry;
	// each supported type is registered explicitly.
	app.Registry = entities.NewRegistry()
	for entityType, table := range map[string]string{
		"ticket":     "tickets",
		"task":       "tasks",
		"invoice":    "invoices",
		"sale_order": "sale_orders",
		"delivery":   "deliveries",
	} {
		app.Registry.Register(entityType, entities.NewGormRepository(db, readOnlyDB, table))
	}

	// Built-in domain subscribers.
	builtins := handlers.New(journals, invoices, orders, deliveryStore, app.Queue, notify, redisCache)
	builtins.Register(app.Bus)

	// Workflow engine.
	app.Trigger = workflows.NewTrigger(app.Definitions, app.Queue, cfg.Workflows.Enabled)
	app.Bus.SubscribeAll("workflow_trigger", app.Trigger.HandleEvent)
	app.Bus.Subscribe(events.WorkflowResumed, "workflow_resume", app.Trigger.HandleResume)
	executor := workflows.NewExecutor(app.Registry, app.Queue, notify, tasks)
	app.Runner = workflows.NewRunner(app.Definitions, app.Runs, executor)

	// Webhook gateway. Outbound fan-out rides the events queue so delivery
	// retries survive a restart; the bus subscriber only enqueues.
	dispatcherOpts := []webhooks.DispatcherOption{webhooks.WithMetrics(app.Metrics)}
	if app.Search != nil {
		dispatcherOpts = append(dispatcherOpts, webhooks.WithIndexer(app.Search))
	}
	app.Dispatcher = webhooks.NewDispatcher(subscriptions, deliveries, app.Breaker, cfg.Webhooks.Timeout, dispatcherOpts...)
	app.Bus.SubscribeAll("webhook_fanout", app.enqueueDispatch)

	app.Inbound = webhooks.NewInboundReceiver(app.Bus, cfg.Webhooks.InboundSecrets)
	app.Poller = webhooks.NewPoller(app.Bus, cfg.Webhooks.PollInterval)

	// Workers.
	app.workers = []*queue.Worker{
		queue.NewWorker(app.Queue, queue.QueueEmail, cfg.Queues.Email.Concurrency, workflows.EmailJobHandler(mailer.NewLogMailer()), queue.WithMetrics(app.Metrics)),
		queue.NewWorker(app.Queue, queue.QueueReport, cfg.Queues.Report.Concurrency, reportJobHandler(), queue.WithMetrics(app.Metrics)),
		queue.NewWorker(app.Queue, queue.QueueWorkflow, cfg.Queues.Workflow.Concurrency, app.Runner.ProcessJob, queue.WithMetrics(app.Metrics)),
		queue.NewWorker(app.Queue, queue.QueueEvents, cfg.Queues.Events.Concurrency, app.dispatchJobHandler(), queue.WithDeadLetter(), queue.WithMetrics(app.Metrics)),
		queue.NewWorker(app.Queue, queue.QueueDLQ, cfg.Queues.DLQ.Concurrency, app.deadLetterHandler(), queue.WithMetrics(app.Metrics)),
	}

	log.Info().
		Str("environment", cfg.Environment).
		Bool("workflows_enabled", cfg.Workflows.Enabled).
		Bool("elastic", app.Search != nil).
		Msg("Orchestration stack initialized")
	return app, nil
}

// RunWorkers runs every queue worker plus the inbound poller until ctx is
// cancelled. The first worker error stops the group.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, worker := range a.workers {
		worker := worker
		g.Go(func() error {
			return worker.Run(ctx)
		})
	}
	g.Go(func() error {
		return a.Poller.Run(ctx)
	})
	return g.Wait()
}

// Close releases broker and cache resources.
func (a *App) Close() error {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis cache")
		}
	}
	return a.broker.Close()
}

func newBroker(cfg config.Config) (queue.Broker, error) {
	if cfg.Azure.QueueConnStr != "" {
		broker, err := queue.NewServiceBusBroker(cfg.Azure)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize service bus broker")
		}
		return broker, nil
	}
	log.Warn().Msg("No service bus connection configured, using in-memory broker")
	return queue.NewMemoryBroker(1024), nil
}

// enqueueDispatch is the catch-all bus subscriber feeding the events queue.
// An event that cannot be enqueued surfaces to the publisher as a dispatch
// failure. Redelivered events are already on the queue and are not enqueued
// again.
func (a *App) enqueueDispatch(ctx context.Context, event *events.Event) error {
	if event.Redelivered {
		return nil
	}

	data := map[string]interface{}{
		"event_id":    event.ID.String(),
		"event_type":  event.Type,
		"payload":     event.Payload,
		"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
	}
	if event.TenantID != nil {
		data["tenant_id"] = event.TenantID.String()
	}

	_, err := a.Queue.Enqueue(ctx, queue.QueueEvents, "dispatch_webhooks", data,
		queue.WithAttempts(a.Config.Queues.Events.MaxAttempts),
		queue.WithBackoff(a.Config.Queues.Events.Backoff))
	if err != nil {
		return errors.Wrap(err, "failed to enqueue webhook dispatch")
	}
	return nil
}

// dispatchJobHandler rebuilds the event from the queued envelope, re-runs it
// through the bus and then the webhook dispatcher. The redelivery pass makes
// the in-process subscribers durable: a handler that failed or crashed on
// the synchronous pass gets its event back through the queue's retry policy.
// Subscribers absorb the re-invocation through their idempotency checks;
// queue-bridging subscribers skip redelivered events outright.
func (a *App) dispatchJobHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		event, err := eventFromJob(job)
		if err != nil {
			return err
		}
		event.Redelivered = true
		if err := a.Bus.Publish(ctx, event); err != nil {
			return err
		}
		return a.Dispatcher.DispatchEvent(ctx, event)
	}
}

func eventFromJob(job *queue.Job) (*events.Event, error) {
	eventID, err := uuid.Parse(job.DataString("event_id"))
	if err != nil {
		return nil, errors.Wrap(err, "dispatch job missing event_id")
	}

	event := &events.Event{
		ID:   eventID,
		Type: job.DataString("event_type"),
	}
	if raw := job.DataString("tenant_id"); raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.Wrap(err, "dispatch job has invalid tenant_id")
		}
		event.TenantID = &tenantID
	}
	if payload, ok := job.Data["payload"].(map[string]interface{}); ok {
		event.Payload = payload
	} else {
		event.Payload = map[string]interface{}{}
	}
	if at, err := time.Parse(time.RFC3339Nano, job.DataString("occurred_at")); err == nil {
		event.OccurredAt = at
	} else {
		event.OccurredAt = time.Now().UTC()
	}
	return event, nil
}

// deadLetterHandler drains the dead letter queue: every exhausted job is
// logged and mirrored into the search index for later inspection. Returning
// nil keeps the DLQ a terminal sink.
func (a *App) deadLetterHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		log.Error().
			Str("dlq_job_id", job.ID.String()).
			Str("original_job_id", job.DataString("original_job_id")).
			Str("original_queue", job.DataString("original_queue")).
			Str("error", job.DataString("error")).
			Msg("Job exhausted all attempts")
		a.Metrics.IncrementCounter("queue.dead_lettered")

		if a.Search != nil {
			if err := a.Search.IndexDeadLetter(ctx, job); err != nil {
				log.Warn().Err(err).Msg("Failed to index dead letter")
			}
		}
		return nil
	}
}

// reportJobHandler renders a report job. Generation is synchronous and the
// result is logged; delivery of the artifact is the caller's concern.
func reportJobHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		name := job.DataString("report")
		if name == "" {
			return errors.New("report job missing report name")
		}
		started := time.Now()

		// Rendering placeholder: materialize the parameters so malformed
		// requests fail here rather than downstream.
		params := map[string]interface{}{}
		if raw, ok := job.Data["params"]; ok {
			encoded, err := json.Marshal(raw)
			if err != nil {
				return errors.Wrap(err, "report job has malformed params")
			}
			if err := json.Unmarshal(encoded, &params); err != nil {
				return errors.Wrap(err, "report job has malformed params")
			}
		}

		log.Info().
			Str("report", name).
			Int("params", len(params)).
			Dur("duration", time.Since(started)).
			Msg("Report generated")
		return nil
	}
}
