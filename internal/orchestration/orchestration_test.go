package orchestration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"example.com/atlas/services/orchestrator/config"
	"example.com/atlas/services/orchestrator/internal/breaker"
	"example.com/atlas/services/orchestrator/internal/events"
	"example.com/atlas/services/orchestrator/internal/metrics"
	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/queue"
	"example.com/atlas/services/orchestrator/internal/webhooks"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type noSubscriptions struct{}

func (noSubscriptions) ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.WebhookSubscription, error) {
	return nil, nil
}

func (noSubscriptions) MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (noSubscriptions) IncrementFailureCount(ctx context.Context, id uuid.UUID) error { return nil }

func (noSubscriptions) ResetFailureCount(ctx context.Context, id uuid.UUID) error { return nil }

type noDeliveries struct{}

func (noDeliveries) Create(ctx context.Context, delivery *models.WebhookDelivery) error { return nil }

func testApp(t *testing.T) (*App, queue.Broker) {
	t.Helper()
	broker := queue.NewMemoryBroker(16)

	var cfg config.Config
	cfg.Queues.Events = config.QueueConfig{MaxAttempts: 3}

	app := &App{
		Config:  cfg,
		Metrics: metrics.NewMetrics(),
		Queue:   queue.NewClient(broker),
		broker:  broker,
	}
	app.Bus = events.NewBus()
	app.Breaker = breaker.NewManager(breaker.DefaultSettings())
	app.Dispatcher = webhooks.NewDispatcher(noSubscriptions{}, noDeliveries{}, app.Breaker, time.Second)
	app.Bus.SubscribeAll("webhook_fanout", app.enqueueDispatch)
	return app, broker
}

func consumeOne(t *testing.T, broker queue.Broker, queueName string) (*queue.Job, <-chan *queue.Job) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	jobs := make(chan *queue.Job, 4)
	go broker.Consume(ctx, queueName, func(ctx context.Context, job *queue.Job) error {
		jobs <- job
		return nil
	})

	select {
	case job := <-jobs:
		return job, jobs
	case <-time.After(time.Second):
		t.Fatal("no envelope reached the events queue")
		return nil, nil
	}
}

func TestRedeliveryRerunsTypedSubscribersWithoutRequeueing(t *testing.T) {
	app, broker := testApp(t)

	var invocations int64
	app.Bus.Subscribe(events.InvoiceCreated, "invoice_journal", func(ctx context.Context, event *events.Event) error {
		atomic.AddInt64(&invocations, 1)
		return nil
	})

	tenantID := uuid.New()
	event := events.New(events.InvoiceCreated, &tenantID, map[string]interface{}{"invoice_id": "inv-1"})
	require.NoError(t, app.Bus.Publish(context.Background(), event))
	require.EqualValues(t, 1, atomic.LoadInt64(&invocations))

	job, jobs := consumeOne(t, broker, queue.QueueEvents)

	handler := app.dispatchJobHandler()
	require.NoError(t, handler(context.Background(), job))
	require.EqualValues(t, 2, atomic.LoadInt64(&invocations),
		"the events queue must re-run typed subscribers")

	select {
	case extra := <-jobs:
		t.Fatalf("redelivery re-enqueued envelope %s", extra.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchJobHandlerPropagatesSubscriberFailure(t *testing.T) {
	app, broker := testApp(t)

	app.Bus.Subscribe(events.PaymentRecorded, "payment_journal", func(ctx context.Context, event *events.Event) error {
		return errors.New("journal store unavailable")
	})

	tenantID := uuid.New()
	event := events.New(events.PaymentRecorded, &tenantID, map[string]interface{}{"payment_id": "pay-1"})
	require.Error(t, app.Bus.Publish(context.Background(), event))

	job, _ := consumeOne(t, broker, queue.QueueEvents)

	handler := app.dispatchJobHandler()
	err := handler(context.Background(), job)
	require.Error(t, err, "subscriber failures must ride the queue retry policy")
	require.Contains(t, err.Error(), "journal store unavailable")
}
