package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/atlas/services/orchestrator/internal/breaker"
	"example.com/atlas/services/orchestrator/internal/events"
	"example.com/atlas/services/orchestrator/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock stores for testing
type MockSubscriptionStore struct {
	mock.Mock
}

func (m *MockSubscriptionStore) ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.WebhookSubscription, error) {
	args := m.Called(ctx, tenantID, eventType)
	return args.Get(0).([]models.WebhookSubscription), args.Error(1)
}

func (m *MockSubscriptionStore) MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockSubscriptionStore) IncrementFailureCount(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSubscriptionStore) ResetFailureCount(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type recordingDeliveryStore struct {
	mu      sync.Mutex
	records []*models.WebhookDelivery
}

func (s *recordingDeliveryStore) Create(ctx context.Context, delivery *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, delivery)
	return nil
}

func (s *recordingDeliveryStore) all() []*models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.WebhookDelivery(nil), s.records...)
}

func subscriptionFor(url string) models.WebhookSubscription {
	return models.WebhookSubscription{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		TargetURL: url,
		Secret:    "top-secret",
		Events:    []byte(`["invoice.created"]`),
		Active:    true,
	}
}

func TestDispatchEventDeliversSignedPost(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotSignature, gotEventHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(SignatureHeader)
		gotEventHeader = r.Header.Get("X-Atlas-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := subscriptionFor(server.URL)
	subs := new(MockSubscriptionStore)
	subs.On("ListActiveForEvent", mock.Anything, sub.TenantID, "invoice.created").
		Return([]models.WebhookSubscription{sub}, nil)
	subs.On("MarkTriggered", mock.Anything, sub.ID, mock.AnythingOfType("time.Time")).Return(nil)
	subs.On("ResetFailureCount", mock.Anything, sub.ID).Return(nil)

	deliveries := &recordingDeliveryStore{}
	d := NewDispatcher(subs, deliveries, breaker.NewManager(breaker.DefaultSettings()), 5*time.Second)

	event := events.New("invoice.created", &sub.TenantID, map[string]interface{}{"invoice_id": "inv-1"})
	require.NoError(t, d.DispatchEvent(context.Background(), event))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "invoice.created", gotEventHeader)
	require.Equal(t, Sign(sub.Secret, gotBody), gotSignature, "body must verify against the subscription secret")

	records := deliveries.all()
	require.Len(t, records, 1)
	require.True(t, records[0].Success)
	require.False(t, records[0].Skipped)
	require.Equal(t, event.ID, records[0].EventID)
	require.NotNil(t, records[0].StatusCode)
	require.Equal(t, http.StatusOK, *records[0].StatusCode)
	subs.AssertCalled(t, "MarkTriggered", mock.Anything, sub.ID, mock.AnythingOfType("time.Time"))
}

func TestDispatchEventRecordsFailureOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sub := subscriptionFor(server.URL)
	subs := new(MockSubscriptionStore)
	subs.On("ListActiveForEvent", mock.Anything, sub.TenantID, "invoice.created").
		Return([]models.WebhookSubscription{sub}, nil)
	subs.On("IncrementFailureCount", mock.Anything, sub.ID).Return(nil)

	deliveries := &recordingDeliveryStore{}
	cb := breaker.NewManager(breaker.DefaultSettings())
	d := NewDispatcher(subs, deliveries, cb, 5*time.Second)

	event := events.New("invoice.created", &sub.TenantID, nil)
	require.NoError(t, d.DispatchEvent(context.Background(), event))

	records := deliveries.all()
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.NotNil(t, records[0].Error)
	require.Contains(t, *records[0].Error, "502")
	require.Equal(t, 1, cb.Stats(server.URL).FailureCount)
	subs.AssertCalled(t, "IncrementFailureCount", mock.Anything, sub.ID)
	subs.AssertNotCalled(t, "MarkTriggered", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchEventSkipsWhenCircuitOpen(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := subscriptionFor(server.URL)
	subs := new(MockSubscriptionStore)
	subs.On("ListActiveForEvent", mock.Anything, sub.TenantID, "invoice.created").
		Return([]models.WebhookSubscription{sub}, nil)
	subs.On("IncrementFailureCount", mock.Anything, sub.ID).Return(nil)

	deliveries := &recordingDeliveryStore{}
	cb := breaker.NewManager(breaker.Settings{
		FailureThreshold:  2,
		CoolDown:          time.Hour,
		HalfOpenSuccesses: 1,
	})
	d := NewDispatcher(subs, deliveries, cb, 5*time.Second)

	event := events.New("invoice.created", &sub.TenantID, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.DispatchEvent(context.Background(), event))
	}

	require.EqualValues(t, 2, atomic.LoadInt64(&requests), "third dispatch must be short-circuited")
	require.Equal(t, breaker.StateOpen, cb.Stats(server.URL).State)

	records := deliveries.all()
	require.Len(t, records, 3)
	require.True(t, records[2].Skipped)
	require.NotNil(t, records[2].Error)
	require.Contains(t, *records[2].Error, "circuit open")
}

func TestDispatchEventIgnoresSystemEvents(t *testing.T) {
	subs := new(MockSubscriptionStore)
	deliveries := &recordingDeliveryStore{}
	d := NewDispatcher(subs, deliveries, breaker.NewManager(breaker.DefaultSettings()), time.Second)

	require.NoError(t, d.DispatchEvent(context.Background(), events.New("system.started", nil, nil)))
	subs.AssertNotCalled(t, "ListActiveForEvent", mock.Anything, mock.Anything, mock.Anything)
	require.Empty(t, deliveries.all())
}

func TestInboundReceiverVerifiesAndRepublishes(t *testing.T) {
	bus := events.NewBus()
	var got *events.Event
	bus.SubscribeAll("capture", func(ctx context.Context, e *events.Event) error {
		got = e
		return nil
	})

	receiver := NewInboundReceiver(bus, map[string]string{"stripe": "whsec_test"})
	tenantID := uuid.New()
	body := []byte(`{"type":"charge.succeeded","tenant_id":"` + tenantID.String() + `","payload":{"charge_id":"ch_1"}}`)

	event, err := receiver.Receive(context.Background(), "stripe", Sign("whsec_test", body), body)
	require.NoError(t, err)
	require.Equal(t, "inbound.stripe.charge.succeeded", event.Type)
	require.NotNil(t, event.TenantID)
	require.Equal(t, tenantID, *event.TenantID)

	require.NotNil(t, got, "event must reach bus subscribers")
	require.Equal(t, "ch_1", got.PayloadString("charge_id"))
}

func TestInboundReceiverRejectsBadCallers(t *testing.T) {
	receiver := NewInboundReceiver(events.NewBus(), map[string]string{"stripe": "whsec_test"})
	body := []byte(`{"type":"charge.succeeded"}`)

	_, err := receiver.Receive(context.Background(), "github", Sign("whsec_test", body), body)
	require.ErrorIs(t, err, ErrUnknownSource)

	_, err = receiver.Receive(context.Background(), "stripe", Sign("wrong", body), body)
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = receiver.Receive(context.Background(), "stripe", Sign("whsec_test", []byte(`not json`)), []byte(`not json`))
	require.Error(t, err)
}
