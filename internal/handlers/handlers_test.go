package handlers

import (
	"context"
	"sync"
	"testing"

	"example.com/atlas/services/orchestrator/config"
	"example.com/atlas/services/orchestrator/internal/cache"
	"example.com/atlas/services/orchestrator/internal/events"
	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/notifier"
	"example.com/atlas/services/orchestrator/internal/queue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock stores for testing
type MockJournalStore struct {
	mock.Mock
}

func (m *MockJournalStore) Create(ctx context.Context, entry *models.JournalEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockJournalStore) ExistsForSource(ctx context.Context, sourceType, sourceID string) (bool, error) {
	args := m.Called(ctx, sourceType, sourceID)
	return args.Bool(0), args.Error(1)
}

type MockInvoiceStore struct {
	mock.Mock
}

func (m *MockInvoiceStore) ApplyPayment(ctx context.Context, id uuid.UUID, amount float64) error {
	args := m.Called(ctx, id, amount)
	return args.Error(0)
}

type MockOrderStore struct {
	mock.Mock
}

func (m *MockOrderStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

type recordingDeliveryStore struct {
	mu         sync.Mutex
	deliveries []*models.Delivery
}

func (s *recordingDeliveryStore) Create(ctx context.Context, delivery *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery)
	return nil
}

func (s *recordingDeliveryStore) ExistsForOrder(ctx context.Context, saleOrderID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.SaleOrderID == saleOrderID {
			return true, nil
		}
	}
	return false, nil
}

func disabledCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	c, err := cache.NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	return c
}

func testHandlers(t *testing.T, journals *MockJournalStore, invoices *MockInvoiceStore, orders *MockOrderStore, deliveries *recordingDeliveryStore) *Handlers {
	t.Helper()
	client := queue.NewClient(queue.NewMemoryBroker(16))
	return New(journals, invoices, orders, deliveries, client, notifier.NewLogNotifier(), disabledCache(t))
}

func TestInvoiceCreatedPostsExactlyOneJournalEntry(t *testing.T) {
	tenantID := uuid.New()
	journals := new(MockJournalStore)
	journals.On("ExistsForSource", mock.Anything, "invoice", "inv-1").Return(false, nil)

	var captured *models.JournalEntry
	journals.On("Create", mock.Anything, mock.AnythingOfType("*models.JournalEntry")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*models.JournalEntry)
		}).
		Return(nil)

	h := testHandlers(t, journals, new(MockInvoiceStore), new(MockOrderStore), &recordingDeliveryStore{})

	event := events.New(events.InvoiceCreated, &tenantID, map[string]interface{}{
		"invoice_id":   "inv-1",
		"partner_id":   "partner-7",
		"amount_total": float64(1180),
		"tax_amount":   float64(180),
	})
	require.NoError(t, h.HandleInvoiceCreated(context.Background(), event))

	journals.AssertNumberOfCalls(t, "Create", 1)
	require.NotNil(t, captured)
	require.Equal(t, "invoice", captured.SourceType)
	require.Equal(t, "inv-1", captured.SourceID)
	require.Equal(t, "partner-7", captured.PartnerID)
	require.Equal(t, float64(1180), captured.AmountTotal)
	require.Equal(t, float64(180), captured.TaxAmount)
	require.Equal(t, tenantID, captured.TenantID)
}

func TestInvoiceCreatedIsIdempotentOnReplay(t *testing.T) {
	tenantID := uuid.New()
	journals := new(MockJournalStore)
	journals.On("ExistsForSource", mock.Anything, "invoice", "inv-1").Return(true, nil)

	h := testHandlers(t, journals, new(MockInvoiceStore), new(MockOrderStore), &recordingDeliveryStore{})

	event := events.New(events.InvoiceCreated, &tenantID, map[string]interface{}{"invoice_id": "inv-1"})
	require.NoError(t, h.HandleInvoiceCreated(context.Background(), event))

	journals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestInvoiceCreatedPropagatesJournalFailure(t *testing.T) {
	tenantID := uuid.New()
	journals := new(MockJournalStore)
	journals.On("ExistsForSource", mock.Anything, "invoice", "inv-1").Return(false, nil)
	journals.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))

	h := testHandlers(t, journals, new(MockInvoiceStore), new(MockOrderStore), &recordingDeliveryStore{})

	event := events.New(events.InvoiceCreated, &tenantID, map[string]interface{}{"invoice_id": "inv-1"})
	err := h.HandleInvoiceCreated(context.Background(), event)

	require.Error(t, err, "journal posting is load-bearing, the publisher must see the failure")
	require.Contains(t, err.Error(), "db down")
}

func TestInvoiceCreatedRequiresInvoiceID(t *testing.T) {
	h := testHandlers(t, new(MockJournalStore), new(MockInvoiceStore), new(MockOrderStore), &recordingDeliveryStore{})
	tenantID := uuid.New()

	err := h.HandleInvoiceCreated(context.Background(), events.New(events.InvoiceCreated, &tenantID, nil))
	require.Error(t, err)
}

func TestPaymentRecordedPostsJournalAndAppliesPayment(t *testing.T) {
	tenantID := uuid.New()
	invoiceID := uuid.New()

	journals := new(MockJournalStore)
	journals.On("ExistsForSource", mock.Anything, "payment", "pay-1").Return(false, nil)
	journals.On("Create", mock.Anything, mock.AnythingOfType("*models.JournalEntry")).Return(nil)

	invoices := new(MockInvoiceStore)
	invoices.On("ApplyPayment", mock.Anything, invoiceID, float64(500)).Return(nil)

	h := testHandlers(t, journals, invoices, new(MockOrderStore), &recordingDeliveryStore{})

	event := events.New(events.PaymentRecorded, &tenantID, map[string]interface{}{
		"payment_id": "pay-1",
		"invoice_id": invoiceID.String(),
		"amount":     float64(500),
	})
	require.NoError(t, h.HandlePaymentRecorded(context.Background(), event))

	journals.AssertNumberOfCalls(t, "Create", 1)
	invoices.AssertCalled(t, "ApplyPayment", mock.Anything, invoiceID, float64(500))
}

func TestPaymentRecordedSkipsExistingJournalEntry(t *testing.T) {
	tenantID := uuid.New()
	journals := new(MockJournalStore)
	journals.On("ExistsForSource", mock.Anything, "payment", "pay-1").Return(true, nil)

	invoices := new(MockInvoiceStore)
	h := testHandlers(t, journals, invoices, new(MockOrderStore), &recordingDeliveryStore{})

	event := events.New(events.PaymentRecorded, &tenantID, map[string]interface{}{
		"payment_id": "pay-1",
		"invoice_id": uuid.New().String(),
		"amount":     float64(500),
	})
	require.NoError(t, h.HandlePaymentRecorded(context.Background(), event))

	journals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	invoices.AssertNotCalled(t, "ApplyPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestSaleOrderConfirmedCreatesPendingDelivery(t *testing.T) {
	tenantID := uuid.New()
	orderID := uuid.New()
	deliveries := &recordingDeliveryStore{}

	h := testHandlers(t, new(MockJournalStore), new(MockInvoiceStore), new(MockOrderStore), deliveries)

	event := events.New(events.SaleOrderConfirmed, &tenantID, map[string]interface{}{"order_id": orderID.String()})
	require.NoError(t, h.HandleSaleOrderConfirmed(context.Background(), event))

	require.Len(t, deliveries.deliveries, 1)
	require.Equal(t, orderID, deliveries.deliveries[0].SaleOrderID)
	require.Equal(t, "pending", deliveries.deliveries[0].Status)
	require.Equal(t, tenantID, deliveries.deliveries[0].TenantID)
}

func TestSaleOrderConfirmedIsIdempotentOnRedelivery(t *testing.T) {
	tenantID := uuid.New()
	orderID := uuid.New()
	deliveries := &recordingDeliveryStore{}

	h := testHandlers(t, new(MockJournalStore), new(MockInvoiceStore), new(MockOrderStore), deliveries)

	event := events.New(events.SaleOrderConfirmed, &tenantID, map[string]interface{}{"order_id": orderID.String()})
	require.NoError(t, h.HandleSaleOrderConfirmed(context.Background(), event))

	event.Redelivered = true
	require.NoError(t, h.HandleSaleOrderConfirmed(context.Background(), event))

	require.Len(t, deliveries.deliveries, 1, "a redelivered confirmation must not schedule a second delivery")
}

func TestDeliveryCompletedMarksOrderFulfilled(t *testing.T) {
	tenantID := uuid.New()
	orderID := uuid.New()

	orders := new(MockOrderStore)
	orders.On("UpdateStatus", mock.Anything, orderID, "fulfilled").Return(nil)

	h := testHandlers(t, new(MockJournalStore), new(MockInvoiceStore), orders, &recordingDeliveryStore{})

	event := events.New(events.DeliveryCompleted, &tenantID, map[string]interface{}{
		"order_id":       orderID.String(),
		"salesperson_id": "user-3",
	})
	require.NoError(t, h.HandleDeliveryCompleted(context.Background(), event))

	orders.AssertCalled(t, "UpdateStatus", mock.Anything, orderID, "fulfilled")
}

func TestRegisterSubscribesAllBuiltins(t *testing.T) {
	h := testHandlers(t, new(MockJournalStore), new(MockInvoiceStore), new(MockOrderStore), &recordingDeliveryStore{})

	bus := events.NewBus()
	h.Register(bus)

	require.Equal(t, 1, bus.SubscriberCount(events.InvoiceCreated))
	require.Equal(t, 1, bus.SubscriberCount(events.PaymentRecorded))
	require.Equal(t, 1, bus.SubscriberCount(events.SaleOrderConfirmed))
	require.Equal(t, 1, bus.SubscriberCount(events.DeliveryCompleted))
}
