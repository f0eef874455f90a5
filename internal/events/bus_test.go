package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPublishInvokesTypeAndCatchAllSubscribers(t *testing.T) {
	bus := NewBus()
	tenantID := uuid.New()

	var typed, catchAll int64
	bus.Subscribe("invoice.created", "first", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&typed, 1)
		return nil
	})
	bus.Subscribe("invoice.created", "second", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&typed, 1)
		return nil
	})
	bus.Subscribe("payment.recorded", "other", func(ctx context.Context, e *Event) error {
		t.Error("handler for a different event type must not run")
		return nil
	})
	bus.SubscribeAll("audit", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&catchAll, 1)
		return nil
	})

	event := New("invoice.created", &tenantID, map[string]interface{}{"invoice_id": "inv-1"})
	err := bus.Publish(context.Background(), event)

	require.NoError(t, err)
	require.EqualValues(t, 2, typed)
	require.EqualValues(t, 1, catchAll)
	require.Equal(t, 3, bus.SubscriberCount("invoice.created"))
}

func TestPublishCollectsFailuresWithoutStoppingOthers(t *testing.T) {
	bus := NewBus()

	var healthy int64
	bus.Subscribe("invoice.created", "journal", func(ctx context.Context, e *Event) error {
		return errors.New("db unavailable")
	})
	bus.Subscribe("invoice.created", "email", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&healthy, 1)
		return nil
	})
	bus.SubscribeAll("webhooks", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&healthy, 1)
		return nil
	})

	err := bus.Publish(context.Background(), New("invoice.created", nil, nil))

	require.Error(t, err)
	require.EqualValues(t, 2, healthy, "healthy handlers must still run")

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	require.Len(t, dispatchErr.Failures, 1)

	failure, ok := dispatchErr.ByHandler("journal")
	require.True(t, ok)
	require.EqualError(t, failure.Err, "db unavailable")

	_, ok = dispatchErr.ByHandler("email")
	require.False(t, ok)
}

func TestPublishRecoversHandlerPanic(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("invoice.created", "flaky", func(ctx context.Context, e *Event) error {
		panic("boom")
	})

	err := bus.Publish(context.Background(), New("invoice.created", nil, nil))

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	failure, ok := dispatchErr.ByHandler("flaky")
	require.True(t, ok)
	require.Contains(t, failure.Err.Error(), "panicked")
}

func TestPublishWithNoSubscribersSucceeds(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Publish(context.Background(), New("nobody.cares", nil, nil)))
}

func TestPayloadAccessors(t *testing.T) {
	event := New("payment.recorded", nil, map[string]interface{}{
		"invoice_id": "inv-9",
		"amount":     float64(125.5),
		"count":      3,
	})

	require.Equal(t, "inv-9", event.PayloadString("invoice_id"))
	require.Equal(t, "", event.PayloadString("missing"))
	require.Equal(t, 125.5, event.PayloadFloat("amount"))
	require.Equal(t, float64(3), event.PayloadFloat("count"))
	require.NotEqual(t, uuid.Nil, event.ID)
	require.False(t, event.OccurredAt.IsZero())
}
