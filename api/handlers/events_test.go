package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"example.com/atlas/services/orchestrator/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func eventRouter(bus *events.Bus) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/events", NewEventHandler(bus).Publish)
	return r
}

func TestPublishEndpointAcceptsEvent(t *testing.T) {
	bus := events.NewBus()
	var received *events.Event
	bus.Subscribe("invoice.created", "capture", func(ctx context.Context, e *events.Event) error {
		received = e
		return nil
	})

	body := `{"type":"invoice.created","tenant_id":"` + "11111111-1111-1111-1111-111111111111" + `","payload":{"invoice_id":"inv-1"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	eventRouter(bus).ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, received)
	require.Equal(t, "inv-1", received.PayloadString("invoice_id"))

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["event_id"])
	require.EqualValues(t, 1, resp["subscribers"])
}

func TestPublishEndpointSurfacesHandlerFailures(t *testing.T) {
	bus := events.NewBus()
	bus.Subscribe("invoice.created", "invoice_journal", func(ctx context.Context, e *events.Event) error {
		return errors.New("journal store unavailable")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"type":"invoice.created"}`))
	req.Header.Set("Content-Type", "application/json")
	eventRouter(bus).ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp struct {
		Failures []struct {
			Handler string `json:"handler"`
			Error   string `json:"error"`
		} `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Failures, 1)
	require.Equal(t, "invoice_journal", resp.Failures[0].Handler)
	require.Contains(t, resp.Failures[0].Error, "journal store unavailable")
}

func TestPublishEndpointValidatesInput(t *testing.T) {
	router := eventRouter(events.NewBus())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"payload":{}}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code, "type is required")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"type":"x","tenant_id":"not-a-uuid"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
