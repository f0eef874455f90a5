package handlers

import (
	"net/http"

	"example.com/atlas/services/orchestrator/internal/breaker"
	"example.com/atlas/services/orchestrator/internal/metrics"
	"example.com/atlas/services/orchestrator/internal/search"

	"github.com/gin-gonic/gin"
)

// OpsHandler exposes operational state: circuit breakers, metrics and the
// dead letter index.
type OpsHandler struct {
	breaker *breaker.Manager
	metrics *metrics.Metrics
	search  *search.ElasticClient
}

// NewOpsHandler creates an ops handler. search may be nil when
// Elasticsearch is not configured.
func NewOpsHandler(cb *breaker.Manager, m *metrics.Metrics, es *search.ElasticClient) *OpsHandler {
	return &OpsHandler{breaker: cb, metrics: m, search: es}
}

// CircuitBreakers returns the state of every known circuit.
func (h *OpsHandler) CircuitBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuits": h.breaker.AllStats()})
}

// Metrics returns the in-process metrics snapshot.
func (h *OpsHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// DeadLetters searches the dead letter index, newest first.
func (h *OpsHandler) DeadLetters(c *gin.Context) {
	if h.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search not configured"})
		return
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
		"sort":  []map[string]interface{}{{"failed_at": map[string]interface{}{"order": "desc"}}},
		"size":  50,
	}
	if q := c.Query("queue"); q != "" {
		query["query"] = map[string]interface{}{
			"term": map[string]interface{}{"original_queue": q},
		}
	}

	hits, err := h.search.SearchDeadLetters(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": hits})
}
