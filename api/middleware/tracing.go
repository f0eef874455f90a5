package middleware

import (
	"example.com/atlas/services/orchestrator/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
)

// Tracing returns a gin middleware recording a New Relic transaction per
// request. With tracing disabled the tracer returns nil transactions and the
// middleware is a passthrough.
func Tracing(tracer tracing.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := tracer.StartTransaction(c.Request.Method + " " + c.FullPath())
		if txn != nil {
			txn.SetWebRequestHTTP(c.Request)
			c.Request = c.Request.WithContext(newrelic.NewContext(c.Request.Context(), txn))
		}

		c.Next()

		if txn != nil {
			txn.SetWebResponse(nil).WriteHeader(c.Writer.Status())
			for _, ginErr := range c.Errors {
				tracer.RecordError(txn, ginErr.Err)
			}
			tracer.EndTransaction(txn)
		}
	}
}
