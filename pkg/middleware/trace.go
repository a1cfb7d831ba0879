package middleware

import (
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/tracing"
)

// Trace opens a root span per request, keyed by the request id, and logs
// the finished span tree at debug level. It must run inside RequestID.
func Trace(next http.Handler) http.Handler {
	log := logger.WithComponent("trace")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID, _ := logger.RequestID(r.Context())
		ctx, span := tracing.StartSpan(r.Context(), r.Method+" "+r.URL.Path, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
		span.End()
		span.Log(log)
	})
}
