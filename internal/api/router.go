package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/middleware"
)

// RouterConfig carries the optional collaborators of the router. A nil
// Metrics, Health or Limiter disables it, as do empty CORSOrigins and a
// zero Timeout.
type RouterConfig struct {
	Metrics     *metrics.Metrics
	Health      *health.Checker
	Limiter     *pkgmw.Limiter
	CORSOrigins []string
	Timeout     time.Duration
}

// NewRouter builds the HTTP handler.
//
// Route table:
//
//	GET    /api/notes?query=&limit=   search, or list every note without query
//	POST   /api/notes                 create
//	GET    /api/notes/{id}            fetch
//	PUT    /api/notes/{id}            replace an existing note
//	DELETE /api/notes/{id}            delete
//	GET    /health/live               liveness
//	GET    /health/ready              readiness
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → CORS → RateLimit → Trace → [Timeout] → handler
//
// Health routes skip CORS, rate limiting and tracing. Timeout wraps only the
// read routes: a write that outlives the deadline would still commit, so
// it must not be reported to the client as failed.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(pkgmw.RequestID)
	if cfg.Metrics != nil {
		r.Use(pkgmw.Metrics(cfg.Metrics))
	}

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.LiveHandler())
		r.Get("/health/ready", cfg.Health.ReadyHandler())
	}

	r.Route("/api/notes", func(r chi.Router) {
		if len(cfg.CORSOrigins) > 0 {
			r.Use(pkgmw.CORS(cfg.CORSOrigins))
		}
		if cfg.Limiter != nil {
			r.Use(pkgmw.RateLimit(cfg.Limiter))
		}
		r.Use(pkgmw.Trace)

		r.Group(func(r chi.Router) {
			if cfg.Timeout > 0 {
				r.Use(pkgmw.Timeout(cfg.Timeout))
			}
			r.Get("/", h.ListNotes)
			r.Get("/{id}", h.GetNote)
		})
		r.Post("/", h.CreateNote)
		r.Put("/{id}", h.UpdateNote)
		r.Delete("/{id}", h.DeleteNote)
	})

	return r
}
