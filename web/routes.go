package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tablecast/tablecast/telemetry"
)

// NewRouter builds the HTTP API router. Reads are open; row mutations go
// through AuthMiddleware and reject unauthenticated callers when a key is
// configured.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	// Live UI
	r.Get("/", h.ServeUI)
	r.Get("/healthz", h.handleHealth)

	// Streaming endpoints: snapshot frames, a ready marker, then changes
	r.Get("/ws", h.streamer.ServeWS)
	r.Get("/events", h.streamer.ServeSSE)

	r.Route("/api/tables", func(r chi.Router) {
		r.Get("/", h.handleListTables)
		r.Get("/{table}", h.handleTableSnapshot)
		r.With(AuthMiddleware).Post("/{table}/rows", h.handleUpsertRow)
		r.With(AuthMiddleware).Delete("/{table}/rows/{key}", h.handleDeleteRow)
	})

	if mh := telemetry.GetMetricsHandler(); mh != nil {
		r.Handle("/metrics", mh)
	}

	return r
}
