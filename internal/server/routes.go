package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tyrowin/mcphub/internal/auth"
)

// Routes builds the router with every gateway endpoint.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.requestLogger)

	// Unauthenticated liveness endpoints
	r.Get("/", HealthHandler)
	r.Get("/healthz", g.handleHealth)

	// The socket adapter authorizes during the handshake itself so it can
	// refuse before upgrading.
	r.Get("/ws", g.handleSocket)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(g.gate, g.logger))
		r.Get("/mcp", g.handleStream)
		r.Post("/mcp", g.handleSubmit)
	})

	return r
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"duration", time.Since(start))
	})
}
