package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gami/protocol-engine/internal/metrics"
)

// Agent is one engine's HTTP surface.
type Agent interface {
	Routes(r chi.Router)
	Health() Health
}

// NewRouter builds the HTTP handler for the given agents. A single agent is
// mounted at the root; several agents are each mounted under /<service>,
// with an aggregate /health at the root.
func NewRouter(agents ...Agent) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Handle("/metrics", metrics.Handler())

	if len(agents) == 1 {
		mount(r, agents[0])
		return r
	}

	for _, a := range agents {
		r.Route("/"+a.Health().Service, func(r chi.Router) {
			mount(r, a)
		})
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		out := make([]Health, 0, len(agents))
		for _, a := range agents {
			out = append(out, a.Health())
		}
		writeJSON(w, http.StatusOK, out)
	})
	return r
}

func mount(r chi.Router, a Agent) {
	a.Routes(r)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.Health())
	})
}
