// Package httpapi is the downstream HTTP surface for ERP consumers:
// read-only catalog queries over the mirror, thumbnail streaming, sync
// triggering, run inspection, and per-kind policy administration.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/sync"
)

// Server holds the handler dependencies. It never talks to the upstream
// directly; sync requests go through the durable task queue.
type Server struct {
	store  *store.Store
	eval   *sync.Evaluator
	logger *slog.Logger
}

func NewServer(st *store.Store, eval *sync.Evaluator, logger *slog.Logger) *Server {
	if eval == nil {
		eval = sync.NewEvaluator(nil)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{store: st, eval: eval, logger: logger}
}

// Router builds the chi mux with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/projects", s.listProjects)
	r.Get("/projects/{id}", s.getProject)
	r.Get("/projects/{id}/complete", s.getProjectComplete)
	r.Get("/projects/{id}/phases", s.listPhases)
	r.Get("/projects/{id}/phases/{phase_id}/elevations", s.listElevations)
	r.Get("/elevations/{id}/thumbnail", s.getThumbnail)

	r.Post("/sync/full", s.triggerFullSync)
	r.Post("/sync/project/{id}", s.triggerProjectSync)
	r.Get("/sync/runs/{run_id}", s.getRun)
	r.Get("/sync/config/{kind}", s.getConfig)
	r.Put("/sync/config/{kind}", s.putConfig)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", slog.String("error", err.Error()))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
