// Package server exposes the screening pipeline over an HTTP JSON API:
// project and source management, pipeline editing, step execution, cluster
// corrections, and the human review surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/engine"
	"github.com/refsift/refsift/internal/review"
	"github.com/refsift/refsift/internal/step"
	"github.com/refsift/refsift/internal/store"
)

const maxRequestBodySize = 8 << 20 // source imports can carry whole .bib files

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      store.Store
	engine     *engine.Engine
	review     *review.Service
}

// Config holds HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
}

// New creates the server and builds its router.
func New(cfg Config, st store.Store, eng *engine.Engine) *Server {
	s := &Server{
		store:  st,
		engine: eng,
		review: review.NewService(st),
	}
	s.router = s.buildRouter(cfg.CORSOrigins)
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(origins []string) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.health)
	r.Get("/api/v1/steptypes", s.listStepTypes)

	r.Route("/api/v1/projects", func(r chi.Router) {
		r.Get("/", s.listProjects)
		r.Post("/", s.createProject)

		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Delete("/", s.deleteProject)

			r.Post("/sources", s.importSources)
			r.Get("/sources", s.getSources)

			r.Get("/pipeline", s.getPipeline)
			r.Put("/pipeline", s.setPipeline)

			r.Get("/steps", s.listSteps)
			r.Post("/steps", s.addStep)

			r.Route("/steps/{stepID}", func(r chi.Router) {
				r.Get("/", s.getStep)
				r.Put("/", s.updateStep)
				r.Delete("/", s.deleteStep)
				r.Post("/move", s.moveStep)
				r.Post("/run", s.runStep)
				r.Post("/reset", s.resetStep)
				r.Get("/runs", s.listRuns)
				r.Get("/input", s.getStepInput)
				r.Get("/output", s.getStepOutput)
				r.Get("/changes", s.getStepChanges)
				r.Get("/clusters", s.getClusters)
				r.Put("/clusters", s.updateClusters)
				r.Get("/review", s.getReview)
				r.Put("/review", s.updateReview)
				r.Put("/review/bulk", s.bulkUpdateReview)
				r.Get("/review/export", s.exportReview)
			})
		})
	})

	return r
}

// Start listens until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent; nothing left to do.
		_ = err
	}
}

// writeError maps domain errors onto HTTP status codes and writes a JSON
// error body.
func writeError(w http.ResponseWriter, err error) {
	var cfgErr *step.ConfigError
	var depErr *step.DependencyError
	var handlerErr *step.HandlerError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.As(err, &cfgErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &depErr):
		status = http.StatusConflict
	case errors.As(err, &handlerErr):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		zap.L().Error("server: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBodySize))
	return dec.Decode(v)
}
