// Package server is the local admin surface: lane introspection, outcome
// history, challenge and verification control, and raw job submission.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/courierhq/courier/internal/conversation"
	"github.com/courierhq/courier/internal/history"
	"github.com/courierhq/courier/internal/observability"
)

// Server is the HTTP server for courier.
type Server struct {
	queue        *conversation.Queue
	directory    conversation.Directory
	verification *conversation.MemoryVerificationStore
	challenges   *conversation.ChallengeRegistry
	history      *history.DB
	httpServer   *http.Server
	router       chi.Router
}

// New creates a new Server. The history DB may be nil; history endpoints
// then report 404.
func New(q *conversation.Queue, dir conversation.Directory,
	ver *conversation.MemoryVerificationStore, ch *conversation.ChallengeRegistry,
	hist *history.DB, bindAddr string) *Server {
	srv := &Server{queue: q, directory: dir, verification: ver, challenges: ch, history: hist}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(observability.TraceRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/queues", s.handleListLanes)
		r.Get("/history", s.handleHistory)
		r.Post("/conversations", s.handleCreateConversation)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/history", s.handleConversationHistory)
			r.Get("/verification", s.handleGetVerification)
			r.Post("/verification/approve", s.handleApproveVerification)
			r.Post("/verification/cancel", s.handleCancelSends)
			r.Post("/challenge", s.handleRegisterChallenge)
			r.Delete("/challenge", s.handleSolveChallenge)
		})
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
