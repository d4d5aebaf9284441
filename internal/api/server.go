// Package api exposes the HTTP interface for the crawl engine.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/config"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
	"github.com/JakeFAU/siteaudit-crawler/internal/session"
)

// Sessions is the session lifecycle surface the API drives. session.Service satisfies it.
type Sessions interface {
	Create(ctx context.Context, cfg crawler.SessionConfig) (crawler.Session, error)
	Start(ctx context.Context, id string) (crawler.Session, error)
	Pause(ctx context.Context, id string) (crawler.Session, error)
	Resume(ctx context.Context, id string) (crawler.Session, error)
	Cancel(ctx context.Context, id string) (crawler.Session, error)
	Get(ctx context.Context, id string) (crawler.Session, error)
	Status(ctx context.Context, id string) (session.Status, error)
}

// Server wires HTTP handlers to the session service and page store.
type Server struct {
	router   chi.Router
	sessions Sessions
	pages    *PagesHandler
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sessions Sessions, pages crawler.PageStore, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		sessions: sessions,
		pages:    NewPagesHandler(sessions, pages, logger),
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Get("/status", s.getStatus)
				r.Post("/start", s.control(s.sessions.Start))
				r.Post("/pause", s.control(s.sessions.Pause))
				r.Post("/resume", s.control(s.sessions.Resume))
				r.Post("/cancel", s.control(s.sessions.Cancel))
				r.Get("/pages", s.pages.ListPages)
				r.Get("/errors", s.pages.ListErrors)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "backend": s.cfg.Backend})
}

type createSessionRequest struct {
	crawler.SessionConfig
	// Start begins crawling immediately after the session is stored.
	Start bool `json:"start"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	created, err := s.sessions.Create(r.Context(), req.SessionConfig)
	if err != nil {
		s.writeSessionError(w, created, err)
		return
	}
	if !req.Start {
		writeJSON(w, http.StatusCreated, map[string]any{"session": created})
		return
	}
	started, err := s.sessions.Start(r.Context(), created.ID)
	if err != nil {
		s.writeSessionError(w, started, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": started})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	found, err := s.sessions.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeSessionError(w, crawler.Session{}, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": found})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.Status(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeSessionError(w, crawler.Session{}, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// control adapts a lifecycle operation into a handler that returns the resulting session.
func (s *Server) control(op func(context.Context, string) (crawler.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := op(r.Context(), chi.URLParam(r, "session_id"))
		if err != nil {
			s.writeSessionError(w, result, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": result})
	}
}

// writeSessionError maps service errors onto status codes. Setup failures
// carry the failed session so callers can read its error log.
func (s *Server) writeSessionError(w http.ResponseWriter, current crawler.Session, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, crawler.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, session.ErrQuotaDenied):
		status = http.StatusPaymentRequired
	case errors.Is(err, session.ErrQuotaUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrRootUnreachable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("session request failed", zap.Error(err))
	}
	body := map[string]any{"error": err.Error()}
	if current.ID != "" {
		body["session"] = current
	}
	writeJSON(w, status, body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // the client has gone away; nothing left to report to
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
