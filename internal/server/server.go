package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openride/chatpush/internal/dispatch"
	"github.com/openride/chatpush/internal/event"
	"github.com/openride/chatpush/internal/pipeline"
)

const (
	maxBodyBytes = 1 << 20

	// Bound on one webhook invocation end to end, provider fan-out
	// included. Webhook callers typically give up around 60s.
	requestTimeout = 30 * time.Second
)

type Server struct {
	pipeline   *pipeline.Pipeline
	logger     *slog.Logger
	httpServer *http.Server
	router     chi.Router
}

func New(p *pipeline.Pipeline, logger *slog.Logger) *Server {
	return &Server{pipeline: p, logger: logger}
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting server", "addr", addr)
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Post("/webhooks/messages", s.handleMessageWebhook)
	})

	return r
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

func (s *Server) handleMessageWebhook(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With("request_id", middleware.GetReqID(r.Context()))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, r, "cannot read request body")
		return
	}

	evt, err := event.Normalize(body, r.Header.Get("Content-Type"))
	if err != nil {
		logger.Error("webhook body rejected", "error", err)
		s.respondError(w, r, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.pipeline.Process(ctx, evt)
	if err != nil {
		var missing *pipeline.MissingFieldsError
		if errors.As(err, &missing) {
			logger.Error("webhook record rejected", "error", err)
		} else {
			logger.Error("pipeline failed", "error", err)
		}
		s.respondError(w, r, err.Error())
		return
	}

	s.respondResult(w, r, logger, result)
}

func (s *Server) respondResult(w http.ResponseWriter, r *http.Request, logger *slog.Logger, result *pipeline.Result) {
	if result.Summary != nil {
		logger.Info("webhook processed",
			"total_recipients", result.Summary.TotalRecipients,
			"successes", result.Summary.Successes,
			"skipped", result.Summary.Skipped,
			"errors", result.Summary.Errors)
		s.respond(w, r, result.Summary, http.StatusOK)
		return
	}

	outcome := result.Single
	switch outcome.Status {
	case dispatch.StatusSent:
		logger.Info("webhook processed", "user_id", outcome.UserID,
			"devices", outcome.Devices, "successes", outcome.Successes, "failures", outcome.Failures)
		s.respond(w, r, map[string]any{
			"sent":      true,
			"devices":   outcome.Devices,
			"successes": outcome.Successes,
			"failures":  outcome.Failures,
		}, http.StatusOK)
	case dispatch.StatusSkipped:
		logger.Info("webhook skipped", "user_id", outcome.UserID, "reason", outcome.Reason)
		s.respond(w, r, map[string]any{
			"skipped": true,
			"reason":  outcome.Reason,
		}, http.StatusOK)
	default:
		logger.Error("webhook failed", "user_id", outcome.UserID, "error", outcome.Error)
		s.respondError(w, r, outcome.Error)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, message string) {
	s.respond(w, r, map[string]string{"error": message}, http.StatusInternalServerError)
}

// MARK: Helpers
func (s *Server) respond(w http.ResponseWriter, r *http.Request, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("error encoding response", "request_id", middleware.GetReqID(r.Context()), "error", err)
		}
	}
}
