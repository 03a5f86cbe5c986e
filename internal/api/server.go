// Package api exposes the dashboard-facing REST surface: integration setup
// and the send endpoint used by the bot engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatbridge/internal/dispatch"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/registry"

	"github.com/google/uuid"
)

const maxBodySize = 1 << 20 // 1MB

// Store is the persistence surface the API needs.
type Store interface {
	domain.IntegrationStore
	ListEvents(ctx context.Context, integrationID string, since time.Time, limit int) ([]domain.NormalizedInboundEvent, error)
}

// Server is the REST API server.
type Server struct {
	addr       string
	authToken  string
	store      Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	server     *http.Server
}

// Config configures the API server.
type Config struct {
	Addr       string
	AuthToken  string
	Store      Store
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		addr:       cfg.Addr,
		authToken:  cfg.AuthToken,
		store:      cfg.Store,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
	}
}

// Handler returns the API HTTP handler (exposed for tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/integrations", s.authed(s.handleCreateIntegration))
	mux.HandleFunc("GET /api/v1/integrations", s.authed(s.handleListIntegrations))
	mux.HandleFunc("GET /api/v1/integrations/{id}", s.authed(s.handleGetIntegration))
	mux.HandleFunc("POST /api/v1/integrations/{id}/disconnect", s.authed(s.handleDisconnect))
	mux.HandleFunc("POST /api/v1/integrations/{id}/reconnect", s.authed(s.handleReconnect))
	mux.HandleFunc("DELETE /api/v1/integrations/{id}", s.authed(s.handleDelete))
	mux.HandleFunc("GET /api/v1/integrations/{id}/events", s.authed(s.handleEvents))
	mux.HandleFunc("POST /api/v1/send", s.authed(s.handleSend))

	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())

	return mux
}

// Start runs the API server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("api server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// authed enforces the bearer token when one is configured.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.authToken {
				writeError(rw, http.StatusUnauthorized, "unauthorized", "invalid API token")
				return
			}
		}
		next(rw, r)
	}
}

// --- Setup API ---

type createIntegrationRequest struct {
	Provider    string             `json:"provider"`
	Credentials domain.Credentials `json:"credentials"`
}

// handleCreateIntegration validates the supplied credentials and, only on
// success, persists the integration in connected state. The validator's
// error string is returned verbatim for the setup wizard to display.
func (s *Server) handleCreateIntegration(rw http.ResponseWriter, r *http.Request) {
	var req createIntegrationRequest
	if !decodeBody(rw, r, &req) {
		return
	}

	p, err := s.registry.Provider(req.Provider)
	if err != nil {
		writeError(rw, http.StatusBadRequest, "unknown_provider", err.Error())
		return
	}

	v := p.Validate(r.Context(), req.Credentials)
	if !v.Valid {
		s.logger.Info("credential validation failed", "provider", req.Provider)
		writeError(rw, http.StatusUnprocessableEntity, "invalid_credentials", v.Error)
		return
	}

	in := domain.Integration{
		ID:          uuid.NewString(),
		Provider:    req.Provider,
		Status:      domain.StatusConnected,
		Identity:    v.Identity,
		Credentials: req.Credentials,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateIntegration(r.Context(), in); err != nil {
		s.logger.Error("cannot persist integration", "err", err)
		writeError(rw, http.StatusInternalServerError, "storage", "cannot persist integration")
		return
	}

	s.logger.Info("integration connected", "id", in.ID, "provider", in.Provider, "identity", in.Identity)
	writeJSON(rw, http.StatusCreated, in)
}

func (s *Server) handleListIntegrations(rw http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListIntegrations(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if list == nil {
		list = []domain.Integration{}
	}
	writeJSON(rw, http.StatusOK, list)
}

func (s *Server) handleGetIntegration(rw http.ResponseWriter, r *http.Request) {
	in, err := s.store.GetIntegration(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if in == nil {
		writeError(rw, http.StatusNotFound, "not_found", "integration not found")
		return
	}
	writeJSON(rw, http.StatusOK, in)
}

func (s *Server) handleDisconnect(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.UpdateIntegrationStatus(r.Context(), id, domain.StatusDisconnected, ""); err != nil {
		writeError(rw, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.logger.Info("integration disconnected", "id", id)
	writeJSON(rw, http.StatusOK, map[string]string{"status": string(domain.StatusDisconnected)})
}

// handleReconnect re-validates the stored credentials and flips the
// integration back to connected, or to error when validation fails.
func (s *Server) handleReconnect(rw http.ResponseWriter, r *http.Request) {
	in, p, err := s.registry.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, http.StatusNotFound, "not_found", err.Error())
		return
	}

	v := p.Validate(r.Context(), in.Credentials)
	if !v.Valid {
		if err := s.store.UpdateIntegrationStatus(r.Context(), in.ID, domain.StatusError, ""); err != nil {
			s.logger.Error("cannot update integration status", "id", in.ID, "err", err)
		}
		writeError(rw, http.StatusUnprocessableEntity, "invalid_credentials", v.Error)
		return
	}

	if err := s.store.UpdateIntegrationStatus(r.Context(), in.ID, domain.StatusConnected, v.Identity); err != nil {
		writeError(rw, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	s.logger.Info("integration reconnected", "id", in.ID, "identity", v.Identity)
	writeJSON(rw, http.StatusOK, map[string]string{"status": string(domain.StatusConnected), "identity": v.Identity})
}

func (s *Server) handleDelete(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteIntegration(r.Context(), id); err != nil {
		writeError(rw, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	s.logger.Info("integration deleted", "id", id)
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(rw, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		since = t
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	events, err := s.store.ListEvents(r.Context(), id, since, limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if events == nil {
		events = []domain.NormalizedInboundEvent{}
	}
	writeJSON(rw, http.StatusOK, events)
}

// --- Send API ---

// handleSend dispatches one outbound message. The SendError code passes
// through so callers can branch: window_closed means retry with a template,
// invalid_recipient is permanent, transport is retryable.
func (s *Server) handleSend(rw http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if !decodeBody(rw, r, &req) {
		return
	}

	res, err := s.dispatcher.Send(r.Context(), req)
	if err != nil {
		writeSendError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func writeSendError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrUnknownProvider):
		writeError(rw, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, registry.ErrDisconnected):
		writeError(rw, http.StatusConflict, "disconnected", err.Error())
		return
	}

	var sendErr *domain.SendError
	if errors.As(err, &sendErr) {
		status := http.StatusUnprocessableEntity
		switch sendErr.Code {
		case domain.SendErrTransport:
			status = http.StatusBadGateway
		case domain.SendErrRateLimited:
			status = http.StatusTooManyRequests
		}
		writeError(rw, status, string(sendErr.Code), sendErr.Message)
		return
	}

	writeError(rw, http.StatusBadRequest, "bad_request", err.Error())
}

// --- helpers ---

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "bad_request", "cannot read body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(rw, http.StatusBadRequest, "bad_request", "invalid JSON")
		return false
	}
	return true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(rw http.ResponseWriter, status int, code, message string) {
	writeJSON(rw, status, map[string]errorBody{"error": {Code: code, Message: message}})
}
