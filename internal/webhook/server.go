// Package webhook exposes the provider-facing HTTP endpoints: the ownership
// handshake and event delivery.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatbridge/internal/bus"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/registry"
)

const maxBodySize = 1 << 20 // 1MB

// Server handles webhook traffic for all integrations. Routes are
// /webhook/{provider}/{integrationID} so one deployment serves any number of
// configured connections.
type Server struct {
	addr     string
	registry *registry.Registry
	bus      *bus.EventBus
	logger   *slog.Logger
	server   *http.Server
}

// Config configures the webhook server.
type Config struct {
	Addr     string
	Registry *registry.Registry
	Bus      *bus.EventBus
	Logger   *slog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		addr:     cfg.Addr,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
	}
}

// Handler returns the webhook HTTP handler (exposed for tests and for
// mounting behind an existing mux).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook/{provider}/{integrationID}", s.handleHandshake)
	mux.HandleFunc("POST /webhook/{provider}/{integrationID}", s.handleDelivery)
	return mux
}

// Start runs the webhook server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// resolve loads the integration for a webhook path and checks the provider
// tag in the URL matches the stored one.
func (s *Server) resolve(r *http.Request) (*domain.Integration, domain.Provider, error) {
	in, p, err := s.registry.Resolve(r.Context(), r.PathValue("integrationID"))
	if err != nil {
		return nil, nil, err
	}
	if p.Name() != r.PathValue("provider") {
		return nil, nil, fmt.Errorf("%w: provider mismatch", registry.ErrNotFound)
	}
	return in, p, nil
}

// handleHandshake serves the provider's GET ownership challenge.
func (s *Server) handleHandshake(rw http.ResponseWriter, r *http.Request) {
	in, p, err := s.resolve(r)
	if err != nil {
		http.NotFound(rw, r)
		return
	}

	res := p.VerifyWebhook(in.Credentials, domain.WebhookRequest{
		Method: r.Method,
		Query:  r.URL.Query(),
		Header: r.Header,
	})
	if res.Outcome == domain.VerifyChallenge {
		s.logger.Info("webhook verified", "integration", in.ID, "provider", in.Provider)
		metrics.HandshakesOK.Inc()
	} else {
		// External-actor input, not a system fault; logged for security review.
		s.logger.Warn("webhook handshake failed",
			"integration", in.ID, "provider", in.Provider, "remote", r.RemoteAddr)
		metrics.WebhooksRejected.Inc()
	}
	writeVerifyResult(rw, res)
}

// handleDelivery serves POST event deliveries. After authentication it always
// responds 200 quickly: providers disable webhooks that error repeatedly, so
// payload problems are logged and skipped rather than surfaced.
func (s *Server) handleDelivery(rw http.ResponseWriter, r *http.Request) {
	in, p, err := s.resolve(r)
	if err != nil {
		http.NotFound(rw, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	metrics.WebhooksReceived.Inc()

	res := p.VerifyWebhook(in.Credentials, domain.WebhookRequest{
		Method: r.Method,
		Query:  r.URL.Query(),
		Header: r.Header,
		Body:   body,
	})
	switch res.Outcome {
	case domain.VerifyReject:
		s.logger.Warn("webhook delivery rejected",
			"integration", in.ID, "provider", in.Provider, "remote", r.RemoteAddr)
		metrics.WebhooksRejected.Inc()
		writeVerifyResult(rw, res)
		return
	case domain.VerifyChallenge:
		s.logger.Info("webhook verified", "integration", in.ID, "provider", in.Provider)
		metrics.HandshakesOK.Inc()
		writeVerifyResult(rw, res)
		return
	}

	if in.Status == domain.StatusDisconnected {
		s.logger.Debug("dropping delivery for disconnected integration", "integration", in.ID)
		rw.WriteHeader(http.StatusOK)
		return
	}

	events, err := p.Normalize(in.ID, body)
	if err != nil {
		s.logger.Warn("undecodable webhook payload",
			"integration", in.ID, "provider", in.Provider, "err", err)
	}
	for _, ev := range events {
		s.bus.Publish(ev)
	}
	metrics.EventsNormalized.Add(int64(len(events)))

	rw.WriteHeader(http.StatusOK)
	fmt.Fprint(rw, `{"status":"ok"}`)
}

func writeVerifyResult(rw http.ResponseWriter, res domain.VerifyResult) {
	if res.ContentType != "" {
		rw.Header().Set("Content-Type", res.ContentType)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	if len(res.Body) > 0 {
		rw.Write(res.Body)
	}
}
