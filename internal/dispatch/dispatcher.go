// Package dispatch converts internal send requests into provider calls with
// unified error reporting.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/registry"
	"chatbridge/internal/template"
)

// Dispatcher routes outbound messages through the integration's provider.
// It performs no retries: a duplicate send is user-visible, so retry policy
// belongs to the caller.
type Dispatcher struct {
	registry *registry.Registry
	catalog  *template.Catalog
	logger   *slog.Logger
}

// Config configures the dispatcher.
type Config struct {
	Registry *registry.Registry
	Catalog  *template.Catalog
	Logger   *slog.Logger
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		registry: cfg.Registry,
		catalog:  cfg.Catalog,
		logger:   cfg.Logger,
	}
}

// Send delivers one outbound message. Errors are either registry resolution
// errors (errors.Is against registry sentinels) or *domain.SendError.
func (d *Dispatcher) Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error) {
	in, p, err := d.registry.ResolveConnected(ctx, req.IntegrationID)
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.SendText
		if req.TemplateRef != "" {
			kind = domain.SendTemplate
		}
	}

	metrics.SendsTotal.Inc()
	start := time.Now()

	var res *domain.SendResult
	switch kind {
	case domain.SendText:
		if req.Text == "" {
			return nil, &domain.SendError{Code: domain.SendErrProvider, Message: "text is required for a text send"}
		}
		res, err = p.SendText(ctx, in.Credentials, req.RecipientID, req.Text)
	case domain.SendTemplate:
		tmpl, terr := d.catalog.Resolve(req.TemplateRef)
		if terr != nil {
			return nil, terr
		}
		res, err = p.SendTemplate(ctx, in.Credentials, req.RecipientID, tmpl, req.TemplateParams)
	default:
		return nil, fmt.Errorf("unknown send kind %q", kind)
	}

	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SendErrors.Inc()
		d.logger.Warn("send failed",
			"integration", req.IntegrationID,
			"provider", in.Provider,
			"kind", kind,
			"err", err,
		)
		return nil, err
	}

	d.logger.Info("message sent",
		"integration", req.IntegrationID,
		"provider", in.Provider,
		"kind", kind,
		"provider_message_id", res.ProviderMessageID,
	)
	return res, nil
}

// MarkDelivered sends a read receipt for an inbound message. Best-effort:
// failures are logged and counted, never returned, so a failed receipt can
// not fail the enclosing workflow.
func (d *Dispatcher) MarkDelivered(ctx context.Context, integrationID, providerMessageID string) {
	in, p, err := d.registry.ResolveConnected(ctx, integrationID)
	if err != nil {
		d.logger.Debug("read receipt skipped", "integration", integrationID, "err", err)
		return
	}
	if err := p.MarkDelivered(ctx, in.Credentials, providerMessageID); err != nil {
		metrics.ReadReceiptErrors.Inc()
		d.logger.Warn("read receipt failed",
			"integration", integrationID,
			"provider", in.Provider,
			"err", err,
		)
	}
}
