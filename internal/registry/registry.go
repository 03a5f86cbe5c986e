// Package registry binds provider tags to their implementations and resolves
// integrations to the credentials and provider they run on.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/provider"
)

// Resolution failures are distinct from provider-level send failures so
// callers never mistake "no such integration" for "provider rejected".
var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotFound        = errors.New("integration not found")
	ErrDisconnected    = errors.New("integration is not connected")
)

// Registry holds the closed set of provider implementations. Adding a
// provider means adding one entry in New, not modifying existing variants.
type Registry struct {
	providers map[string]domain.Provider
	store     domain.IntegrationStore
}

// Config configures the registry. The endpoint overrides feed through to the
// providers; empty values mean the real APIs.
type Config struct {
	Store            domain.IntegrationStore
	HTTPTimeout      time.Duration
	Logger           *slog.Logger
	WhatsAppAPIBase  string
	TelegramEndpoint string
	SlackAPIURL      string
}

func New(cfg Config) *Registry {
	client := provider.SharedHTTPClient(cfg.HTTPTimeout)

	variants := []domain.Provider{
		provider.NewWhatsApp(provider.WhatsAppConfig{APIBase: cfg.WhatsAppAPIBase, Client: client, Logger: cfg.Logger}),
		provider.NewTelegram(provider.TelegramConfig{Endpoint: cfg.TelegramEndpoint, Client: client, Logger: cfg.Logger}),
		provider.NewSlack(provider.SlackConfig{APIURL: cfg.SlackAPIURL, Client: client, Logger: cfg.Logger}),
		provider.NewDiscord(provider.DiscordConfig{Client: client, Logger: cfg.Logger}),
	}

	providers := make(map[string]domain.Provider, len(variants))
	for _, p := range variants {
		providers[p.Name()] = p
	}
	return &Registry{providers: providers, store: cfg.Store}
}

// Provider returns the implementation for a provider tag.
func (r *Registry) Provider(tag string) (domain.Provider, error) {
	p, ok := r.providers[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, tag)
	}
	return p, nil
}

// Providers lists the registered provider tags.
func (r *Registry) Providers() []string {
	tags := make([]string, 0, len(r.providers))
	for tag := range r.providers {
		tags = append(tags, tag)
	}
	return tags
}

// Resolve looks up an integration and its provider implementation. The
// integration's stored credentials arrive already decrypted from the store.
func (r *Registry) Resolve(ctx context.Context, integrationID string) (*domain.Integration, domain.Provider, error) {
	in, err := r.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup integration %s: %w", integrationID, err)
	}
	if in == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, integrationID)
	}
	p, err := r.Provider(in.Provider)
	if err != nil {
		return nil, nil, err
	}
	return in, p, nil
}

// ResolveConnected is Resolve restricted to integrations able to send.
func (r *Registry) ResolveConnected(ctx context.Context, integrationID string) (*domain.Integration, domain.Provider, error) {
	in, p, err := r.Resolve(ctx, integrationID)
	if err != nil {
		return nil, nil, err
	}
	if in.Status != domain.StatusConnected {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrDisconnected, integrationID, in.Status)
	}
	return in, p, nil
}
