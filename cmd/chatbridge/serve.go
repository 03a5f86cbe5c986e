package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/api"
	"chatbridge/internal/bus"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/registry"
	"chatbridge/internal/store"
	"chatbridge/internal/template"
	"chatbridge/internal/webhook"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (webhook + API servers)",
		Long:  "Starts the provider-facing webhook server and the dashboard-facing API server. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadOrDefault()
	logger = newLogger(cfg.General.LogLevel, cfg.General.LogFile)

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.Store.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	eventBus := bus.New(100, logger)
	defer eventBus.Close()

	reg := registry.New(registry.Config{
		Store:            db,
		HTTPTimeout:      time.Duration(cfg.Providers.HTTPTimeoutSeconds) * time.Second,
		Logger:           logger,
		WhatsAppAPIBase:  cfg.Providers.WhatsAppAPIBase,
		TelegramEndpoint: cfg.Providers.TelegramEndpoint,
		SlackAPIURL:      cfg.Providers.SlackAPIURL,
	})

	catalog, err := template.LoadFromDirectory(cfg.Templates.Dir, logger)
	if err != nil {
		return err
	}
	logger.Info("template catalog loaded", "templates", catalog.Len())

	dispatcher := dispatch.New(dispatch.Config{
		Registry: reg,
		Catalog:  catalog,
		Logger:   logger,
	})

	webhookServer := webhook.New(webhook.Config{
		Addr:     cfg.Server.WebhookAddr,
		Registry: reg,
		Bus:      eventBus,
		Logger:   logger,
	})
	apiServer := api.New(api.Config{
		Addr:       cfg.Server.APIAddr,
		AuthToken:  cfg.Server.AuthToken,
		Store:      db,
		Registry:   reg,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	go runSink(ctx, eventBus, db, dispatcher, cfg.Server.ReadReceipts, logger)
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("api server stopped", "err", err)
			stop()
		}
	}()

	return webhookServer.Start(ctx)
}

// runSink drains the event bus into the activity store and, when enabled,
// acknowledges inbound messages with best-effort read receipts.
func runSink(ctx context.Context, eventBus *bus.EventBus, sink domain.EventSink, dispatcher *dispatch.Dispatcher, readReceipts bool, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventBus.Subscribe():
			if !ok {
				return
			}
			if err := sink.Record(ctx, ev); err != nil {
				logger.Error("cannot record event",
					"integration", ev.IntegrationID,
					"external_id", ev.ExternalMessageID,
					"err", err,
				)
				continue
			}
			metrics.EventsRecorded.Inc()

			if readReceipts && ev.Type == domain.EventMessage {
				// Detached from the webhook request lifecycle: receipts
				// may be abandoned, they must not block event recording.
				rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				dispatcher.MarkDelivered(rctx, ev.IntegrationID, ev.ExternalMessageID)
				cancel()
			}
		}
	}
}

func newLogger(level, file string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	out := os.Stderr
	if file != "" {
		if f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}
