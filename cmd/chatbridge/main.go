package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/domain"
	"chatbridge/internal/registry"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatbridge",
		Short: "chatbridge: messaging platform integration gateway",
		Long:  "chatbridge connects bot integrations to WhatsApp, Telegram, Slack and Discord: credential validation, webhook verification, inbound normalization and outbound dispatch.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			fmt.Printf("Config written: %s\n", cfgPath)
			return nil
		},
	}
}

// validateCmd performs a one-shot credential check without persisting
// anything, for trying credentials before running the setup wizard.
func validateCmd() *cobra.Command {
	var (
		providerTag   string
		accessToken   string
		phoneNumberID string
		botToken      string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate provider credentials without persisting them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefault()
			reg := registry.New(registry.Config{
				HTTPTimeout:      time.Duration(cfg.Providers.HTTPTimeoutSeconds) * time.Second,
				Logger:           logger,
				WhatsAppAPIBase:  cfg.Providers.WhatsAppAPIBase,
				TelegramEndpoint: cfg.Providers.TelegramEndpoint,
				SlackAPIURL:      cfg.Providers.SlackAPIURL,
			})

			p, err := reg.Provider(providerTag)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			v := p.Validate(ctx, domain.Credentials{
				AccessToken:   accessToken,
				PhoneNumberID: phoneNumberID,
				BotToken:      botToken,
			})
			if !v.Valid {
				return fmt.Errorf("invalid credentials: %s", v.Error)
			}
			fmt.Printf("Valid. Identity: %s\n", v.Identity)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerTag, "provider", "", "provider tag (whatsapp, telegram, slack, discord)")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "whatsapp access token")
	cmd.Flags().StringVar(&phoneNumberID, "phone-number-id", "", "whatsapp phone number id")
	cmd.Flags().StringVar(&botToken, "bot-token", "", "telegram/slack/discord bot token")
	cmd.MarkFlagRequired("provider")

	return cmd
}

// statusCmd pings a running instance's health endpoint.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show status of a running chatbridge instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefault()
			url := fmt.Sprintf("http://%s/healthz", cfg.Server.APIAddr)

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("chatbridge not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()

			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("unexpected health response: %w", err)
			}
			fmt.Printf("chatbridge v%s: %s\n", version, body["status"])
			return nil
		},
	}
}

func loadOrDefault() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	return cfg
}
