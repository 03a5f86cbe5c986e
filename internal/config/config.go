package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for chatbridge.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Templates TemplatesConfig `json:"templates"`
	Providers ProvidersConfig `json:"providers"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
}

// ServerConfig configures the two HTTP listeners: the dashboard-facing API
// and the provider-facing webhook endpoint.
type ServerConfig struct {
	APIAddr      string `json:"apiAddr"`
	WebhookAddr  string `json:"webhookAddr"`
	AuthToken    string `json:"authToken,omitempty"` // bearer token for /api/v1
	ReadReceipts bool   `json:"readReceipts"`        // send best-effort read receipts for inbound messages
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type TemplatesConfig struct {
	Dir string `json:"dir"`
}

// ProvidersConfig holds cross-provider transport settings. Endpoint overrides
// exist for tests and self-hosted gateways; empty means the real API.
type ProvidersConfig struct {
	HTTPTimeoutSeconds int    `json:"httpTimeoutSeconds"`
	WhatsAppAPIBase    string `json:"whatsappApiBase,omitempty"`
	TelegramEndpoint   string `json:"telegramEndpoint,omitempty"`
	SlackAPIURL        string `json:"slackApiUrl,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Templates.Dir = ExpandPath(cfg.Templates.Dir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Server.APIAddr == "" {
		errs = append(errs, "server.apiAddr is required")
	}
	if cfg.Server.WebhookAddr == "" {
		errs = append(errs, "server.webhookAddr is required")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Providers.HTTPTimeoutSeconds < 1 || cfg.Providers.HTTPTimeoutSeconds > 120 {
		errs = append(errs, "providers.httpTimeoutSeconds must be between 1 and 120")
	}
	if cfg.Providers.SlackAPIURL != "" && !strings.HasSuffix(cfg.Providers.SlackAPIURL, "/") {
		errs = append(errs, "providers.slackApiUrl must end with a slash")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
