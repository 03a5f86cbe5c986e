package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults_AreValid(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Defaults()
	cfg.Server.APIAddr = "127.0.0.1:9999"
	cfg.Server.AuthToken = "s3cret"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config holds secrets, expected 0600, got %o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.APIAddr != "127.0.0.1:9999" || loaded.Server.AuthToken != "s3cret" {
		t.Errorf("round trip lost values: %+v", loaded.Server)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CB_TEST_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"apiAddr": "127.0.0.1:8080", "webhookAddr": ":9090", "authToken": "${CB_TEST_TOKEN}"},
		"store": {"dbPath": "/tmp/cb.db"},
		"providers": {"httpTimeoutSeconds": 15}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.AuthToken != "from-env" {
		t.Errorf("expected env expansion, got %q", cfg.Server.AuthToken)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CB_SET", "value")
	os.Unsetenv("CB_UNSET")

	cases := []struct{ in, want string }{
		{"${CB_SET}", "value"},
		{"${CB_UNSET:-fallback}", "fallback"},
		{"${CB_SET:-fallback}", "value"},
		{"${CB_UNSET}", "${CB_UNSET}"}, // kept verbatim when unset and no default
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := ExpandEnvVars(tc.in); got != tc.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	cfg.Providers.HTTPTimeoutSeconds = 0
	cfg.Providers.SlackAPIURL = "http://localhost:1234/api" // no trailing slash

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"logLevel", "httpTimeoutSeconds", "slackApiUrl"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in error, got: %v", want, err)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("expected home expansion, got %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute paths pass through, got %q", got)
	}
}
