package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jimaku-ai/jimaku/internal/config"
	"github.com/jimaku-ai/jimaku/pkg/cli"
)

func runWizard(t *testing.T, input string) config.Config {
	t.Helper()

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "jimaku-hub.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg
}

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",              // listen address
		"myadmin",            // admin username
		"secretpass",         // admin password
		"1",                  // storage: sqlite (first option)
		"./data/jimaku.db",   // sqlite path
		"http://worker:5000", // worker URL
		"wk-secret",          // worker API key
		"10",                 // free plan minutes
		"n",                  // billing disabled
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("auth.jwt_secret is empty")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" {
		t.Errorf("admin username = %q, want %q", cfg.Auth.InitialAdmin.Username, "myadmin")
	}
	if cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin password = %q, want %q", cfg.Auth.InitialAdmin.Password, "secretpass")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/jimaku.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/jimaku.db")
	}
	if cfg.Worker.URL != "http://worker:5000" {
		t.Errorf("worker.url = %q, want %q", cfg.Worker.URL, "http://worker:5000")
	}
	if cfg.Worker.APIKey != "wk-secret" {
		t.Errorf("worker.api_key = %q, want %q", cfg.Worker.APIKey, "wk-secret")
	}
	if cfg.Quota.FreeMinutes != 10 {
		t.Errorf("quota.free_minutes = %f, want 10", cfg.Quota.FreeMinutes)
	}
	if cfg.Billing.Enabled {
		t.Error("billing should be disabled")
	}
}

func TestWizard_PostgresWithBilling(t *testing.T) {
	input := strings.Join([]string{
		":8080",   // listen address (default)
		"admin",   // admin username (default)
		"pass123", // admin password
		"2",       // storage: postgres
		"postgres://jimaku:pass@db:5432/jimaku", // DSN
		"http://localhost:5000",                 // worker URL (default)
		"",                                      // worker API key (none)
		"",                                      // free minutes (default)
		"y",                                     // enable billing
		"sk_test_abc",                           // stripe secret key
		"whsec_abc",                             // stripe webhook secret
		"price_pro_123",                         // stripe pro price ID
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN != "postgres://jimaku:pass@db:5432/jimaku" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Quota.FreeMinutes != 5 {
		t.Errorf("quota.free_minutes = %f, want default 5", cfg.Quota.FreeMinutes)
	}
	if !cfg.Billing.Enabled {
		t.Fatal("billing should be enabled")
	}
	if cfg.Billing.StripeSecretKey != "sk_test_abc" {
		t.Errorf("stripe_secret_key = %q", cfg.Billing.StripeSecretKey)
	}
	if cfg.Billing.StripeWebhookSecret != "whsec_abc" {
		t.Errorf("stripe_webhook_secret = %q", cfg.Billing.StripeWebhookSecret)
	}
	if cfg.Billing.StripePricePro != "price_pro_123" {
		t.Errorf("stripe_price_pro = %q", cfg.Billing.StripePricePro)
	}
}

func TestWizard_RunDefaults(t *testing.T) {
	t.Setenv("JIMAKU_ADDR", ":7070")
	t.Setenv("JIMAKU_ADMIN_USER", "ops")
	t.Setenv("JIMAKU_ADMIN_PASSWORD", "envpass")
	t.Setenv("JIMAKU_STORAGE_DRIVER", "sqlite")
	t.Setenv("JIMAKU_STORAGE_DSN", "/tmp/jimaku-test.db")
	t.Setenv("JIMAKU_WORKER_URL", "http://whisper:5000")
	t.Setenv("JIMAKU_WORKER_API_KEY", "wk-env")

	outputPath := filepath.Join(t.TempDir(), "jimaku-hub.json")

	w := New(cli.DefaultPrompter())
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("RunDefaults: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "ops" || cfg.Auth.InitialAdmin.Password != "envpass" {
		t.Errorf("initial_admin = %+v", cfg.Auth.InitialAdmin)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("jwt secret too short: %d", len(cfg.Auth.JWTSecret))
	}
	if cfg.Storage.DSN != "/tmp/jimaku-test.db" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Worker.URL != "http://whisper:5000" || cfg.Worker.APIKey != "wk-env" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Billing.Enabled {
		t.Error("billing should stay disabled without stripe env vars")
	}
}

func TestWizard_RunDefaults_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("JIMAKU_STORAGE_DRIVER", "postgres")
	t.Setenv("JIMAKU_STORAGE_DSN", "")

	w := New(cli.DefaultPrompter())
	err := w.RunDefaults(filepath.Join(t.TempDir(), "cfg.json"))
	if err == nil {
		t.Fatal("expected error when postgres driver has no DSN")
	}
	if !strings.Contains(err.Error(), "JIMAKU_STORAGE_DSN") {
		t.Errorf("error = %v", err)
	}
}
