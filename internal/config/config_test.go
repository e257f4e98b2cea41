package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HMAC_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 3000 || cfg.Oracle.Kind != "manual" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Service.HMACClockSkew().Seconds() != 60 {
		t.Fatalf("unexpected skew %v", cfg.Service.HMACClockSkew())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floorescrow.toml")
	body := `
[service]
http_port = 8080

[engine]
profit_bps = 250

[oracle]
kind = "manual"
manual_values = { punks = 5200 }

[keeper]
enabled = true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HMAC_SECRET", "s3cret")
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("KEEPER_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 9090 {
		t.Fatalf("env override not applied: %d", cfg.Service.HTTPPort)
	}
	if cfg.Engine.ProfitBps != 250 {
		t.Fatalf("profit bps = %d", cfg.Engine.ProfitBps)
	}
	if cfg.Oracle.ManualValues["punks"] != 5200 {
		t.Fatalf("manual values = %v", cfg.Oracle.ManualValues)
	}
	if cfg.Keeper.Enabled {
		t.Fatal("expected KEEPER_ENABLED=false to win")
	}
	if cfg.Keeper.BatchSize != 100 {
		t.Fatalf("default batch size lost: %d", cfg.Keeper.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Oracle.Kind = "http"
	cfg.Engine.ProfitBps = 20_000
	cfg.Service.IdempotencyStore = "postgres"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"oracle.endpoint", "profit_bps", "postgres.dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HMAC_SECRET", "")
	t.Setenv("API_ALLOW_UNSIGNED", "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "hmac_secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	t.Setenv("API_ALLOW_UNSIGNED", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load with unsigned dev mode: %v", err)
	}
	if !cfg.Service.AllowUnsigned {
		t.Fatal("expected AllowUnsigned")
	}
}

func TestLoadNormalisesOracleKind(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HMAC_SECRET", "s3cret")
	t.Setenv("ORACLE_KIND", " HTTP ")
	t.Setenv("ORACLE_ENDPOINT", "https://floor.example")
	t.Setenv("IDEMPOTENCY_STORE", "Memory")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.Kind != "http" || cfg.Service.IdempotencyStore != "memory" {
		t.Fatalf("kinds not normalised: %q %q", cfg.Oracle.Kind, cfg.Service.IdempotencyStore)
	}

	raw := Defaults()
	raw.Service.HMACSecret = "s3cret"
	raw.Oracle.Kind = "HTTP"
	raw.Oracle.Endpoint = "https://floor.example"
	if err := raw.Validate(); err == nil || !strings.Contains(err.Error(), "oracle.kind") {
		t.Fatalf("un-normalised kind should not validate, got %v", err)
	}
}
