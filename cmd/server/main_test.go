package main

import (
	"context"
	"testing"

	"floorescrow/internal/config"
	"floorescrow/internal/oracle"
)

func TestBuildOracleFollowsLoadedKind(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HMAC_SECRET", "s3cret")
	t.Setenv("ORACLE_KIND", "HTTP")
	t.Setenv("ORACLE_ENDPOINT", "https://floor.example")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	o, err := buildOracle(context.Background(), cfg.Oracle)
	if err != nil {
		t.Fatalf("build oracle: %v", err)
	}
	if _, ok := o.(*oracle.HTTPOracle); !ok {
		t.Fatalf("kind %q built %T", cfg.Oracle.Kind, o)
	}
}

func TestBuildOracleManualValues(t *testing.T) {
	o, err := buildOracle(context.Background(), config.OracleConfig{
		Kind:         "manual",
		ManualValues: map[string]uint64{"punks": 5200},
	})
	if err != nil {
		t.Fatalf("build oracle: %v", err)
	}
	v, err := o.ObservedValue(context.Background(), "punks")
	if err != nil || v != 5200 {
		t.Fatalf("observed %d, %v", v, err)
	}
}

func TestBuildOracleRejectsUnknownKind(t *testing.T) {
	for _, kind := range []string{"", "ETH ", "chainlink"} {
		if o, err := buildOracle(context.Background(), config.OracleConfig{Kind: kind}); err == nil {
			t.Fatalf("kind %q built %T", kind, o)
		}
	}
}
