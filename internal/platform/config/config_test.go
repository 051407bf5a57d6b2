package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_AUTH_JWT_SECRET":      "test-secret",
		"API_FIRESTORE_PROJECT_ID": "reloop-test",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Server.Port)
	}
	if cfg.Store.Backend != "firestore" {
		t.Fatalf("expected firestore backend, got %q", cfg.Store.Backend)
	}
	if cfg.Pricing.Currency != "INR" {
		t.Fatalf("expected INR currency, got %q", cfg.Pricing.Currency)
	}
	if cfg.Pricing.FreeShippingThreshold != 1000 || cfg.Pricing.FlatShippingFee != 100 {
		t.Fatalf("unexpected shipping pricing: %+v", cfg.Pricing)
	}
	if cfg.Pricing.MinimumCharge["INR"] != 100 {
		t.Fatalf("expected INR minimum 100, got %d", cfg.Pricing.MinimumCharge["INR"])
	}
	if cfg.Ethereum.ChainIDHex != "0xaa36a7" {
		t.Fatalf("expected Sepolia chain id, got %q", cfg.Ethereum.ChainIDHex)
	}
	if cfg.Ledger.ProjectID != "reloop-test" {
		t.Fatalf("expected ledger project to default from firestore, got %q", cfg.Ledger.ProjectID)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Fatalf("unexpected idempotency ttl: %v", cfg.Idempotency.TTL)
	}
}

func TestLoadMissingJWTSecret(t *testing.T) {
	env := baseEnv()
	delete(env, "API_AUTH_JWT_SECRET")

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	found := false
	for _, field := range validation.Fields() {
		if field == "Auth.JWTSecret" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Auth.JWTSecret in %v", validation.Fields())
	}
}

func TestLoadMemoryBackendSkipsFirestore(t *testing.T) {
	env := map[string]string{
		"API_AUTH_JWT_SECRET": "test-secret",
		"API_STORE_BACKEND":   "memory",
	}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.Store.Backend)
	}
}

func TestLoadEthereumRequiresContract(t *testing.T) {
	env := baseEnv()
	env["API_ETH_RPC_URL"] = "https://sepolia.example.org"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLoadMinimumChargeOverrides(t *testing.T) {
	env := baseEnv()
	env["API_PRICING_MINIMUM_CHARGE"] = "usd=1, eur=1,bad"

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pricing.MinimumCharge["USD"] != 1 || cfg.Pricing.MinimumCharge["EUR"] != 1 {
		t.Fatalf("unexpected minimum charge map: %v", cfg.Pricing.MinimumCharge)
	}
	if cfg.Pricing.MinimumCharge["INR"] != 100 {
		t.Fatalf("expected INR floor preserved, got %v", cfg.Pricing.MinimumCharge)
	}
}
