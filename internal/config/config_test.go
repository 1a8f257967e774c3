package config

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/resolver"
)

func validViper() map[string]any {
	return map[string]any{
		"auth.signing_secret": "secret",
		"remote.base_url":     "https://crm.example.com/api",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range validViper() {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default address, got %q", cfg.HTTPAddress)
	}
	if cfg.Interval != 60*time.Second {
		t.Fatalf("expected 60s interval, got %s", cfg.Interval)
	}
	if cfg.DefaultStrategy != resolver.StrategyRemoteWins {
		t.Fatalf("expected remote_wins default, got %s", cfg.DefaultStrategy)
	}
	if cfg.RemoteSecret != "secret" {
		t.Fatalf("expected remote secret to fall back to signing secret, got %q", cfg.RemoteSecret)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("expected one hour token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected three retry attempts, got %d", cfg.RetryMaxAttempts)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TWINSYNC_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("TWINSYNC_REMOTE_BASE_URL", "https://crm.example.com")
	t.Setenv("TWINSYNC_SYNC_COLLECTIONS", "accounts, contacts")
	t.Setenv("TWINSYNC_SYNC_STRATEGY", "newest-wins")
	t.Setenv("TWINSYNC_SYNC_INTERVAL", "15s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SigningSecret != "env-secret" {
		t.Fatalf("expected env secret, got %q", cfg.SigningSecret)
	}
	if len(cfg.Collections) != 2 || cfg.Collections[0] != "accounts" || cfg.Collections[1] != "contacts" {
		t.Fatalf("unexpected collections %v", cfg.Collections)
	}
	if cfg.DefaultStrategy != resolver.StrategyNewestWins {
		t.Fatalf("expected newest_wins, got %s", cfg.DefaultStrategy)
	}
	if cfg.Interval != 15*time.Second {
		t.Fatalf("expected 15s interval, got %s", cfg.Interval)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		override map[string]any
		message  string
	}{
		{name: "missing secret", override: map[string]any{"auth.signing_secret": ""}, message: "auth.signing_secret"},
		{name: "relative url", override: map[string]any{"remote.base_url": "crm/api"}, message: "remote.base_url"},
		{name: "zero interval", override: map[string]any{"sync.interval": "0s"}, message: "sync.interval"},
		{name: "unknown strategy", override: map[string]any{"sync.strategy": "coin_flip"}, message: "sync.strategy"},
		{name: "bad collection", override: map[string]any{"sync.collections": []string{strings.Repeat("c", 500)}}, message: "sync.collections"},
		{name: "unknown log level", override: map[string]any{"log.level": "verbose"}, message: "log.level"},
		{name: "no retries", override: map[string]any{"retry.max_attempts": 0}, message: "retry.max_attempts"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range validViper() {
				configViper.Set(key, value)
			}
			for key, value := range testCase.override {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error mentioning %s", testCase.message)
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.message, err)
			}
		})
	}
}
