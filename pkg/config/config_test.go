package config

import (
	"testing"
	"time"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("WEBHOOK_SECRET", "hook")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("STALE_DEPLOYMENT_THRESHOLD", "10m")
	t.Setenv("GIT_BASE_URL", "https://git.example.com/")
	t.Setenv("PLATFORM_DOMAIN", "Deploy.Example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.StaleThreshold != 10*time.Minute {
		t.Errorf("stale threshold = %v", cfg.Worker.StaleThreshold)
	}
	if cfg.Worker.GitBaseURL != "https://git.example.com" {
		t.Errorf("git base url = %q", cfg.Worker.GitBaseURL)
	}
	if cfg.Webhook.Secret != "hook" {
		t.Errorf("webhook secret = %q", cfg.Webhook.Secret)
	}
	if cfg.PlatformDomain != "deploy.example.com" {
		t.Errorf("platform domain = %q", cfg.PlatformDomain)
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WEBHOOK_SECRET", "hook")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("WEBHOOK_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without WEBHOOK_SECRET")
	}
}

func TestValidateBackends(t *testing.T) {
	cfg := LoadWithDefaults()
	cfg.StoreBackend = "memory"
	cfg.QueueBackend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("postgres queue over memory store accepted")
	}

	cfg.QueueBackend = "memory"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory/memory rejected: %v", err)
	}

	cfg.Age.Recipient = "age1xyz"
	if err := cfg.Validate(); err == nil {
		t.Fatal("recipient without identity accepted")
	}
}
