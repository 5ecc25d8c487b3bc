package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("ENV", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected env dev, got %q", cfg.Env)
	}
	if cfg.StoreDriver != "sqlite3" {
		t.Fatalf("expected sqlite3 driver, got %q", cfg.StoreDriver)
	}
	if cfg.SyncInterval != time.Minute {
		t.Fatalf("expected 60s sync interval, got %s", cfg.SyncInterval)
	}
	if cfg.WarnAfterAttempts != 5 {
		t.Fatalf("expected warn after 5, got %d", cfg.WarnAfterAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("ENV", "prod")
	t.Setenv("STORE_DRIVER", "mem")
	t.Setenv("DELIVERY_TRANSPORT", "SQS")
	t.Setenv("CORS_ALLOW_ORIGINS", " http://a.test , ,http://b.test")
	t.Setenv("REQUEST_TIMEOUT", "5s")
	t.Setenv("FLEET_API_URL", "https://fleet.example.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "production" {
		t.Fatalf("expected production, got %q", cfg.Env)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected memory driver, got %q", cfg.StoreDriver)
	}
	if cfg.DeliveryTransport != "sqs" {
		t.Fatalf("expected sqs transport, got %q", cfg.DeliveryTransport)
	}
	if len(cfg.CORSAllowOrigin) != 2 || cfg.CORSAllowOrigin[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowOrigin)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", cfg.RequestTimeout)
	}
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}
