package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesFlagOverrides(t *testing.T) {
	t.Setenv("METADATA_BACKEND", "mongo")
	t.Setenv("INFERENCE_TIMEOUT", "20s")

	cfg, err := Load([]string{"--addr", ":9090", "--metadata-backend", "memory"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected flag address, got %s", cfg.HTTPAddr)
	}
	if cfg.MetadataBackend != BackendMemory {
		t.Fatalf("expected flag to override env backend, got %s", cfg.MetadataBackend)
	}
	if cfg.InferenceTimeout != 20*time.Second {
		t.Fatalf("expected env timeout, got %s", cfg.InferenceTimeout)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load([]string{"--metadata-backend", "cassandra"})
	if err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestValidateBoundsInferenceTimeout(t *testing.T) {
	cfg := FromEnv()
	cfg.InferenceTimeout = 5 * time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected timeout above the bound to be rejected")
	}
	cfg.InferenceTimeout = 10 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default timeout to validate, got %v", err)
	}
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("MAX_UPLOAD_SIZE", "lots")
	t.Setenv("RABBITMQ_ENABLED", "maybe")
	cfg := FromEnv()
	if cfg.MaxUploadSize != 5<<20 {
		t.Fatalf("expected default upload size, got %d", cfg.MaxUploadSize)
	}
	if cfg.RabbitMQEnabled {
		t.Fatal("expected events disabled by default")
	}
}

func TestAllowedOriginsDefaultToPublicBaseURL(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://check.example.com")
	cfg := FromEnv()
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://check.example.com" {
		t.Fatalf("unexpected default origins %v", cfg.AllowedOrigins)
	}
}

func TestAllowedOriginsFromEnvAndFlags(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected env origins %v", cfg.AllowedOrigins)
	}

	cfg, err = Load([]string{"--allowed-origins", "https://c.example.com"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://c.example.com" {
		t.Fatalf("unexpected flag origins %v", cfg.AllowedOrigins)
	}
}

func TestValidateRejectsMalformedOrigin(t *testing.T) {
	cfg := FromEnv()
	cfg.AllowedOrigins = []string{"*"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "allowed origin") {
		t.Fatalf("expected malformed origin error, got %v", err)
	}
}
