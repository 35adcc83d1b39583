package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("HISTORY_LIMIT", "")
	t.Setenv("CHATBOT_USER_ID", "")
	t.Setenv("CHATBOT_TRIGGER_PREFIX", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.HistoryLimit)
	}
	if cfg.Bot.TriggerPrefix != "@bot" {
		t.Errorf("TriggerPrefix = %q, want @bot", cfg.Bot.TriggerPrefix)
	}
	if cfg.Bot.Enabled {
		t.Errorf("bot should be disabled without CHATBOT_USER_ID")
	}
	if cfg.Bot.FallbackText != DefaultFallbackText {
		t.Errorf("unexpected fallback text %q", cfg.Bot.FallbackText)
	}
	if cfg.MaxUploadBytes != 5*1024*1024 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
}

func TestLoadBotSettings(t *testing.T) {
	t.Setenv("CHATBOT_USER_ID", "0b6f0c8e-8d0c-4c5e-9b59-3f2a3c9a7d11")
	t.Setenv("CHATBOT_TIMEOUT", "3s")
	t.Setenv("CHATBOT_ENABLED", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Bot.Enabled {
		t.Fatalf("expected bot enabled when user id is set")
	}
	if cfg.Bot.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Bot.Timeout)
	}

	t.Setenv("CHATBOT_ENABLED", "0")
	cfg, _ = Load()
	if cfg.Bot.Enabled {
		t.Errorf("CHATBOT_ENABLED=0 should disable the bot")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("SESSION_TTL", "forever")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid SESSION_TTL")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("SESSION_SECRET", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error when SESSION_SECRET missing in production")
	}

	t.Setenv("SESSION_SECRET", "s3cret")
	cfg, _ = Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestAllowedOriginsParsing(t *testing.T) {
	t.Setenv("WS_ALLOWED_ORIGINS", " http://a.example , ,http://b.example")
	cfg, _ := Load()
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.example" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
}
