package config

import (
	"log/slog"
	"testing"
	"time"
)

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	// Helper sets the minimum required env vars for a valid config
	setRequired := func(t *testing.T) {
		t.Helper()
		t.Setenv("DATABASE_URL", "postgres://localhost/gatekeeper")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
	}

	t.Run("returns valid config with all required vars", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/gatekeeper" {
			t.Errorf("DatabaseURL: expected %q, got %q", "postgres://localhost/gatekeeper", cfg.DatabaseURL)
		}
		if cfg.RedisURL != "redis://localhost:6379" {
			t.Errorf("RedisURL: expected %q, got %q", "redis://localhost:6379", cfg.RedisURL)
		}
	})

	t.Run("errors when DATABASE_URL is missing", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("REDIS_URL", "redis://localhost:6379")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing DATABASE_URL, got nil")
		}
	})

	t.Run("errors when REDIS_URL is missing", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/gatekeeper")
		t.Setenv("REDIS_URL", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing REDIS_URL, got nil")
		}
	})

	t.Run("applies auth policy defaults", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.OTPTTL() != 10*time.Minute {
			t.Errorf("OTPTTL: expected 10m, got %v", cfg.OTPTTL())
		}
		if cfg.OTPCooldown() != 60*time.Second {
			t.Errorf("OTPCooldown: expected 60s, got %v", cfg.OTPCooldown())
		}
		if cfg.OTPMaxAttempts != 5 {
			t.Errorf("OTPMaxAttempts: expected 5, got %d", cfg.OTPMaxAttempts)
		}
		if cfg.LoginFlagThreshold != 5 {
			t.Errorf("LoginFlagThreshold: expected 5, got %d", cfg.LoginFlagThreshold)
		}
		if cfg.LoginFlagWindow() != 15*time.Minute {
			t.Errorf("LoginFlagWindow: expected 15m, got %v", cfg.LoginFlagWindow())
		}
		if cfg.ResetTokenTTL() != 15*time.Minute {
			t.Errorf("ResetTokenTTL: expected 15m, got %v", cfg.ResetTokenTTL())
		}
		if cfg.FlagDedupeWindow() != 12*time.Hour {
			t.Errorf("FlagDedupeWindow: expected 12h, got %v", cfg.FlagDedupeWindow())
		}
		if cfg.LoginLockoutThreshold != 0 {
			t.Errorf("LoginLockoutThreshold: expected 0 (disabled), got %d", cfg.LoginLockoutThreshold)
		}
	})

	t.Run("reads overridden policy values", func(t *testing.T) {
		setRequired(t)
		t.Setenv("OTP_MAX_ATTEMPTS", "3")
		t.Setenv("AUDIT_FLAG_DEDUPE_HOURS", "2")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.OTPMaxAttempts != 3 {
			t.Errorf("OTPMaxAttempts: expected 3, got %d", cfg.OTPMaxAttempts)
		}
		if cfg.FlagDedupeWindow() != 2*time.Hour {
			t.Errorf("FlagDedupeWindow: expected 2h, got %v", cfg.FlagDedupeWindow())
		}
	})

	t.Run("non-positive policy value falls back to default", func(t *testing.T) {
		setRequired(t)
		t.Setenv("OTP_TTL_MINUTES", "0")
		t.Setenv("OTP_COOLDOWN_SECONDS", "-5")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.OTPTTLMinutes != 10 {
			t.Errorf("OTPTTLMinutes: expected fallback 10, got %d", cfg.OTPTTLMinutes)
		}
		if cfg.OTPCooldownSeconds != 60 {
			t.Errorf("OTPCooldownSeconds: expected fallback 60, got %d", cfg.OTPCooldownSeconds)
		}
	})

	t.Run("unparseable int is an error", func(t *testing.T) {
		setRequired(t)
		t.Setenv("OTP_MAX_ATTEMPTS", "lots")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected parse error, got nil")
		}
	})

	t.Run("parses LOG_LEVEL case-insensitively", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LOG_LEVEL", "DEBUG")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.LogLevel != slog.LevelDebug {
			t.Errorf("LogLevel: expected debug, got %v", cfg.LogLevel)
		}
	})

	t.Run("SMTP_HOST without SMTP_FROM is an error", func(t *testing.T) {
		setRequired(t)
		t.Setenv("SMTP_HOST", "smtp.example.com")
		t.Setenv("SMTP_FROM", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing SMTP_FROM, got nil")
		}
	})

	t.Run("google redirect over plain http is rejected", func(t *testing.T) {
		setRequired(t)
		t.Setenv("GOOGLE_CLIENT_ID", "client")
		t.Setenv("GOOGLE_REDIRECT_URL", "http://auth.example.com/callback")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for insecure redirect, got nil")
		}
	})

	t.Run("trims trailing slash from CLIENT_ORIGIN", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CLIENT_ORIGIN", "https://fans.example.com/")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.ClientOrigin != "https://fans.example.com" {
			t.Errorf("ClientOrigin: expected trailing slash trimmed, got %q", cfg.ClientOrigin)
		}
	})
}
