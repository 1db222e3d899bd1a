// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all env configuration vars for gatekeeper.
type Config struct {
	DatabaseURL string     `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string     `env:"REDIS_URL,required,notEmpty"`
	Port        string     `env:"PORT" envDefault:"7865"`
	LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// ClientOrigin is where the federated login callback sends the browser back to.
	ClientOrigin string `env:"CLIENT_ORIGIN" envDefault:"http://localhost:5173"`

	// SMTP configuration for OTP delivery. Empty Host disables sending (NopMailer).
	SMTPHost        string `env:"SMTP_HOST"`
	SMTPPort        int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername    string `env:"SMTP_USERNAME"`
	SMTPPassword    string `env:"SMTP_PASSWORD"`
	SMTPFromAddress string `env:"SMTP_FROM"`

	// Google OAuth. Empty ClientID disables the provider.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// TurnstileSecret enables captcha on OTP send and password login when set.
	TurnstileSecret string `env:"TURNSTILE_SECRET"`
	// TurnstileHostname, when set, must match the hostname the challenge was solved on.
	TurnstileHostname string `env:"TURNSTILE_HOSTNAME"`

	// OTP challenge policy.
	OTPTTLMinutes      int `env:"OTP_TTL_MINUTES" envDefault:"10"`
	OTPCooldownSeconds int `env:"OTP_COOLDOWN_SECONDS" envDefault:"60"`
	OTPMaxAttempts     int `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`

	// Failed login counting. Threshold opens a flag; lockout (0 = off) rejects further attempts.
	LoginFlagThreshold     int `env:"LOGIN_FAILED_FLAG_THRESHOLD" envDefault:"5"`
	LoginFlagWindowMinutes int `env:"LOGIN_FAILED_FLAG_WINDOW_MINUTES" envDefault:"15"`
	LoginLockoutThreshold  int `env:"LOGIN_LOCKOUT_THRESHOLD" envDefault:"0"`

	ResetTokenTTLMinutes int `env:"RESET_TOKEN_TTL_MINUTES" envDefault:"15"`
	FlagDedupeHours      int `env:"AUDIT_FLAG_DEDUPE_HOURS" envDefault:"12"`
}

// defaults for the numeric knobs; a non-positive value falls back to these.
var positiveDefaults = map[string]int{
	"OTP_TTL_MINUTES":                  10,
	"OTP_COOLDOWN_SECONDS":             60,
	"OTP_MAX_ATTEMPTS":                 5,
	"LOGIN_FAILED_FLAG_THRESHOLD":      5,
	"LOGIN_FAILED_FLAG_WINDOW_MINUTES": 15,
	"RESET_TOKEN_TTL_MINUTES":          15,
	"AUDIT_FLAG_DEDUPE_HOURS":          12,
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing
// or a value can't be parsed.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing env: %w", err)
	}

	cfg.OTPTTLMinutes = positive("OTP_TTL_MINUTES", cfg.OTPTTLMinutes)
	cfg.OTPCooldownSeconds = positive("OTP_COOLDOWN_SECONDS", cfg.OTPCooldownSeconds)
	cfg.OTPMaxAttempts = positive("OTP_MAX_ATTEMPTS", cfg.OTPMaxAttempts)
	cfg.LoginFlagThreshold = positive("LOGIN_FAILED_FLAG_THRESHOLD", cfg.LoginFlagThreshold)
	cfg.LoginFlagWindowMinutes = positive("LOGIN_FAILED_FLAG_WINDOW_MINUTES", cfg.LoginFlagWindowMinutes)
	cfg.ResetTokenTTLMinutes = positive("RESET_TOKEN_TTL_MINUTES", cfg.ResetTokenTTLMinutes)
	cfg.FlagDedupeHours = positive("AUDIT_FLAG_DEDUPE_HOURS", cfg.FlagDedupeHours)

	if cfg.LoginLockoutThreshold < 0 {
		slog.Warn("invalid env var, using default", "key", "LOGIN_LOCKOUT_THRESHOLD", "value", cfg.LoginLockoutThreshold, "default", 0)
		cfg.LoginLockoutThreshold = 0
	}

	// From address is mandatory once SMTP is on; mail without it is rejected by most relays.
	if cfg.SMTPHost != "" && cfg.SMTPFromAddress == "" {
		return nil, fmt.Errorf("SMTP_FROM must be set when SMTP_HOST is set")
	}

	if cfg.GoogleClientID != "" && !strings.HasPrefix(cfg.GoogleRedirectURL, "https://") &&
		!strings.HasPrefix(cfg.GoogleRedirectURL, "http://localhost") {
		return nil, fmt.Errorf("GOOGLE_REDIRECT_URL must use https:// (or http://localhost in dev)")
	}

	cfg.ClientOrigin = strings.TrimRight(cfg.ClientOrigin, "/")

	return &cfg, nil
}

// positive returns v, or the key's default (with a warning) when v <= 0.
func positive(key string, v int) int {
	if v > 0 {
		return v
	}
	def := positiveDefaults[key]
	slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
	return def
}

// OTPTTL is how long an issued code stays valid.
func (c *Config) OTPTTL() time.Duration { return time.Duration(c.OTPTTLMinutes) * time.Minute }

// OTPCooldown is the minimum wait before a code can be re-sent.
func (c *Config) OTPCooldown() time.Duration {
	return time.Duration(c.OTPCooldownSeconds) * time.Second
}

// LoginFlagWindow is the sliding window for failed login counting.
func (c *Config) LoginFlagWindow() time.Duration {
	return time.Duration(c.LoginFlagWindowMinutes) * time.Minute
}

// ResetTokenTTL is how long a verified reset token stays in the cache.
func (c *Config) ResetTokenTTL() time.Duration {
	return time.Duration(c.ResetTokenTTLMinutes) * time.Minute
}

// FlagDedupeWindow is the default window during which a repeat flag is suppressed.
func (c *Config) FlagDedupeWindow() time.Duration {
	return time.Duration(c.FlagDedupeHours) * time.Hour
}
