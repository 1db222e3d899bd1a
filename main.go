package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/auth"
	"github.com/yunhaverse/gatekeeper/internal/captcha"
	"github.com/yunhaverse/gatekeeper/internal/config"
	"github.com/yunhaverse/gatekeeper/internal/mail"
	"github.com/yunhaverse/gatekeeper/internal/oauth"
	"github.com/yunhaverse/gatekeeper/internal/otp"
	"github.com/yunhaverse/gatekeeper/internal/store"
	"github.com/yunhaverse/gatekeeper/internal/throttle"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rdb.Close) always runs.
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A nil ml selects SMTP or NopMailer from cfg; tests pass a capturing mailer.
func run(ctx context.Context, cfg *config.Config, ready chan<- string, ml mail.Mailer) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// One Redis pool shared by the failure counter and the reset token cache.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	if ml == nil {
		ml = newMailer(cfg)
	}

	h, err := newAuthHandler(ctx, cfg, ps, rdb, ml)
	if err != nil {
		return err
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gatekeeper listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting connections and waits for in-flight requests, up to 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// newMailer returns an SMTPMailer when SMTP_HOST is set, else a NopMailer.
func newMailer(cfg *config.Config) mail.Mailer {
	if cfg.SMTPHost == "" {
		slog.Warn("SMTP_HOST not set, outbound mail disabled")
		return &mail.NopMailer{}
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		FromAddress: cfg.SMTPFromAddress,
	})
}

// newAuthHandler assembles the ledger, flagger, OTP engine, throttle, and optional
// providers around the stores.
func newAuthHandler(ctx context.Context, cfg *config.Config, ps *store.PostgresStore, rdb *redis.Client, ml mail.Mailer) (*auth.AuthHandler, error) {
	ledger, err := audit.NewLedger(ps, otel.GetMeterProvider().Meter("gatekeeper"))
	if err != nil {
		return nil, err
	}
	flags := &audit.Flagger{Store: ps, Ledger: ledger, DedupeWindow: cfg.FlagDedupeWindow()}

	engine := &otp.Engine{
		Store:       ps,
		TTL:         cfg.OTPTTL(),
		Cooldown:    cfg.OTPCooldown(),
		MaxAttempts: cfg.OTPMaxAttempts,
		OnLockout:   auth.OTPLockoutFlag(flags, cfg.OTPMaxAttempts),
	}

	counter := store.NewRedisCounter(rdb)

	h := &auth.AuthHandler{
		PS:                    ps,
		RT:                    store.NewResetTokenCache(rdb),
		RS:                    counter,
		OTP:                   engine,
		Throttle:              throttle.New(counter, throttle.FailedLoginPrefix, cfg.LoginFlagWindow(), cfg.LoginFlagThreshold),
		Ledger:                ledger,
		Flags:                 flags,
		ML:                    ml,
		OAuthProviders:        map[string]oauth.Provider{},
		Policy:                auth.DefaultPasswordPolicy,
		ResetTokenTTL:         cfg.ResetTokenTTL(),
		LoginLockoutThreshold: cfg.LoginLockoutThreshold,
		ClientOrigin:          cfg.ClientOrigin,
	}

	if cfg.GoogleClientID != "" {
		google, err := oauth.NewGoogleProvider(ctx, oauth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up google provider: %w", err)
		}
		h.OAuthProviders[google.Name()] = google
	}
	if cfg.TurnstileSecret != "" {
		h.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret).WithHostname(cfg.TurnstileHostname)
	}
	return h, nil
}

// buildRouter wires all routes and middleware.
// Called from run() and by the smoke tests.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	// After RealIP so audit entries see the forwarded client address.
	r.Use(auth.RequestMeta)

	r.Get("/health", h.CheckHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/otp/send", h.SendOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/signup/cancel", h.CancelSignup)
		r.Post("/login", h.Login)
		r.Post("/password/otp", h.PasswordOTP)
		r.Post("/password/verify", h.PasswordVerify)
		r.Post("/password/reset", h.PasswordReset)
		r.Get("/oauth/{provider}", h.OAuthRedirect)
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)
	})

	// Actor required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireActor)
		r.Patch("/users/{id}/profile", h.UpdateProfile)

		// RequireAdmin reads the actor loaded above
		// DO NOT RUN RequireAdmin BEFORE RequireActor
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/audit-logs", h.ListAuditLogs)
			r.Get("/audit-flags", h.ListFlags)
			r.Post("/audit-flags", h.CreateFlag)
			r.Post("/audit-flags/{id}/resolve", h.ResolveFlag)
		})
	})

	return r
}
