// Command mcpmeta-oauth runs the OAuth authorization front of the Meta
// Marketing MCP server. It brokers the Meta login flow for MCP clients and
// issues the bearer tokens that guard the tool-calling endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	oauth "github.com/pablo-camprubi/mcpmeta"
	"github.com/pablo-camprubi/mcpmeta/instrumentation"
	"github.com/pablo-camprubi/mcpmeta/providers/meta"
	"github.com/pablo-camprubi/mcpmeta/security"
	"github.com/pablo-camprubi/mcpmeta/server"
	"github.com/pablo-camprubi/mcpmeta/storage"
	"github.com/pablo-camprubi/mcpmeta/storage/memory"
	"github.com/pablo-camprubi/mcpmeta/storage/valkey"
)

const shutdownTimeout = 10 * time.Second

type appConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	PublicURL  string `env:"PUBLIC_URL,required"`

	MetaAppID     string `env:"META_APP_ID,required"`
	MetaAppSecret string `env:"META_APP_SECRET,required,unset"`

	ClientID         string   `env:"MCP_CLIENT_ID" envDefault:"mcp-client"`
	ClientName       string   `env:"MCP_CLIENT_NAME" envDefault:"Meta Marketing MCP"`
	ClientSecretHash string   `env:"MCP_CLIENT_SECRET_HASH,unset"`
	Scopes           []string `env:"MCP_SCOPES" envSeparator:"," envDefault:"mcp:tools,ads_read,ads_management,business_management"`

	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"10m"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`

	ValkeyAddr      string `env:"VALKEY_ADDR"`
	ValkeyPassword  string `env:"VALKEY_PASSWORD,unset"`
	ValkeyKeyPrefix string `env:"VALKEY_KEY_PREFIX" envDefault:"mcpmeta:"`

	RateLimitRPS   int  `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int  `env:"RATE_LIMIT_BURST" envDefault:"20"`
	TrustProxy     bool `env:"TRUST_PROXY"`
	TrustedProxies int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	AllowInsecureHTTP bool `env:"ALLOW_INSECURE_HTTP"`
	AuditLogging      bool `env:"AUDIT_LOGGING" envDefault:"true"`
	TelemetryEnabled  bool `env:"TELEMETRY_ENABLED"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := env.ParseAs[appConfig]()
	if err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := meta.NewProvider(&meta.Config{
		AppID:       cfg.MetaAppID,
		AppSecret:   cfg.MetaAppSecret,
		RedirectURL: strings.TrimSuffix(cfg.PublicURL, "/") + oauth.PathCallback,
		Scopes:      providerScopes(cfg.Scopes),
	})
	if err != nil {
		return fmt.Errorf("creating Meta provider: %w", err)
	}

	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	defer closeStore()

	srv, err := server.New(provider, store, store, &server.Config{
		Issuer:            cfg.PublicURL,
		ClientID:          cfg.ClientID,
		ClientName:        cfg.ClientName,
		ClientSecretHash:  cfg.ClientSecretHash,
		SupportedScopes:   cfg.Scopes,
		SessionTTL:        int64(cfg.SessionTTL.Seconds()),
		AccessTokenTTL:    int64(cfg.AccessTokenTTL.Seconds()),
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxies,
		AllowInsecureHTTP: cfg.AllowInsecureHTTP,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating flow engine: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditLogging))

	if cfg.RateLimitRPS > 0 {
		limiter := security.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
		defer limiter.Stop()
		srv.SetRateLimiter(limiter)
	}

	instr, err := instrumentation.New(instrumentation.Config{
		ServiceName: "mcpmeta-oauth",
		Enabled:     cfg.TelemetryEnabled,
	})
	if err != nil {
		return fmt.Errorf("creating instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := instr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()
	srv.SetInstrumentation(instr)

	handler := oauth.NewHandler(srv, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("OAuth server listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.PublicURL,
			"provider", provider.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newStore returns the shared session and token store. With no Valkey address
// configured, sessions live in process memory and do not survive restarts.
func newStore(cfg appConfig, logger *slog.Logger) (sessionAndTokenStore, func(), error) {
	if cfg.ValkeyAddr == "" {
		logger.Info("Using in-memory session store")
		store := memory.New()
		return store, store.Stop, nil
	}

	logger.Info("Using Valkey session store", "addr", cfg.ValkeyAddr)
	store, err := valkey.New(valkey.Config{
		Address:   cfg.ValkeyAddr,
		Password:  cfg.ValkeyPassword,
		KeyPrefix: cfg.ValkeyKeyPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

type sessionAndTokenStore interface {
	storage.SessionStore
	storage.TokenStore
}

// providerScopes strips the server-local scopes that Meta does not know about
func providerScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		if strings.HasPrefix(s, "mcp:") {
			continue
		}
		out = append(out, s)
	}
	return out
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
