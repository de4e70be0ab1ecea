package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/pablo-camprubi/mcpmeta/instrumentation"
	"github.com/pablo-camprubi/mcpmeta/providers"
	"github.com/pablo-camprubi/mcpmeta/security"
	"github.com/pablo-camprubi/mcpmeta/storage"
)

// credentialLogLength is how many characters of a state, code, or token may
// appear in logs.
const credentialLogLength = 8

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging prefixes of states, codes, and tokens.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the OAuth flow engine (provider-agnostic).
// It coordinates the proxy flow using a Provider and storage backends.
type Server struct {
	provider     providers.Provider
	sessionStore storage.SessionStore
	tokenStore   storage.TokenStore

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // IP-based rate limiter
	Logger      *slog.Logger
	Config      *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a new OAuth flow engine
func New(
	provider providers.Provider,
	sessionStore storage.SessionStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if sessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		provider:     provider,
		sessionStore: sessionStore,
		tokenStore:   tokenStore,
		Config:       config,
		Logger:       logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation for the flow engine
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Instrumentation exposes the configured instrumentation, if any
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Provider exposes the configured identity provider (for health checks)
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, state parameters, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
