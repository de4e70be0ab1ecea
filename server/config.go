package server

import (
	"log/slog"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL), e.g.
	// "https://mcp.example.com". Also the base for the callback URI.
	Issuer string

	// ClientID identifies the single pre-configured client application.
	// Authorization and token requests carrying a client_id must match it.
	ClientID string

	// ClientName is the display name of the pre-configured client, echoed
	// by the registration endpoint.
	ClientName string

	// ClientSecretHash is the optional bcrypt hash of the client's secret.
	// When set, the token endpoint requires client authentication.
	ClientSecretHash string

	// SessionTTL is how long authorization sessions (and therefore local
	// authorization codes) are valid
	SessionTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long issued bearer tokens are valid when the
	// provider token carries no expiry of its own
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// SupportedScopes lists the scopes that clients may request.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// MinStateLength is the minimum length of the client's state parameter.
	// Short state values weaken CSRF protection.
	MinStateLength int // default: 8

	// MaxStateLength bounds the client's state parameter to keep stored
	// sessions and redirect URLs reasonable
	MaxStateLength int // default: 512

	// ProviderRequestTimeout bounds every provider call made during the
	// callback (code exchange, user info)
	ProviderRequestTimeout int64 // seconds, default: 30

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false (uses direct connection IP)
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP
	TrustedProxyCount int // default: 1

	// AllowInsecureHTTP allows a non-localhost http:// issuer.
	// WARNING: OAuth over HTTP exposes tokens and credentials to
	// interception. Only for controlled test environments.
	AllowInsecureHTTP bool
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.SessionTTL == 0 {
		config.SessionTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.MaxStateLength == 0 {
		config.MaxStateLength = 512
	}
	if config.ProviderRequestTimeout == 0 {
		config.ProviderRequestTimeout = 30
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP extraction",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if config.ClientSecretHash == "" {
		logger.Info("No client secret configured, token endpoint accepts the public client")
	}

	return config
}
