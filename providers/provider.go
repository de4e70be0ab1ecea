// Package providers defines the interface for OAuth identity providers.
//
// Implementations live in subpackages:
//   - providers/meta: Meta (Facebook) Graph API OAuth provider
//   - providers/mock: mock provider for testing
//
// Provider implementations handle authorization URL generation, server-side
// authorization code exchange, token validation with user info retrieval,
// and health checks.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider defines the interface for OAuth identity providers.
// Uses golang.org/x/oauth2.Token directly.
type Provider interface {
	// Name returns the provider name (e.g., "meta")
	Name() string

	// AuthorizationURL generates the URL to redirect users for authentication.
	// state is the server-generated state parameter; scopes override the
	// provider defaults when non-empty.
	AuthorizationURL(state string, scopes []string) string

	// ExchangeCode exchanges a provider authorization code for tokens.
	// This is a confidential server-to-server call; implementations must
	// bound it with a timeout.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// ValidateToken validates an access token and returns user information
	ValidateToken(ctx context.Context, accessToken string) (*UserInfo, error)

	// HealthCheck verifies that the provider is reachable.
	// Useful for readiness probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address, when the granted scopes expose it
	Email string

	// Name is the user's full name
	Name string

	// Picture is the URL of the user's profile picture
	Picture string
}
