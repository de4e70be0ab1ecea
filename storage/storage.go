// Package storage defines interfaces for persisting OAuth authorization
// sessions and issued bearer tokens. It supports in-memory and Valkey
// backend implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors returned by stores. Callers map these to generic OAuth
// wire errors; the distinction only matters for server-side logging.
var (
	// ErrSessionNotFound is returned when no session exists for the given
	// state or authorization code. Expired sessions are reported as not
	// found after lazy cleanup.
	ErrSessionNotFound = errors.New("authorization session not found")

	// ErrSessionExpired is returned when a session exists but its TTL has
	// elapsed. Stores delete the session before returning this.
	ErrSessionExpired = errors.New("authorization session expired")

	// ErrSessionExists is returned when saving a session whose state
	// collides with a live session.
	ErrSessionExists = errors.New("authorization session already exists")

	// ErrCodeExists is returned by MarkAuthorized when the minted local
	// authorization code collides with one already held by another session.
	ErrCodeExists = errors.New("authorization code already exists")

	// ErrNotPending is returned by MarkAuthorized when the session has
	// already left the pending status. Exactly one of several concurrent
	// callback handlers observes success; the rest observe this error.
	ErrNotPending = errors.New("authorization session is not pending")

	// ErrCodeNotRedeemable is returned by Redeem when the session holding
	// the code was never authorized or the code was already redeemed.
	// Exactly one of several concurrent redemptions succeeds; the rest
	// observe this error.
	ErrCodeNotRedeemable = errors.New("authorization code is not redeemable")

	// ErrTokenNotFound is returned when no issued token matches the given
	// value. Expired tokens are reported as not found after lazy cleanup.
	ErrTokenNotFound = errors.New("token not found")
)

// SessionStatus tracks where a session sits in its lifecycle. Transitions
// are forward-only: pending -> authorized -> redeemed.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusAuthorized SessionStatus = "authorized"
	StatusRedeemed   SessionStatus = "redeemed"
)

// AuthorizationSession represents one end-user login attempt, from the
// initial /oauth/authorize request through code redemption.
//
// # Understanding State vs ClientState
//
// Two distinct state parameters protect the flow at different layers:
//
//  1. State is generated by THIS server, sent to the identity provider in
//     the dialog redirect, and returned by the provider in its callback.
//     It is the session's primary key and defends the server side against
//     CSRF and callback forgery.
//
//  2. ClientState is the MCP client's own state parameter, captured at
//     initiation and echoed back unchanged in the final redirect so the
//     client can run its own CSRF check.
//
// The provider access token obtained during the callback is stored here
// server-side only; it never appears in any redirect or response body.
type AuthorizationSession struct {
	State               string // server-generated, provider-facing state (primary key)
	ClientState         string // client's CSRF state, echoed back verbatim
	ClientRedirectURI   string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string // only "S256" is accepted
	ProviderCode        string // provider's authorization code, set by the callback
	LocalAuthCode       string // minted at authorization, redeemable exactly once
	ProviderToken       *oauth2.Token
	UserID              string
	Status              SessionStatus
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *AuthorizationSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IssuedToken is a locally minted opaque bearer token that the MCP tool
// dispatcher accepts. It maps back to the provider token server-side.
type IssuedToken struct {
	Value         string // opaque random string, the bearer credential
	ProviderToken *oauth2.Token
	UserID        string
	Scope         string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the token's lifetime has elapsed at the given time.
func (t *IssuedToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// SessionStore persists authorization sessions. All methods accept
// context.Context for tracing and cancellation.
//
// Implementations must make MarkAuthorized and Redeem atomic per session:
// under concurrent invocation for the same session, exactly one caller
// observes success and the others observe ErrNotPending or
// ErrCodeNotRedeemable respectively. Implementations must never hold a
// store-wide lock across a network call.
type SessionStore interface {
	// SaveSession stores a new pending session keyed by its State.
	SaveSession(ctx context.Context, session *AuthorizationSession) error

	// GetSession retrieves a session by its provider-facing state.
	// Expired sessions are deleted and reported as ErrSessionExpired.
	GetSession(ctx context.Context, state string) (*AuthorizationSession, error)

	// MarkAuthorized atomically transitions the session from pending to
	// authorized, recording the provider's code and token, the
	// authenticated user, and the freshly minted one-time local
	// authorization code.
	// Returns the updated session, or ErrSessionNotFound, ErrSessionExpired,
	// ErrNotPending, or ErrCodeExists if the transition cannot happen.
	// SECURITY: MUST be atomic to guarantee a provider callback is honored
	// at most once per session.
	MarkAuthorized(ctx context.Context, state, providerCode, localAuthCode, userID string, providerToken *oauth2.Token) (*AuthorizationSession, error)

	// Redeem atomically transitions the session holding localAuthCode from
	// authorized to redeemed and returns a snapshot of it. Returns
	// ErrSessionNotFound, ErrSessionExpired, or ErrCodeNotRedeemable if the
	// code cannot be consumed.
	// SECURITY: MUST be atomic to guarantee single-use authorization codes
	// under concurrent redemption attempts.
	Redeem(ctx context.Context, localAuthCode string) (*AuthorizationSession, error)

	// DeleteSession removes a session by state. Deleting a missing session
	// is not an error.
	DeleteSession(ctx context.Context, state string) error

	// SweepSessions removes all expired sessions and reports how many were
	// deleted. Backends with native key expiry may return 0 without work.
	SweepSessions(ctx context.Context) (int, error)
}

// TokenStore persists issued bearer tokens. All methods accept
// context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken stores an issued token keyed by its opaque value.
	SaveToken(ctx context.Context, token *IssuedToken) error

	// GetToken retrieves a token by value. Expired tokens are deleted and
	// reported as ErrTokenNotFound.
	GetToken(ctx context.Context, value string) (*IssuedToken, error)

	// DeleteToken removes a token. Deleting a missing token is not an error.
	DeleteToken(ctx context.Context, value string) error

	// SweepTokens removes all expired tokens and reports how many were
	// deleted.
	SweepTokens(ctx context.Context) (int, error)
}
