package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pablo-camprubi/mcpmeta/providers"
	"github.com/pablo-camprubi/mcpmeta/security"
	"github.com/pablo-camprubi/mcpmeta/storage"
)

// StartAuthorizationFlow validates an authorization request and begins a new
// proxy flow. It mints the provider-facing state, persists a pending session
// binding the client's redirect URI, scope, PKCE challenge, and CSRF state,
// and returns the provider authorization URL to redirect the user to.
//
// clientState is the state parameter from the client (REQUIRED for CSRF
// protection). It is stored verbatim and echoed back on the client redirect;
// the provider only ever sees the server-minted state.
func (s *Server) StartAuthorizationFlow(ctx context.Context, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, clientState, ipAddress string) (string, error) {
	// CRITICAL SECURITY: Require state parameter from client for CSRF protection
	if err := s.validateStateParameter(clientState); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "invalid_state_parameter")
		}
		return "", flowErrorf(ErrorCodeInvalidRequest, "%v", err)
	}

	if err := s.validateClientID(clientID); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "unknown_client")
		}
		return "", flowErrorf(ErrorCodeInvalidRequest, "%v", err)
	}

	if err := s.validateRedirectURI(redirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
		}
		return "", flowErrorf(ErrorCodeInvalidRequest, "%v", err)
	}

	// PKCE is mandatory (OAuth 2.1), S256 only
	if codeChallenge == "" {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "missing_pkce_parameters")
		}
		return "", flowErrorf(ErrorCodeInvalidRequest, "PKCE is required: code_challenge parameter is mandatory (OAuth 2.1)")
	}
	if codeChallengeMethod != PKCEMethodS256 {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, fmt.Sprintf("invalid_pkce_method: %s", codeChallengeMethod))
		}
		return "", flowErrorf(ErrorCodeInvalidRequest, "unsupported code_challenge_method: %q (supported: S256)", codeChallengeMethod)
	}

	if err := s.validateScopes(scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, fmt.Sprintf("invalid_scope: %v", err))
		}
		return "", flowErrorf(ErrorCodeInvalidRequest, "%v", err)
	}

	// Provider-facing state, distinct from the client's state for defense in
	// depth. It is the session's primary key.
	providerState := generateRandomToken()

	now := time.Now()
	session := &storage.AuthorizationSession{
		State:               providerState,
		ClientState:         clientState,
		ClientRedirectURI:   redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Status:              storage.StatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.SessionTTL) * time.Second),
	}
	if err := s.sessionStore.SaveSession(ctx, session); err != nil {
		s.Logger.Error("Failed to save authorization session", "error", err)
		return "", flowErrorf(ErrorCodeServerError, "failed to save authorization session")
	}

	if s.Auditor != nil {
		s.Auditor.LogFlowStarted(clientID, ipAddress, scope)
	}

	s.Logger.Info("Authorization flow started",
		"state_prefix", safeTruncate(providerState, credentialLogLength),
		"scope", scope)

	var scopes []string
	if scope != "" {
		scopes = strings.Fields(scope)
	}
	return s.provider.AuthorizationURL(providerState, scopes), nil
}

// LookupCallbackSession resolves a provider callback state to its pending
// session without mutating it. The HTTP layer uses this on the provider-error
// path so the error can be relayed to the recorded client redirect URI,
// which is the only redirect target ever trusted.
func (s *Server) LookupCallbackSession(ctx context.Context, providerState string) (*storage.AuthorizationSession, error) {
	if providerState == "" {
		return nil, flowErrorf(ErrorCodeInvalidState, "state parameter is required")
	}

	session, err := s.sessionStore.GetSession(ctx, providerState)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) || errors.Is(err, storage.ErrSessionExpired) {
			return nil, flowErrorf(ErrorCodeInvalidState, "unknown or expired state")
		}
		s.Logger.Error("Failed to load authorization session", "error", err)
		return nil, flowErrorf(ErrorCodeServerError, "failed to load authorization session")
	}
	if session.Status != storage.StatusPending {
		return nil, flowErrorf(ErrorCodeInvalidState, "authorization session already completed")
	}
	return session, nil
}

// HandleProviderCallback completes the provider leg of the flow. It resolves
// the pending session for providerState, exchanges the provider code for
// tokens, resolves the authenticated user, and atomically transitions the
// session to authorized with a freshly minted local authorization code.
//
// The returned session snapshot carries the LocalAuthCode, ClientRedirectURI,
// and ClientState needed to redirect the user back to the client. Provider
// calls run without any store lock held; an upstream failure leaves the
// session pending so the user can retry.
func (s *Server) HandleProviderCallback(ctx context.Context, providerState, providerCode, ipAddress string) (*storage.AuthorizationSession, error) {
	if providerCode == "" {
		return nil, flowErrorf(ErrorCodeInvalidRequest, "code parameter is required")
	}

	session, err := s.LookupCallbackSession(ctx, providerState)
	if err != nil {
		var flowErr *FlowError
		if errors.As(err, &flowErr) && flowErr.Code == ErrorCodeInvalidState && s.Auditor != nil {
			s.Auditor.LogStateMismatch(ipAddress)
		}
		return nil, err
	}

	// CRITICAL SECURITY: constant-time comparison of the stored state against
	// the presented one
	if subtle.ConstantTimeCompare([]byte(session.State), []byte(providerState)) != 1 {
		if s.Auditor != nil {
			s.Auditor.LogStateMismatch(ipAddress)
		}
		return nil, flowErrorf(ErrorCodeInvalidState, "state parameter mismatch")
	}

	// Bound the provider round-trips. No store lock is held here; a slow or
	// failing provider must not block other sessions.
	providerCtx, cancel := context.WithTimeout(ctx, time.Duration(s.Config.ProviderRequestTimeout)*time.Second)
	defer cancel()

	providerToken, err := s.provider.ExchangeCode(providerCtx, providerCode)
	if err != nil {
		s.Logger.Error("Provider code exchange failed",
			"provider", s.provider.Name(),
			"state_prefix", safeTruncate(providerState, credentialLogLength),
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventUpstreamFailure,
				IPAddress: ipAddress,
				Details: map[string]any{
					"provider": s.provider.Name(),
				},
			})
		}
		return nil, flowErrorf(ErrorCodeUpstreamError, "provider code exchange failed")
	}

	userInfo, err := s.provider.ValidateToken(providerCtx, providerToken.AccessToken)
	if err != nil {
		s.Logger.Error("Provider user info lookup failed",
			"provider", s.provider.Name(),
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventUpstreamFailure,
				IPAddress: ipAddress,
				Details: map[string]any{
					"provider": s.provider.Name(),
					"stage":    "user_info",
				},
			})
		}
		return nil, flowErrorf(ErrorCodeUpstreamError, "provider token validation failed")
	}

	localAuthCode := generateRandomToken()

	// SECURITY: MUST be atomic. Concurrent callbacks for the same state race
	// here and exactly one wins the pending -> authorized transition.
	updated, err := s.sessionStore.MarkAuthorized(ctx, session.State, providerCode, localAuthCode, userInfo.ID, providerToken)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotPending):
			if s.Auditor != nil {
				s.Auditor.LogStateMismatch(ipAddress)
			}
			return nil, flowErrorf(ErrorCodeInvalidState, "authorization session already completed")
		case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, storage.ErrSessionExpired):
			return nil, flowErrorf(ErrorCodeInvalidState, "unknown or expired state")
		default:
			s.Logger.Error("Failed to mark session authorized", "error", err)
			return nil, flowErrorf(ErrorCodeServerError, "failed to update authorization session")
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(userInfo.ID, s.Config.ClientID, ipAddress)
	}

	s.Logger.Info("Authorization code issued",
		"provider", s.provider.Name(),
		"code_prefix", safeTruncate(localAuthCode, credentialLogLength))

	return updated, nil
}

// ExchangeAuthorizationCode redeems a local authorization code for a bearer
// token. The redemption is an atomic authorized -> redeemed transition; PKCE
// and redirect_uri are verified against the returned snapshot afterwards, so
// a failed verification still burns the code. All redemption failures
// surface as a generic invalid_grant per RFC 6749.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, clientSecret, redirectURI, codeVerifier, ipAddress string) (*storage.IssuedToken, error) {
	if code == "" {
		return nil, flowErrorf(ErrorCodeInvalidRequest, "code parameter is required")
	}

	if err := s.validateClientCredentials(clientID, clientSecret); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "client_authentication_failed")
		}
		return nil, flowErrorf(ErrorCodeInvalidClient, "client authentication failed")
	}

	// SECURITY: MUST be atomic. Concurrent redemptions of the same code race
	// here and exactly one wins; the rest observe ErrCodeNotRedeemable.
	session, err := s.sessionStore.Redeem(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeNotRedeemable):
			// A code only becomes redeemable once, so this is a reuse attempt.
			s.Logger.Warn("Authorization code reuse detected",
				"code_prefix", safeTruncate(code, credentialLogLength))
			if s.Auditor != nil {
				s.Auditor.LogCodeReuseDetected(clientID, ipAddress)
			}
		case errors.Is(err, storage.ErrSessionExpired):
			s.Logger.Debug("Authorization code redemption failed",
				"reason", "session_expired",
				"code_prefix", safeTruncate(code, credentialLogLength))
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", clientID, ipAddress, "authorization_code_expired")
			}
		case errors.Is(err, storage.ErrSessionNotFound):
			s.Logger.Debug("Authorization code redemption failed",
				"reason", "code_not_found",
				"code_prefix", safeTruncate(code, credentialLogLength))
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", clientID, ipAddress, "invalid_authorization_code")
			}
		default:
			s.Logger.Error("Authorization code redemption failed", "error", err)
			return nil, flowErrorf(ErrorCodeServerError, "failed to redeem authorization code")
		}
		// Generic error per RFC 6749, details stay in the server log
		return nil, invalidGrant()
	}

	// The code is burned from here on. Verification failures below must not
	// resurrect it.
	if session.ClientRedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"code_prefix", safeTruncate(code, credentialLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(session.UserID, clientID, ipAddress, "redirect_uri_mismatch")
		}
		return nil, invalidGrant()
	}

	if err := s.validatePKCE(session.CodeChallenge, session.CodeChallengeMethod, codeVerifier); err != nil {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "pkce_validation_failed",
			"detail", err.Error(),
			"code_prefix", safeTruncate(code, credentialLogLength))
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    session.UserID,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
		}
		return nil, invalidGrant()
	}

	now := time.Now()
	expiresAt := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)
	if session.ProviderToken != nil && !session.ProviderToken.Expiry.IsZero() {
		// Never outlive the provider token
		expiresAt = session.ProviderToken.Expiry
	}

	token := &storage.IssuedToken{
		Value:         generateRandomToken(),
		ProviderToken: session.ProviderToken,
		UserID:        session.UserID,
		Scope:         session.Scope,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := s.tokenStore.SaveToken(ctx, token); err != nil {
		s.Logger.Error("Failed to save issued token", "error", err)
		return nil, flowErrorf(ErrorCodeServerError, "failed to save token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(session.UserID, clientID, ipAddress, session.Scope)
	}

	s.Logger.Info("Token issued",
		"token_prefix", safeTruncate(token.Value, credentialLogLength),
		"expires_at", token.ExpiresAt)

	return token, nil
}

// ValidateBearer resolves a presented bearer token to its issued token
// record. Unknown and expired tokens both return an invalid_token flow error.
func (s *Server) ValidateBearer(ctx context.Context, value string) (*storage.IssuedToken, error) {
	if value == "" {
		return nil, flowErrorf(ErrorCodeInvalidToken, "missing bearer token")
	}

	token, err := s.tokenStore.GetToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, flowErrorf(ErrorCodeInvalidToken, "invalid or expired token")
		}
		s.Logger.Error("Failed to load token", "error", err)
		return nil, flowErrorf(ErrorCodeServerError, "failed to load token")
	}
	return token, nil
}

// UserInfoForToken validates the provider token held behind an issued bearer
// token, returning fresh user info from the provider.
func (s *Server) UserInfoForToken(ctx context.Context, token *storage.IssuedToken) (*providers.UserInfo, error) {
	if token == nil || token.ProviderToken == nil {
		return nil, flowErrorf(ErrorCodeInvalidToken, "token has no provider credentials")
	}

	providerCtx, cancel := context.WithTimeout(ctx, time.Duration(s.Config.ProviderRequestTimeout)*time.Second)
	defer cancel()

	userInfo, err := s.provider.ValidateToken(providerCtx, token.ProviderToken.AccessToken)
	if err != nil {
		return nil, flowErrorf(ErrorCodeUpstreamError, "provider token validation failed")
	}
	return userInfo, nil
}
