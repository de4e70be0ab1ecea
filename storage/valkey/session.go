package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/pablo-camprubi/mcpmeta/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts protect the security-critical session transitions. Running
// the check and the write inside one script makes them atomic in
// Valkey/Redis, so concurrent callbacks or token requests cannot both
// succeed for the same session.

// luaMarkAuthorized atomically transitions a session from pending to
// authorized, records the minted local code and provider token, and creates
// the code -> state lookup entry with the session's remaining TTL.
//
// SECURITY: This operation MUST be atomic - only ONE concurrent callback for
// the same session can succeed. The rest observe NOT_PENDING.
//
// KEYS[1] = session key (e.g., "mcpmeta:session:abc123")
// KEYS[2] = code key (e.g., "mcpmeta:code:xyz789")
// ARGV[1] = current Unix timestamp in seconds (for expiry double-check)
// ARGV[2] = local authorization code
// ARGV[3] = user ID
// ARGV[4] = provider token JSON
// ARGV[5] = provider authorization code
//
// Returns:
//   - Updated session JSON on success
//   - "NOT_FOUND" if the session key doesn't exist
//   - "EXPIRED" if the stored expiry has passed (key deleted)
//   - "NOT_PENDING:<status>" if the session already left the pending state
//   - "CODE_EXISTS" if the code key is already held by another session
const luaMarkAuthorized = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local session = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(session.expires_at)
if expiresAt and now > expiresAt then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

if session.status ~= 'pending' then
    return 'NOT_PENDING:' .. session.status
end

if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'CODE_EXISTS'
end

session.status = 'authorized'
session.local_auth_code = ARGV[2]
if ARGV[3] ~= '' then
    session.user_id = ARGV[3]
end
session.provider_token = cjson.decode(ARGV[4])
if ARGV[5] ~= '' then
    session.provider_code = ARGV[5]
end

local encoded = cjson.encode(session)
redis.call('SET', KEYS[1], encoded, 'KEEPTTL')

local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[2], session.state, 'PX', ttl)
else
    redis.call('SET', KEYS[2], session.state)
end

return encoded
`

// luaRedeem atomically transitions a session from authorized to redeemed.
// The session stays stored (with its TTL) so later attempts to redeem the
// same code surface as reuse instead of not-found.
//
// SECURITY: This operation MUST be atomic - only ONE concurrent redemption
// of the same code can succeed. The rest observe NOT_REDEEMABLE.
//
// KEYS[1] = session key
// KEYS[2] = code key (deleted on expiry cleanup)
// ARGV[1] = current Unix timestamp in seconds (for expiry double-check)
// ARGV[2] = local authorization code being redeemed
//
// Returns:
//   - Updated session JSON on success
//   - "NOT_FOUND" if the session is gone or the code doesn't match it
//   - "EXPIRED" if the stored expiry has passed (keys deleted)
//   - "NOT_REDEEMABLE:<status>" if the session is not in the authorized state
const luaRedeem = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local session = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(session.expires_at)
if expiresAt and now > expiresAt then
    redis.call('DEL', KEYS[1])
    redis.call('DEL', KEYS[2])
    return 'EXPIRED'
end

if session.local_auth_code ~= ARGV[2] then
    return 'NOT_FOUND'
end

if session.status ~= 'authorized' then
    return 'NOT_REDEEMABLE:' .. session.status
end

session.status = 'redeemed'

local encoded = cjson.encode(session)
redis.call('SET', KEYS[1], encoded, 'KEEPTTL')

return encoded
`

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores a new pending authorization session with a TTL matching
// its expiry. Uses SET NX so a state collision is rejected instead of
// silently overwritten.
func (s *Store) SaveSession(ctx context.Context, session *storage.AuthorizationSession) error {
	if session == nil || session.State == "" {
		return fmt.Errorf("invalid authorization session")
	}

	ttl := calculateTTL(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization session already expired")
	}

	data, err := json.Marshal(toSessionJSON(session))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization session: %w", err)
	}

	key := s.sessionKey(session.State)

	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Ex(ttl).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			// SET NX returned nil: the state is already taken
			return fmt.Errorf("%w: %s", storage.ErrSessionExists, safeTruncate(session.State, credentialLogLength))
		}
		return fmt.Errorf("failed to save authorization session: %w", err)
	}

	s.logger.Debug("Saved authorization session",
		"state_prefix", safeTruncate(session.State, credentialLogLength))
	return nil
}

// GetSession retrieves a session by its provider-facing state
func (s *Store) GetSession(ctx context.Context, state string) (*storage.AuthorizationSession, error) {
	key := s.sessionKey(state)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get authorization session: %w", err)
	}

	var j authorizationSessionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization session: %w", err)
	}

	session := fromSessionJSON(&j)

	// TTL should handle this, but double-check against clock skew
	if session.Expired(time.Now()) {
		return nil, storage.ErrSessionExpired
	}

	return session, nil
}

// MarkAuthorized atomically transitions a session from pending to authorized,
// recording the provider's code and token, the user, and the minted local code.
//
// SECURITY: Atomic via Lua script - only ONE concurrent callback for the same
// session can succeed. The rest observe ErrNotPending.
func (s *Store) MarkAuthorized(ctx context.Context, state, providerCode, localAuthCode, userID string, providerToken *oauth2.Token) (*storage.AuthorizationSession, error) {
	if localAuthCode == "" {
		return nil, fmt.Errorf("localAuthCode cannot be empty")
	}
	if providerToken == nil {
		return nil, fmt.Errorf("providerToken cannot be nil")
	}

	tokenData, err := json.Marshal(providerToken)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider token: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkAuthorized).
			Numkeys(2).
			Key(s.sessionKey(state), s.codeKey(localAuthCode)).
			Arg(fmt.Sprintf("%d", time.Now().Unix()), localAuthCode, userID, string(tokenData), providerCode).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic authorize: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrSessionNotFound
	case result == "EXPIRED":
		return nil, storage.ErrSessionExpired
	case result == "CODE_EXISTS":
		return nil, fmt.Errorf("%w: %s", storage.ErrCodeExists, safeTruncate(localAuthCode, credentialLogLength))
	case strings.HasPrefix(result, "NOT_PENDING:"):
		status := strings.TrimPrefix(result, "NOT_PENDING:")
		return nil, fmt.Errorf("%w: status is %s", storage.ErrNotPending, status)
	}

	var j authorizationSessionJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization session: %w", err)
	}

	s.logger.Debug("Marked session authorized",
		"state_prefix", safeTruncate(state, credentialLogLength),
		"code_prefix", safeTruncate(localAuthCode, credentialLogLength),
		"user_id", userID)

	return fromSessionJSON(&j), nil
}

// Redeem atomically transitions the session holding localAuthCode from
// authorized to redeemed and returns a snapshot of it.
//
// SECURITY: Atomic via Lua script - only ONE concurrent redemption of the
// same code can succeed. Reuse attempts observe ErrCodeNotRedeemable.
func (s *Store) Redeem(ctx context.Context, localAuthCode string) (*storage.AuthorizationSession, error) {
	// Resolve the code to its session first. The CAS inside the script keeps
	// the transition atomic even when concurrent callers resolve the same
	// state here.
	codeKey := s.codeKey(localAuthCode)

	state, err := s.client.Do(ctx, s.client.B().Get().Key(codeKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to resolve authorization code: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRedeem).
			Numkeys(2).
			Key(s.sessionKey(state), codeKey).
			Arg(fmt.Sprintf("%d", time.Now().Unix()), localAuthCode).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic redeem: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrSessionNotFound
	case result == "EXPIRED":
		return nil, storage.ErrSessionExpired
	case strings.HasPrefix(result, "NOT_REDEEMABLE:"):
		status := strings.TrimPrefix(result, "NOT_REDEEMABLE:")
		return nil, fmt.Errorf("%w: status is %s", storage.ErrCodeNotRedeemable, status)
	}

	var j authorizationSessionJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization session: %w", err)
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", safeTruncate(localAuthCode, credentialLogLength),
		"user_id", j.UserID)

	return fromSessionJSON(&j), nil
}

// DeleteSession removes a session and its code lookup entry.
// Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, state string) error {
	key := s.sessionKey(state)

	// Fetch first to find the code lookup entry for cleanup
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err == nil {
		var j authorizationSessionJSON
		if err := json.Unmarshal([]byte(data), &j); err == nil && j.LocalAuthCode != "" {
			if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(j.LocalAuthCode)).Build()).Error(); err != nil {
				s.logger.Warn("Failed to delete code lookup entry",
					"state_prefix", safeTruncate(state, credentialLogLength),
					"error", err)
			}
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization session: %w", err)
	}

	s.logger.Debug("Deleted authorization session",
		"state_prefix", safeTruncate(state, credentialLogLength))
	return nil
}

// SweepSessions is a no-op for Valkey: session keys carry TTLs and expire
// server-side.
func (s *Store) SweepSessions(ctx context.Context) (int, error) {
	return 0, nil
}
