package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pablo-camprubi/mcpmeta/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores an issued bearer token with a TTL matching its expiry
func (s *Store) SaveToken(ctx context.Context, token *storage.IssuedToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("invalid token")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := s.tokenKey(token.Value)

	builder := s.client.B().Set().Key(key).Value(string(data))
	if !token.ExpiresAt.IsZero() {
		ttl := calculateTTL(token.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("token already expired")
		}
		if err := s.client.Do(ctx, builder.Ex(ttl).Build()).Error(); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	} else {
		if err := s.client.Do(ctx, builder.Build()).Error(); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}

	s.logger.Debug("Saved issued token",
		"token_prefix", safeTruncate(token.Value, credentialLogLength),
		"user_id", token.UserID)
	return nil
}

// GetToken retrieves a token by value
func (s *Store) GetToken(ctx context.Context, value string) (*storage.IssuedToken, error) {
	key := s.tokenKey(value)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j issuedTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	token := fromTokenJSON(&j)

	// TTL should handle this, but double-check against clock skew
	if !token.ExpiresAt.IsZero() && time.Now().After(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: token expired", storage.ErrTokenNotFound)
	}

	return token, nil
}

// DeleteToken removes a token. Missing tokens are not an error.
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	key := s.tokenKey(value)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	s.logger.Debug("Deleted issued token",
		"token_prefix", safeTruncate(value, credentialLogLength))
	return nil
}

// SweepTokens is a no-op for Valkey: token keys carry TTLs and expire
// server-side.
func (s *Store) SweepTokens(ctx context.Context) (int, error) {
	return 0, nil
}
