package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/oauth2"

	"github.com/pablo-camprubi/mcpmeta/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcpmeta:"

	// credentialLogLength is the number of characters to include when logging
	// states, codes, and token values
	credentialLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcpmeta:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.SessionStore and
// storage.TokenStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// sessionKey returns the key for an authorization session: {prefix}session:{state}
func (s *Store) sessionKey(state string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, state)
}

// codeKey returns the key for a local auth code lookup: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// tokenKey returns the key for an issued bearer token: {prefix}token:{value}
func (s *Store) tokenKey(value string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, value)
}

// ============================================================
// JSON Serialization
// ============================================================

// authorizationSessionJSON is the JSON representation of an authorization session
type authorizationSessionJSON struct {
	State               string        `json:"state"`
	ClientState         string        `json:"client_state,omitempty"`
	ClientRedirectURI   string        `json:"client_redirect_uri"`
	Scope               string        `json:"scope,omitempty"`
	CodeChallenge       string        `json:"code_challenge"`
	CodeChallengeMethod string        `json:"code_challenge_method"`
	ProviderCode        string        `json:"provider_code,omitempty"`
	LocalAuthCode       string        `json:"local_auth_code,omitempty"`
	ProviderToken       *oauth2.Token `json:"provider_token,omitempty"`
	UserID              string        `json:"user_id,omitempty"`
	Status              string        `json:"status"`
	CreatedAt           int64         `json:"created_at"`
	ExpiresAt           int64         `json:"expires_at"`
}

func toSessionJSON(session *storage.AuthorizationSession) *authorizationSessionJSON {
	return &authorizationSessionJSON{
		State:               session.State,
		ClientState:         session.ClientState,
		ClientRedirectURI:   session.ClientRedirectURI,
		Scope:               session.Scope,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		ProviderCode:        session.ProviderCode,
		LocalAuthCode:       session.LocalAuthCode,
		ProviderToken:       session.ProviderToken,
		UserID:              session.UserID,
		Status:              string(session.Status),
		CreatedAt:           session.CreatedAt.Unix(),
		ExpiresAt:           session.ExpiresAt.Unix(),
	}
}

func fromSessionJSON(j *authorizationSessionJSON) *storage.AuthorizationSession {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationSession{
		State:               j.State,
		ClientState:         j.ClientState,
		ClientRedirectURI:   j.ClientRedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		ProviderCode:        j.ProviderCode,
		LocalAuthCode:       j.LocalAuthCode,
		ProviderToken:       j.ProviderToken,
		UserID:              j.UserID,
		Status:              storage.SessionStatus(j.Status),
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
	}
}

// issuedTokenJSON is the JSON representation of an issued bearer token
type issuedTokenJSON struct {
	Value         string        `json:"value"`
	ProviderToken *oauth2.Token `json:"provider_token,omitempty"`
	UserID        string        `json:"user_id"`
	Scope         string        `json:"scope,omitempty"`
	CreatedAt     int64         `json:"created_at"`
	ExpiresAt     int64         `json:"expires_at"`
}

func toTokenJSON(token *storage.IssuedToken) *issuedTokenJSON {
	j := &issuedTokenJSON{
		Value:         token.Value,
		ProviderToken: token.ProviderToken,
		UserID:        token.UserID,
		Scope:         token.Scope,
		CreatedAt:     token.CreatedAt.Unix(),
	}
	// Zero ExpiresAt means no expiry; keep it zero through the round trip
	if !token.ExpiresAt.IsZero() {
		j.ExpiresAt = token.ExpiresAt.Unix()
	}
	return j
}

func fromTokenJSON(j *issuedTokenJSON) *storage.IssuedToken {
	if j == nil {
		return nil
	}
	token := &storage.IssuedToken{
		Value:         j.Value,
		ProviderToken: j.ProviderToken,
		UserID:        j.UserID,
		Scope:         j.Scope,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
	}
	if j.ExpiresAt > 0 {
		token.ExpiresAt = time.Unix(j.ExpiresAt, 0)
	}
	return token
}

// ============================================================
// Helpers
// ============================================================

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
