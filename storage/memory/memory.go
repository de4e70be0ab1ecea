// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; sessions and tokens do not survive a restart and are not
// shared across replicas.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/pablo-camprubi/mcpmeta/instrumentation"
	"github.com/pablo-camprubi/mcpmeta/internal/util"
	"github.com/pablo-camprubi/mcpmeta/security"
	"github.com/pablo-camprubi/mcpmeta/storage"
)

// credentialLogLength is the number of characters to include when logging
// states, codes, and token values. Enough uniqueness for debugging while
// keeping logs safe.
const credentialLogLength = 8

// Store is an in-memory implementation of storage.SessionStore and
// storage.TokenStore.
type Store struct {
	mu sync.RWMutex

	// Sessions keyed by provider-facing state; codeIndex maps local
	// authorization codes back to their session's state.
	sessions  map[string]*storage.AuthorizationSession
	codeIndex map[string]string

	// Issued bearer tokens keyed by opaque value
	tokens map[string]*storage.IssuedToken

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	sessionsCountAtomic atomic.Int64
	tokensCountAtomic   atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
)

// sessionExpired reports whether a session is past its TTL. Session expiry is
// measured against this server's own clock, so no skew grace applies; issued
// tokens keep the grace because their expiry tracks the provider's clock.
func sessionExpired(session *storage.AuthorizationSession) bool {
	return security.IsTokenExpiredWithGracePeriod(session.ExpiresAt, 0)
}

// New creates a new in-memory store with the default sweep interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom sweep interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:        make(map[string]*storage.AuthorizationSession),
		codeIndex:       make(map[string]string),
		tokens:          make(map[string]*storage.IssuedToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the sweep goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores a new pending authorization session keyed by its state
func (s *Store) SaveSession(ctx context.Context, session *storage.AuthorizationSession) error {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_session", err, startTime)
	}()

	if session == nil || session.State == "" {
		err = fmt.Errorf("invalid authorization session")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[session.State]; ok && !sessionExpired(existing) {
		err = fmt.Errorf("%w: %s", storage.ErrSessionExists, util.SafeTruncate(session.State, credentialLogLength))
		return err
	}

	stored := *session
	s.sessions[session.State] = &stored
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))

	s.logger.Debug("Saved authorization session",
		"state_prefix", util.SafeTruncate(session.State, credentialLogLength))
	return nil
}

// GetSession retrieves a session by its provider-facing state.
// Expired sessions are deleted on the way out.
func (s *Store) GetSession(ctx context.Context, state string) (*storage.AuthorizationSession, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	// Write lock: lazy expiry may delete the entry
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[state]
	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	if sessionExpired(session) {
		s.deleteSessionLocked(session)
		err = storage.ErrSessionExpired
		return nil, err
	}

	// Return a copy to prevent callers from mutating the stored version
	sessionCopy := *session
	return &sessionCopy, nil
}

// MarkAuthorized atomically transitions a session from pending to authorized,
// recording the provider's code and token, the user, and the minted local code.
//
// SECURITY: The check and the transition happen under one write lock, so only
// ONE concurrent callback for the same session can succeed. The rest observe
// ErrNotPending.
func (s *Store) MarkAuthorized(ctx context.Context, state, providerCode, localAuthCode, userID string, providerToken *oauth2.Token) (*storage.AuthorizationSession, error) {
	ctx, span := s.startStorageSpan(ctx, "mark_authorized")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "mark_authorized", err, startTime)
	}()

	if localAuthCode == "" {
		err = fmt.Errorf("localAuthCode cannot be empty")
		return nil, err
	}
	if providerToken == nil {
		err = fmt.Errorf("providerToken cannot be nil")
		return nil, err
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	session, ok := s.sessions[state]
	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	if sessionExpired(session) {
		s.deleteSessionLocked(session)
		err = storage.ErrSessionExpired
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if session.Status != storage.StatusPending {
		err = fmt.Errorf("%w: status is %s", storage.ErrNotPending, session.Status)
		return nil, err
	}

	if _, taken := s.codeIndex[localAuthCode]; taken {
		err = fmt.Errorf("%w: %s", storage.ErrCodeExists, util.SafeTruncate(localAuthCode, credentialLogLength))
		return nil, err
	}

	session.Status = storage.StatusAuthorized
	session.ProviderCode = providerCode
	session.LocalAuthCode = localAuthCode
	session.UserID = userID
	session.ProviderToken = providerToken
	s.codeIndex[localAuthCode] = session.State

	s.logger.Debug("Marked session authorized",
		"state_prefix", util.SafeTruncate(state, credentialLogLength),
		"code_prefix", util.SafeTruncate(localAuthCode, credentialLogLength),
		"user_id", userID)

	sessionCopy := *session
	return &sessionCopy, nil
}

// Redeem atomically transitions the session holding localAuthCode from
// authorized to redeemed and returns a snapshot of it.
//
// SECURITY: The check and the transition happen under one write lock, so only
// ONE concurrent redemption of the same code can succeed. The rest observe
// ErrCodeNotRedeemable, including redemptions of already-redeemed codes
// (reuse attempts).
func (s *Store) Redeem(ctx context.Context, localAuthCode string) (*storage.AuthorizationSession, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "redeem", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	state, ok := s.codeIndex[localAuthCode]
	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	session, ok := s.sessions[state]
	if !ok {
		// Index entry outlived its session; clean it up
		delete(s.codeIndex, localAuthCode)
		err = storage.ErrSessionNotFound
		return nil, err
	}

	if sessionExpired(session) {
		s.deleteSessionLocked(session)
		err = storage.ErrSessionExpired
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if session.Status != storage.StatusAuthorized {
		err = fmt.Errorf("%w: status is %s", storage.ErrCodeNotRedeemable, session.Status)
		return nil, err
	}

	session.Status = storage.StatusRedeemed

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(localAuthCode, credentialLogLength),
		"user_id", session.UserID)

	sessionCopy := *session
	return &sessionCopy, nil
}

// DeleteSession removes a session by state. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, state string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_session", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[state]; ok {
		s.deleteSessionLocked(session)
		s.logger.Debug("Deleted authorization session",
			"state_prefix", util.SafeTruncate(state, credentialLogLength))
	}
	return nil
}

// SweepSessions removes all expired sessions and reports how many were deleted
func (s *Store) SweepSessions(ctx context.Context) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_sessions")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "sweep_sessions", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, session := range s.sessions {
		if sessionExpired(session) {
			s.deleteSessionLocked(session)
			swept++
		}
	}

	if swept > 0 {
		s.logger.Debug("Swept expired sessions", "count", swept)
	}
	return swept, nil
}

// deleteSessionLocked removes a session and its code index entry.
// Caller must hold the write lock.
func (s *Store) deleteSessionLocked(session *storage.AuthorizationSession) {
	delete(s.sessions, session.State)
	if session.LocalAuthCode != "" {
		delete(s.codeIndex, session.LocalAuthCode)
	}
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores an issued bearer token keyed by its opaque value
func (s *Store) SaveToken(ctx context.Context, token *storage.IssuedToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if token == nil || token.Value == "" {
		err = fmt.Errorf("invalid token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *token
	s.tokens[token.Value] = &stored
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	s.logger.Debug("Saved issued token",
		"token_prefix", util.SafeTruncate(token.Value, credentialLogLength),
		"user_id", token.UserID)
	return nil
}

// GetToken retrieves a token by value. Expired tokens are deleted and
// reported as not found.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.IssuedToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	// Write lock: lazy expiry may delete the entry
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if security.IsTokenExpired(token.ExpiresAt) {
		delete(s.tokens, value)
		s.tokensCountAtomic.Store(int64(len(s.tokens)))
		err = fmt.Errorf("%w: token expired", storage.ErrTokenNotFound)
		return nil, err
	}

	tokenCopy := *token
	return &tokenCopy, nil
}

// DeleteToken removes a token. Missing tokens are not an error.
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[value]; ok {
		delete(s.tokens, value)
		s.tokensCountAtomic.Store(int64(len(s.tokens)))
		s.logger.Debug("Deleted issued token",
			"token_prefix", util.SafeTruncate(value, credentialLogLength))
	}
	return nil
}

// SweepTokens removes all expired tokens and reports how many were deleted
func (s *Store) SweepTokens(ctx context.Context) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_tokens")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "sweep_tokens", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for value, token := range s.tokens {
		if security.IsTokenExpired(token.ExpiresAt) {
			delete(s.tokens, value)
			swept++
		}
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	if swept > 0 {
		s.logger.Debug("Swept expired tokens", "count", swept)
	}
	return swept, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			ctx := context.Background()
			if _, err := s.SweepSessions(ctx); err != nil {
				s.logger.Warn("Session sweep failed", "error", err)
			}
			if _, err := s.SweepTokens(ctx); err != nil {
				s.logger.Warn("Token sweep failed", "error", err)
			}
		}
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
