package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/pablo-camprubi/mcpmeta/internal/testutil"
	"github.com/pablo-camprubi/mcpmeta/providers"
	"github.com/pablo-camprubi/mcpmeta/providers/mock"
	"github.com/pablo-camprubi/mcpmeta/storage"
	"github.com/pablo-camprubi/mcpmeta/storage/memory"
)

const (
	testClientID    = "mcp-client"
	testRedirectURI = "https://client.example.com/callback"
	testClientState = "client-csrf-state-1234"
	testIP          = "192.168.1.100"
)

func setupFlowTestServer(t *testing.T) (*Server, *memory.Store, *mock.MockProvider) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	provider := mock.NewMockProvider()

	config := &Config{
		Issuer:          "https://auth.example.com",
		ClientID:        testClientID,
		SupportedScopes: []string{"mcp:tools", "ads_read", "ads_management", "business_management"},
		SessionTTL:      600,
		AccessTokenTTL:  3600,
	}

	srv, err := New(provider, store, store, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return srv, store, provider
}

// startTestFlow runs StartAuthorizationFlow and extracts the provider-facing
// state from the returned authorization URL.
func startTestFlow(t *testing.T, srv *Server, challenge string) (authURL, providerState string) {
	t.Helper()

	authURL, err := srv.StartAuthorizationFlow(context.Background(),
		testClientID, testRedirectURI, "mcp:tools ads_read", challenge, PKCEMethodS256, testClientState, testIP)
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("failed to parse authorization URL %q: %v", authURL, err)
	}
	providerState = parsed.Query().Get("state")
	if providerState == "" {
		t.Fatalf("authorization URL %q has no state parameter", authURL)
	}
	return authURL, providerState
}

func assertFlowCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		t.Fatalf("expected *FlowError, got %T (%v)", err, err)
	}
	if flowErr.Code != wantCode {
		t.Fatalf("error code = %q, want %q (%v)", flowErr.Code, wantCode, err)
	}
}

func TestStartAuthorizationFlow(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name                string
		clientID            string
		redirectURI         string
		scope               string
		codeChallenge       string
		codeChallengeMethod string
		clientState         string
		wantCode            string
	}{
		{
			name:                "valid request",
			clientID:            testClientID,
			redirectURI:         testRedirectURI,
			scope:               "mcp:tools ads_read",
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
		},
		{
			name:                "valid request without client_id",
			redirectURI:         testRedirectURI,
			scope:               "mcp:tools",
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
		},
		{
			name:                "missing client state",
			clientID:            testClientID,
			redirectURI:         testRedirectURI,
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "short client state",
			clientID:            testClientID,
			redirectURI:         testRedirectURI,
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         "abc",
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "unknown client_id",
			clientID:            "someone-else",
			redirectURI:         testRedirectURI,
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "relative redirect URI",
			clientID:            testClientID,
			redirectURI:         "/callback",
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "redirect URI with fragment",
			clientID:            testClientID,
			redirectURI:         "https://client.example.com/callback#frag",
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "javascript redirect URI",
			clientID:            testClientID,
			redirectURI:         "javascript:alert(1)",
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "missing code challenge",
			clientID:            testClientID,
			redirectURI:         testRedirectURI,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "plain challenge method",
			clientID:            testClientID,
			redirectURI:         testRedirectURI,
			codeChallenge:       challenge,
			codeChallengeMethod: "plain",
			clientState:         testClientState,
			wantCode:            ErrorCodeInvalidRequest,
		},
		{
			name:                "unsupported scope",
			clientID:            testClientID,
			redirectURI:         testRedirectURI,
			scope:               "admin:everything",
			codeChallenge:       challenge,
			codeChallengeMethod: PKCEMethodS256,
			clientState:         testClientState,
			wantCode:            ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := setupFlowTestServer(t)

			authURL, err := srv.StartAuthorizationFlow(context.Background(),
				tt.clientID, tt.redirectURI, tt.scope, tt.codeChallenge, tt.codeChallengeMethod, tt.clientState, testIP)
			if tt.wantCode != "" {
				assertFlowCode(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("StartAuthorizationFlow() error = %v", err)
			}
			if authURL == "" {
				t.Fatal("StartAuthorizationFlow() returned empty URL")
			}
		})
	}
}

func TestStartAuthorizationFlowPersistsSession(t *testing.T) {
	srv, store, _ := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	_, providerState := startTestFlow(t, srv, challenge)

	session, err := store.GetSession(context.Background(), providerState)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != storage.StatusPending {
		t.Errorf("Status = %q, want %q", session.Status, storage.StatusPending)
	}
	if session.ClientState != testClientState {
		t.Errorf("ClientState = %q, want %q", session.ClientState, testClientState)
	}
	if session.ClientRedirectURI != testRedirectURI {
		t.Errorf("ClientRedirectURI = %q, want %q", session.ClientRedirectURI, testRedirectURI)
	}
	if session.CodeChallenge != challenge {
		t.Errorf("CodeChallenge = %q, want %q", session.CodeChallenge, challenge)
	}
	if session.State == testClientState {
		t.Error("provider state must differ from the client state")
	}
	wantExpiry := time.Now().Add(10 * time.Minute)
	testutil.AssertTimeEqual(t, session.ExpiresAt, wantExpiry, 5*time.Second)
}

func TestStartAuthorizationFlowStatesAreUnique(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	_, state1 := startTestFlow(t, srv, challenge)
	_, state2 := startTestFlow(t, srv, challenge)
	if state1 == state2 {
		t.Error("two flows produced the same provider state")
	}
}

func TestHandleProviderCallback(t *testing.T) {
	srv, store, _ := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)

	session, err := srv.HandleProviderCallback(context.Background(), providerState, "fb-code-1", testIP)
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}

	if session.Status != storage.StatusAuthorized {
		t.Errorf("Status = %q, want %q", session.Status, storage.StatusAuthorized)
	}
	if session.LocalAuthCode == "" {
		t.Error("LocalAuthCode is empty")
	}
	if session.ProviderCode != "fb-code-1" {
		t.Errorf("ProviderCode = %q, want %q", session.ProviderCode, "fb-code-1")
	}
	if session.ClientState != testClientState {
		t.Errorf("ClientState = %q, want %q", session.ClientState, testClientState)
	}
	if session.UserID != "mock-user-123" {
		t.Errorf("UserID = %q, want %q", session.UserID, "mock-user-123")
	}
	if session.ProviderToken == nil || session.ProviderToken.AccessToken != "mock-access-token" {
		t.Errorf("ProviderToken = %+v, want mock token", session.ProviderToken)
	}

	stored, err := store.GetSession(context.Background(), providerState)
	if err != nil {
		t.Fatalf("GetSession() after callback error = %v", err)
	}
	if stored.Status != storage.StatusAuthorized {
		t.Errorf("stored Status = %q, want %q", stored.Status, storage.StatusAuthorized)
	}
}

func TestHandleProviderCallbackUnknownState(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)

	_, err := srv.HandleProviderCallback(context.Background(), "never-issued-state", "fb-code", testIP)
	assertFlowCode(t, err, ErrorCodeInvalidState)
}

func TestHandleProviderCallbackMissingCode(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)

	_, err := srv.HandleProviderCallback(context.Background(), providerState, "", testIP)
	assertFlowCode(t, err, ErrorCodeInvalidRequest)
}

func TestHandleProviderCallbackReplay(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)

	if _, err := srv.HandleProviderCallback(context.Background(), providerState, "fb-code-1", testIP); err != nil {
		t.Fatalf("first callback error = %v", err)
	}

	_, err := srv.HandleProviderCallback(context.Background(), providerState, "fb-code-2", testIP)
	assertFlowCode(t, err, ErrorCodeInvalidState)
}

func TestHandleProviderCallbackConcurrent(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := srv.HandleProviderCallback(context.Background(), providerState, fmt.Sprintf("fb-code-%d", n), testIP)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		assertFlowCode(t, err, ErrorCodeInvalidState)
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestHandleProviderCallbackUpstreamFailure(t *testing.T) {
	srv, store, provider := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)

	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return nil, errors.New("graph API unavailable")
	}

	_, err := srv.HandleProviderCallback(context.Background(), providerState, "fb-code", testIP)
	assertFlowCode(t, err, ErrorCodeUpstreamError)

	// An upstream failure must leave the session pending so the user can retry
	session, err := store.GetSession(context.Background(), providerState)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != storage.StatusPending {
		t.Errorf("Status after upstream failure = %q, want %q", session.Status, storage.StatusPending)
	}

	// Retry with a healthy provider succeeds
	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return testutil.GenerateTestToken(), nil
	}
	if _, err := srv.HandleProviderCallback(context.Background(), providerState, "fb-code", testIP); err != nil {
		t.Fatalf("retry callback error = %v", err)
	}
}

func TestHandleProviderCallbackUserInfoFailure(t *testing.T) {
	srv, store, provider := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)

	provider.ValidateTokenFunc = func(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
		return nil, errors.New("token rejected")
	}

	_, err := srv.HandleProviderCallback(context.Background(), providerState, "fb-code", testIP)
	assertFlowCode(t, err, ErrorCodeUpstreamError)

	session, err := store.GetSession(context.Background(), providerState)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.Status != storage.StatusPending {
		t.Errorf("Status = %q, want %q", session.Status, storage.StatusPending)
	}
}

func TestHandleProviderCallbackExpiredSession(t *testing.T) {
	srv, store, _ := setupFlowTestServer(t)
	// Seed an already-expired pending session directly
	session := testutil.GenerateTestSession()
	session.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveSession(context.Background(), session); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	_, err := srv.HandleProviderCallback(context.Background(), session.State, "fb-code", testIP)
	assertFlowCode(t, err, ErrorCodeInvalidState)
}

// completeAuthorization drives a flow through the provider callback and
// returns the local authorization code with the PKCE verifier that unlocks it.
func completeAuthorization(t *testing.T, srv *Server) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)
	session, err := srv.HandleProviderCallback(context.Background(), providerState, "fb-code", testIP)
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	return session.LocalAuthCode, verifier
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, store, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)

	token, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if token.Value == "" {
		t.Error("token value is empty")
	}
	if token.Value == code {
		t.Error("bearer token must differ from the authorization code")
	}
	if token.UserID != "mock-user-123" {
		t.Errorf("UserID = %q, want %q", token.UserID, "mock-user-123")
	}
	if token.Scope != "mcp:tools ads_read" {
		t.Errorf("Scope = %q, want %q", token.Scope, "mcp:tools ads_read")
	}
	// Mock provider tokens expire in an hour; the bearer token tracks that
	testutil.AssertTimeEqual(t, token.ExpiresAt, time.Now().Add(time.Hour), time.Minute)

	stored, err := store.GetToken(context.Background(), token.Value)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if stored.UserID != token.UserID {
		t.Errorf("stored UserID = %q, want %q", stored.UserID, token.UserID)
	}
}

func TestExchangeAuthorizationCodeReuse(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)

	if _, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP)
	assertFlowCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeConcurrent(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		assertFlowCode(t, err, ErrorCodeInvalidGrant)
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestExchangeAuthorizationCodeBurnsOnFailedVerification(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)
	_, wrongVerifier := testutil.GeneratePKCEPair()

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, wrongVerifier, testIP)
	assertFlowCode(t, err, ErrorCodeInvalidGrant)

	// Even the correct verifier cannot redeem a burned code
	_, err = srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP)
	assertFlowCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeRedirectMismatch(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", "https://evil.example.com/callback", verifier, testIP)
	assertFlowCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeUnknownCode(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	_, verifier := testutil.GeneratePKCEPair()

	_, err := srv.ExchangeAuthorizationCode(context.Background(), "never-issued", testClientID, "", testRedirectURI, verifier, testIP)
	assertFlowCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCodeUnknownClient(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, "other-client", "", testRedirectURI, verifier, testIP)
	assertFlowCode(t, err, ErrorCodeInvalidClient)
}

func TestExchangeAuthorizationCodeWithClientSecret(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	config := &Config{
		Issuer:   "https://auth.example.com",
		ClientID: testClientID,
		// bcrypt hash of "secret"
		ClientSecretHash: "$2a$10$ATrDveolx2DqYeoBkT1XOO3h9b1h9RjNlq9S/xPKiYgGoyQt0K7za",
	}
	srv, err := New(mock.NewMockProvider(), store, store, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	code, verifier := completeAuthorization(t, srv)

	_, err = srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "wrong-secret", testRedirectURI, verifier, testIP)
	assertFlowCode(t, err, ErrorCodeInvalidClient)

	if _, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "secret", testRedirectURI, verifier, testIP); err != nil {
		t.Fatalf("exchange with correct secret error = %v", err)
	}
}

func TestExchangeAuthorizationCodeNoProviderExpiry(t *testing.T) {
	srv, _, provider := setupFlowTestServer(t)
	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "no-expiry-token", TokenType: "Bearer"}, nil
	}

	code, verifier := completeAuthorization(t, srv)
	token, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	// Falls back to the configured access token TTL
	testutil.AssertTimeEqual(t, token.ExpiresAt, time.Now().Add(time.Hour), time.Minute)
}

func TestValidateBearer(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)
	token, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	got, err := srv.ValidateBearer(context.Background(), token.Value)
	if err != nil {
		t.Fatalf("ValidateBearer() error = %v", err)
	}
	if got.UserID != token.UserID {
		t.Errorf("UserID = %q, want %q", got.UserID, token.UserID)
	}

	if _, err := srv.ValidateBearer(context.Background(), "not-a-token"); err == nil {
		t.Error("ValidateBearer() with unknown token succeeded")
	}
	_, err = srv.ValidateBearer(context.Background(), "")
	assertFlowCode(t, err, ErrorCodeInvalidToken)
}

func TestLookupCallbackSession(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, providerState := startTestFlow(t, srv, challenge)

	session, err := srv.LookupCallbackSession(context.Background(), providerState)
	if err != nil {
		t.Fatalf("LookupCallbackSession() error = %v", err)
	}
	if session.ClientRedirectURI != testRedirectURI {
		t.Errorf("ClientRedirectURI = %q, want %q", session.ClientRedirectURI, testRedirectURI)
	}

	_, err = srv.LookupCallbackSession(context.Background(), "unknown-state")
	assertFlowCode(t, err, ErrorCodeInvalidState)

	_, err = srv.LookupCallbackSession(context.Background(), "")
	assertFlowCode(t, err, ErrorCodeInvalidState)
}

func TestUserInfoForToken(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)
	code, verifier := completeAuthorization(t, srv)
	token, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "", testRedirectURI, verifier, testIP)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	info, err := srv.UserInfoForToken(context.Background(), token)
	if err != nil {
		t.Fatalf("UserInfoForToken() error = %v", err)
	}
	if info.ID != "mock-user-123" {
		t.Errorf("ID = %q, want %q", info.ID, "mock-user-123")
	}

	_, err = srv.UserInfoForToken(context.Background(), &storage.IssuedToken{Value: "x"})
	assertFlowCode(t, err, ErrorCodeInvalidToken)
}
