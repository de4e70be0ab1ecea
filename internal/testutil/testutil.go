// Package testutil provides testing utilities and fixtures shared across
// the mcpmeta packages: PKCE pair generation, test tokens and sessions,
// assertion helpers, and mock HTTP servers.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/pablo-camprubi/mcpmeta/providers"
	"github.com/pablo-camprubi/mcpmeta/storage"
)

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// NewMockHTTPSServer creates a test HTTPS server with the given handler
func NewMockHTTPSServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewTLSServer(handler)
}

// GenerateTestToken creates a test OAuth2 provider token
func GenerateTestToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: GenerateRandomString(32),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(1 * time.Hour),
	}
}

// GenerateTestTokenWithExpiry creates a test OAuth2 token with specific expiry
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: GenerateRandomString(32),
		TokenType:   "Bearer",
		Expiry:      expiry,
	}
}

// GenerateTestUserInfo creates test user information
func GenerateTestUserInfo() *providers.UserInfo {
	return &providers.UserInfo{
		ID:      "test-user-123",
		Email:   "test@example.com",
		Name:    "Test User",
		Picture: "https://example.com/photo.jpg",
	}
}

// GenerateTestSession creates a pending test authorization session
func GenerateTestSession() *storage.AuthorizationSession {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationSession{
		State:               GenerateRandomString(32),
		ClientState:         GenerateRandomString(16),
		ClientRedirectURI:   "https://example.com/callback",
		Scope:               "mcp:tools ads_read",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Status:              storage.StatusPending,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// GenerateRandomString generates a random base64url-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for
// testing. Returns (challenge, verifier) where challenge is the S256 hash of
// the verifier. The verifier length satisfies RFC 7636 (43-128 characters).
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded request body
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Body = body
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// Do executes the HTTP request against the handler
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.Body != "" {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
