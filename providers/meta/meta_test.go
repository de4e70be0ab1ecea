package meta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// rewriteTransport redirects all outgoing requests to a test server
type rewriteTransport struct {
	target *url.URL
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestProvider(t *testing.T, handler http.Handler) (*Provider, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}

	p, err := NewProvider(&Config{
		AppID:       "app-123",
		AppSecret:   "secret-xyz",
		RedirectURL: "http://localhost:8080/oauth/meta/callback",
		HTTPClient:  &http.Client{Transport: &rewriteTransport{target: target}},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p, srv
}

func TestNewProviderValidation(t *testing.T) {
	if _, err := NewProvider(&Config{AppSecret: "s"}); err == nil {
		t.Error("NewProvider without app ID should fail")
	}
	if _, err := NewProvider(&Config{AppID: "a"}); err == nil {
		t.Error("NewProvider without app secret should fail")
	}
}

func TestName(t *testing.T) {
	p, err := NewProvider(&Config{AppID: "a", AppSecret: "s"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != "meta" {
		t.Errorf("Name() = %q, want meta", p.Name())
	}
}

func TestAuthorizationURL(t *testing.T) {
	p, err := NewProvider(&Config{
		AppID:       "app-123",
		AppSecret:   "secret-xyz",
		RedirectURL: "http://localhost:8080/oauth/meta/callback",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	raw := p.AuthorizationURL("state-abc", nil)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorization URL: %v", err)
	}

	if u.Host != "www.facebook.com" {
		t.Errorf("host = %q, want www.facebook.com", u.Host)
	}
	if !strings.Contains(u.Path, "/dialog/oauth") {
		t.Errorf("path = %q, want dialog/oauth", u.Path)
	}

	q := u.Query()
	if q.Get("client_id") != "app-123" {
		t.Errorf("client_id = %q, want app-123", q.Get("client_id"))
	}
	if q.Get("state") != "state-abc" {
		t.Errorf("state = %q, want state-abc", q.Get("state"))
	}
	if got := q.Get("scope"); !strings.Contains(got, "ads_read") {
		t.Errorf("scope = %q, want default ads scopes", got)
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want code", q.Get("response_type"))
	}
}

func TestAuthorizationURLCustomScopes(t *testing.T) {
	p, err := NewProvider(&Config{AppID: "a", AppSecret: "s"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	raw := p.AuthorizationURL("st", []string{"ads_read"})
	u, _ := url.Parse(raw)
	if got := u.Query().Get("scope"); got != "ads_read" {
		t.Errorf("scope = %q, want ads_read", got)
	}
}

func TestValidateToken(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("access_token"); got != "tok-1" {
			t.Errorf("access_token = %q, want tok-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"10158","name":"Ada Lovelace","email":"ada@example.com"}`))
	}))

	info, err := p.ValidateToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if info.ID != "10158" {
		t.Errorf("ID = %q, want 10158", info.ID)
	}
	if info.Email != "ada@example.com" {
		t.Errorf("Email = %q, want ada@example.com", info.Email)
	}
}

func TestValidateTokenRejected(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid OAuth access token"}}`, http.StatusBadRequest)
	}))

	if _, err := p.ValidateToken(context.Background(), "bad"); err == nil {
		t.Error("ValidateToken with rejected token should fail")
	}
}

func TestValidateTokenMissingID(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	if _, err := p.ValidateToken(context.Background(), "tok"); err == nil {
		t.Error("ValidateToken should reject a response without id")
	}
}

func TestExchangeCodeDefaultExpiry(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fb-token","token_type":"bearer"}`))
	}))

	token, err := p.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if token.AccessToken != "fb-token" {
		t.Errorf("AccessToken = %q, want fb-token", token.AccessToken)
	}

	// expires_in was omitted, so the 60-day default applies
	want := time.Now().Add(defaultTokenLifetime)
	if token.Expiry.Before(want.Add(-time.Minute)) || token.Expiry.After(want.Add(time.Minute)) {
		t.Errorf("Expiry = %v, want about %v", token.Expiry, want)
	}
}

func TestExchangeCodeProviderError(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid verification code format."}}`, http.StatusBadRequest)
	}))

	if _, err := p.ExchangeCode(context.Background(), "bad-code"); err == nil {
		t.Error("ExchangeCode with provider error should fail")
	}
}

func TestHealthCheck(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Graph returns 400 without a token; reachability is what matters
		http.Error(w, `{"error":{"message":"An access token is required"}}`, http.StatusBadRequest)
	}))

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil for 4xx", err)
	}
}

func TestHealthCheckServerError(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))

	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail on 5xx")
	}
}

func TestDefaultScopesCopy(t *testing.T) {
	p, err := NewProvider(&Config{AppID: "a", AppSecret: "s"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	scopes := p.DefaultScopes()
	scopes[0] = "mutated"
	if p.DefaultScopes()[0] == "mutated" {
		t.Error("DefaultScopes returned the internal slice")
	}
}
