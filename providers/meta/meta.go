// Package meta implements the providers.Provider interface for Meta's
// Graph API OAuth (Facebook Login for Business).
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/pablo-camprubi/mcpmeta/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "meta"

// Graph API endpoints, pinned to a specific version. Meta retires versions on
// a schedule, so the version lives in one place.
const (
	graphVersion = "v21.0"

	dialogURL   = "https://www.facebook.com/" + graphVersion + "/dialog/oauth"
	tokenURL    = "https://graph.facebook.com/" + graphVersion + "/oauth/access_token"
	meEndpoint  = "https://graph.facebook.com/" + graphVersion + "/me"
	graphRoot   = "https://graph.facebook.com/" + graphVersion + "/"
	mePictureQS = "id,name,email,picture.type(normal)"
)

// defaultTokenLifetime is applied when the Graph token response omits
// expires_in. Meta long-lived user tokens last about 60 days.
const defaultTokenLifetime = 60 * 24 * time.Hour

// defaultScopes cover the Marketing API surface the MCP tools call
var defaultScopes = []string{"ads_read", "ads_management", "business_management"}

// Provider implements the providers.Provider interface for Meta OAuth
type Provider struct {
	*oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration
}

// Config holds Meta OAuth configuration
type Config struct {
	// AppID is the Meta app ID (client_id)
	AppID string

	// AppSecret is the Meta app secret used for the confidential
	// server-to-server code exchange
	AppSecret string

	// RedirectURL is the OAuth callback URL registered with the Meta app
	RedirectURL string

	// Scopes are optional custom scopes
	// (defaults to ads_read, ads_management, business_management)
	Scopes []string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout is the timeout for Graph API calls (default: 30s)
	RequestTimeout time.Duration
}

// NewProvider creates a new Meta OAuth provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app ID is required")
	}
	if cfg.AppSecret == "" {
		return nil, fmt.Errorf("app secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	// Deep copy to prevent external modification
	scopesCopy := make([]string, len(scopes))
	copy(scopesCopy, scopes)

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
		}
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopesCopy,
			Endpoint: oauth2.Endpoint{
				AuthURL:  dialogURL,
				TokenURL: tokenURL,
			},
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the Meta login dialog URL.
// If scopes is empty, the provider's configured defaults are used.
func (p *Provider) AuthorizationURL(state string, scopes []string) string {
	var scopesToUse []string
	if len(scopes) > 0 {
		scopesToUse = make([]string, len(scopes))
		copy(scopesToUse, scopes)
	} else {
		scopesToUse = make([]string, len(p.Scopes))
		copy(scopesToUse, p.Scopes)
	}

	config := *p.Config
	config.Scopes = scopesToUse
	return config.AuthCodeURL(state)
}

// ensureContextTimeout ensures the context has a deadline, adding one if
// needed. If the context already has a deadline, returns a no-op cancel.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// ExchangeCode exchanges a dialog authorization code for an access token.
// The exchange authenticates with the app secret; no PKCE is involved at
// this hop. If the Graph response omits expires_in, the default long-lived
// token lifetime is applied so downstream expiry tracking always has a bound.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	if token.Expiry.IsZero() {
		token.Expiry = time.Now().Add(defaultTokenLifetime)
	}

	return token, nil
}

// ValidateToken validates an access token by calling the Graph /me endpoint
// and returns the user's identity.
func (p *Provider) ValidateToken(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	reqURL := meEndpoint + "?" + url.Values{
		"fields":       {mePictureQS},
		"access_token": {accessToken},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info request failed with status %d", resp.StatusCode)
	}

	var fbUser struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&fbUser); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if fbUser.ID == "" {
		return nil, fmt.Errorf("user info response missing id")
	}

	return &providers.UserInfo{
		ID:      fbUser.ID,
		Email:   fbUser.Email,
		Name:    fbUser.Name,
		Picture: fbUser.Picture.Data.URL,
	}, nil
}

// HealthCheck verifies that the Graph API host is reachable. An unauthorized
// 4xx still proves reachability; only transport failures and 5xx count as
// unhealthy. Do not expose error details to untrusted clients.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", graphRoot, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph api unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("graph api health check failed with status %d", resp.StatusCode)
	}

	return nil
}

// DefaultScopes returns the provider's configured default scopes.
// Returns a deep copy to prevent external modification.
func (p *Provider) DefaultScopes() []string {
	scopes := make([]string, len(p.Scopes))
	copy(scopes, p.Scopes)
	return scopes
}
