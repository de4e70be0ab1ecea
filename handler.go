package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pablo-camprubi/mcpmeta/instrumentation"
	"github.com/pablo-camprubi/mcpmeta/security"
	"github.com/pablo-camprubi/mcpmeta/server"
	"github.com/pablo-camprubi/mcpmeta/storage"
)

// Endpoint paths served by the handler
const (
	PathAuthorize = "/oauth/authorize"
	PathCallback  = "/oauth/meta/callback"
	PathToken     = "/oauth/token"
	PathRegister  = "/oauth/register"
	PathDiscovery = "/.well-known/oauth-authorization-server"
)

const (
	tokenTypeBearer = "Bearer"

	// maxRegistrationBodySize bounds the registration request body
	maxRegistrationBodySize = 64 * 1024
)

// Handler exposes the OAuth proxy flow over HTTP. It adapts flow engine
// results to wire responses and owns all status code mapping.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for the HTTP layer
}

// NewHandler creates a new HTTP handler around a flow engine
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation() != nil {
		h.tracer = srv.Instrumentation().Tracer("http")
	}

	return h
}

type contextKey string

const tokenContextKey contextKey = "mcpmeta.issued_token"

// ContextWithToken returns a context carrying the authenticated bearer token
func ContextWithToken(ctx context.Context, token *storage.IssuedToken) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// TokenFromContext returns the bearer token attached by RequireToken, if any
func TokenFromContext(ctx context.Context) *storage.IssuedToken {
	token, _ := ctx.Value(tokenContextKey).(*storage.IssuedToken)
	return token
}

// RegisterRoutes registers all OAuth endpoints on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathCallback, h.ServeCallback)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathRegister, h.ServeRegister)
	mux.HandleFunc(PathDiscovery, h.ServeDiscovery)
}

// Routes returns an http.Handler serving all OAuth endpoints with request ID
// middleware applied
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// clientIP extracts the client IP honoring the proxy trust configuration
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// ServeAuthorization handles GET/POST /oauth/authorize. It validates the
// request, creates a pending session, and redirects the user agent to the
// Meta login dialog.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// ParseForm covers both the query string and a POST body
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	responseType := r.FormValue("response_type")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	scope := r.FormValue("scope")
	state := r.FormValue("state")
	codeChallenge := r.FormValue("code_challenge")
	codeChallengeMethod := r.FormValue("code_challenge_method")

	if responseType != "code" {
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeError(w, ErrorCodeInvalidRequest, "response_type must be 'code'", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrPKCEMethod, codeChallengeMethod),
		attribute.String(instrumentation.AttrResponseType, responseType),
	)

	authURL, err := h.server.StartAuthorizationFlow(ctx, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, state, h.clientIP(r))
	if err != nil {
		wireErr := wireError(err)
		h.logger.Warn("Failed to start authorization flow", "error", err, "ip", h.clientIP(r))
		h.recordHTTPMetrics(ctx, "authorization", r.Method, wireErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "authorization flow failed")
		h.writeError(w, wireErr.Code, wireErr.Description, wireErr.Status)
		return
	}

	h.recordAuthorizationStarted(ctx, clientID)
	h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles GET /oauth/meta/callback, the redirect target
// registered with the Meta app. On success the user agent is sent back to
// the client's recorded redirect URI with the local authorization code and
// the client's original state. The provider token never appears in the
// redirect.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.callback")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")
	errorParam := query.Get("error")

	// Provider denied or failed the authorization. Relay the error to the
	// client redirect URI recorded at initiation; a state that resolves to no
	// live session gets an error response instead, never a redirect to a
	// caller-supplied URI.
	if errorParam != "" {
		errorDesc := query.Get("error_description")
		h.logger.Warn("Provider returned error", "error", errorParam, "description", errorDesc)
		h.recordCallbackProcessed(ctx, false)

		session, err := h.server.LookupCallbackSession(ctx, state)
		if err != nil {
			wireErr := wireError(err)
			h.recordHTTPMetrics(ctx, "callback", r.Method, wireErr.Status, startTime)
			instrumentation.SetSpanError(span, "unknown state on provider error")
			h.writeError(w, wireErr.Code, wireErr.Description, wireErr.Status)
			return
		}

		redirectURL := buildRedirectURL(session.ClientRedirectURI, url.Values{
			"error":             {errorParam},
			"error_description": {errorDesc},
			"state":             {session.ClientState},
		})
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusFound, startTime)
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	if state == "" || code == "" {
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusBadRequest, startTime)
		h.recordCallbackProcessed(ctx, false)
		instrumentation.SetSpanError(span, "missing state or code")
		h.writeError(w, ErrorCodeInvalidRequest, "state and code are required", http.StatusBadRequest)
		return
	}

	session, err := h.server.HandleProviderCallback(ctx, state, code, h.clientIP(r))
	if err != nil {
		wireErr := wireError(err)
		h.logger.Error("Failed to handle provider callback", "error", err, "ip", h.clientIP(r))
		h.recordHTTPMetrics(ctx, "callback", r.Method, wireErr.Status, startTime)
		h.recordCallbackProcessed(ctx, false)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "callback handling failed")
		h.writeError(w, wireErr.Code, wireErr.Description, wireErr.Status)
		return
	}

	h.recordCallbackProcessed(ctx, true)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrSessionStatus, string(session.Status)))
	instrumentation.SetSpanSuccess(span)

	// CRITICAL SECURITY: the redirect carries the client's original state so
	// the client can verify the response belongs to its request
	redirectURL := buildRedirectURL(session.ClientRedirectURI, url.Values{
		"code":  {session.LocalAuthCode},
		"state": {session.ClientState},
	})

	h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusFound, startTime)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /oauth/token
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	default:
		// Refresh tokens are deliberately not offered; clients re-run the
		// authorization flow when their bearer token expires
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP := h.clientIP(r)

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	// Client credentials come from HTTP Basic auth or the form body
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		clientSecret = basicSecret
	}

	if code == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
	)

	token, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret, redirectURI, codeVerifier, clientIP)
	if err != nil {
		wireErr := wireError(err)
		h.logger.Warn("Failed to exchange authorization code", "client_id", clientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, wireErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		// Descriptions from the flow engine are already generic
		h.writeError(w, wireErr.Code, wireErr.Description, wireErr.Status)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID, "ip", clientIP)

	h.recordCodeExchanged(ctx, clientID)
	h.recordTokenIssued(ctx, clientID)
	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token)
}

// ServeDiscovery serves RFC 8414 authorization server metadata
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RegistrationEndpoint:              issuer + PathRegister,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeRegister handles POST /oauth/register. The server has exactly one
// pre-configured client, so registration stores nothing: it answers with a
// deterministic client_id derived from the client name so MCP clients that
// insist on RFC 7591 dynamic registration can complete their handshake.
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ClientRegistrationRequest
	body := http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid registration request body", http.StatusBadRequest)
		return
	}

	clientName := req.ClientName
	if clientName == "" {
		clientName = h.server.Config.ClientName
	}
	if clientName == "" {
		clientName = "mcp-client"
	}

	hash := sha256.Sum256([]byte(clientName))
	clientID := hex.EncodeToString(hash[:])[:16]

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	scope := req.Scope
	if scope == "" {
		scope = strings.Join(h.server.Config.SupportedScopes, " ")
	}

	h.logger.Info("Client registration answered",
		"client_name", clientName,
		"client_id", clientID)

	response := ClientRegistrationResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        time.Now().Unix(),
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              clientName,
		Scope:                   scope,
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// RequireToken guards MCP endpoints with bearer token authentication.
// Rate limiting runs before token resolution so unauthenticated floods
// cannot hammer the token store.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		token, err := h.server.ValidateBearer(r.Context(), accessToken)
		if err != nil {
			h.logger.Warn("Bearer token validation failed", "ip", clientIP, "error", err)
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token is invalid or expired")
			return
		}

		ctx := ContextWithToken(r.Context(), token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// buildRedirectURL appends query parameters to a redirect URI, preserving any
// query string the client registered
func buildRedirectURL(redirectURI string, params url.Values) string {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		// The URI was validated at flow initiation; fall back to naive joining
		return redirectURI + "?" + params.Encode()
	}

	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *storage.IssuedToken) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	expiresIn := int64(time.Until(token.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	response := TokenResponse{
		AccessToken: token.Value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   expiresIn,
		Scope:       token.Scope,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 response with a WWW-Authenticate
// challenge per RFC 6750 Section 3
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{
		fmt.Sprintf(`realm="%s"`, h.server.Config.Issuer),
	}

	if scope := strings.Join(h.server.Config.SupportedScopes, " "); scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuoted(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(errorDesc)))
	}

	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// escapeQuoted escapes a value for use inside an HTTP quoted-string.
// Backslashes go first, then quotes.
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation() == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	h.server.Instrumentation().Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}

func (h *Handler) recordAuthorizationStarted(ctx context.Context, clientID string) {
	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordAuthorizationStarted(ctx, clientID)
	}
}

func (h *Handler) recordCallbackProcessed(ctx context.Context, success bool) {
	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordCallbackProcessed(ctx, success)
	}
}

func (h *Handler) recordCodeExchanged(ctx context.Context, clientID string) {
	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordCodeExchange(ctx, clientID)
	}
}

func (h *Handler) recordTokenIssued(ctx context.Context, clientID string) {
	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordTokenIssued(ctx, clientID)
	}
}
