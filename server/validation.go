package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// dummyBcryptHash is compared against when no client secret is configured or
// the client is unknown, so authentication failures take the same time as a
// real bcrypt comparison. It is the hash of an unguessable throwaway value.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// validateHTTPSEnforcement ensures the server issuer uses HTTPS outside of
// localhost development. OAuth over plain HTTP exposes authorization codes,
// tokens, and client credentials to network interception.
//
// The validation logic:
// - HTTPS issuer: always allowed
// - HTTP on localhost: allowed with warning (development)
// - HTTP on non-localhost: blocked unless AllowInsecureHTTP=true
func (s *Server) validateHTTPSEnforcement() error {
	// Skip validation if Issuer is empty (fails elsewhere with a clearer error)
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == SchemeHTTPS {
		return nil
	}

	if issuerURL.Scheme == SchemeHTTP {
		hostname := issuerURL.Hostname()

		// Localhost is acceptable for development
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("Running OAuth over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"risk", "Credentials exposed on local network",
					"to_suppress", "Set AllowInsecureHTTP=true in Config",
					"learn_more", oauth21SecurityBestPracticesURL)
			}
			return nil
		}

		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
					"OAuth over HTTP exposes tokens and credentials to interception. "+
					"To run on localhost for development, set AllowInsecureHTTP=true",
				issuerURL.Scheme,
				hostname,
			)
		}

		s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS immediately",
			"learn_more", oauth21SecurityBestPracticesURL)

		return nil
	}

	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), the localhost hostname, and 0.0.0.0.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname() may keep brackets on IPv6 literals; net.ParseIP does not
	// accept them
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateStateParameter enforces presence and length bounds on the client's
// state parameter. State is the client's CSRF token; short values can be
// brute-forced, and unbounded values bloat stored sessions and redirect URLs.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}

	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters for security", s.Config.MinStateLength)
	}

	if len(state) > s.Config.MaxStateLength {
		return fmt.Errorf("state parameter must be at most %d characters", s.Config.MaxStateLength)
	}

	return nil
}

// validateClientID checks a presented client_id against the configured client.
// An absent client_id is accepted since there is exactly one client.
func (s *Server) validateClientID(clientID string) error {
	if clientID == "" {
		return nil
	}
	if s.Config.ClientID != "" && clientID != s.Config.ClientID {
		return fmt.Errorf("unknown client_id")
	}
	return nil
}

// validateClientCredentials authenticates the client at the token endpoint.
// When no ClientSecretHash is configured the client is public and secrets are
// not required; a bcrypt comparison still runs against a dummy hash so the
// timing is identical either way.
func (s *Server) validateClientCredentials(clientID, clientSecret string) error {
	if err := s.validateClientID(clientID); err != nil {
		// SECURITY: Burn a bcrypt comparison before rejecting so unknown
		// client IDs are not distinguishable by response time.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		return fmt.Errorf("client authentication failed")
	}

	if s.Config.ClientSecretHash == "" {
		// Public client. Keep the comparison for constant time.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.Config.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("client authentication failed")
	}

	return nil
}

// validateScopes validates that every requested scope is supported
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	if scope == "" {
		return nil // Empty scope is allowed
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supportedScope := range s.Config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// validatePKCE validates the PKCE code verifier against the stored challenge
// per RFC 7636. Only the S256 transform is accepted.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("stored session has no code_challenge")
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier may only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
	// Rejecting anything else also keeps null bytes and control characters out.
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	if method != "" && method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256)", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computedChallenge := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateRedirectURI performs structural security validation on a client
// redirect URI per OAuth 2.0 Security Best Current Practice. The URI must be
// absolute with an http or https scheme; fragments are forbidden, and plain
// http is only accepted for loopback addresses when the issuer itself is
// HTTPS.
func (s *Server) validateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("redirect_uri must be an absolute http(s) URL")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed (must be http or https)", scheme)
	}

	if scheme == SchemeHTTP {
		hostname := strings.ToLower(parsed.Hostname())
		if !isLocalhostHostname(hostname) {
			// Non-loopback http is only tolerated when the server itself runs
			// over http (development setups).
			if issuerParsed, err := url.Parse(s.Config.Issuer); err == nil && issuerParsed.Scheme == SchemeHTTPS {
				return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
			}
		}
	}

	return nil
}
