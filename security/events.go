package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the codebase and greppable in log storage.
const (
	// EventFlowStarted is logged when an authorization flow is initiated
	EventFlowStarted = "authorization_flow_started"

	// EventCodeIssued is logged when a provider callback succeeds and a
	// local authorization code is minted
	EventCodeIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when an authorization code is
	// presented a second time
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenIssued is logged when a bearer token is issued
	EventTokenIssued = "token_issued"

	// EventAuthFailure is logged when authentication or validation fails
	EventAuthFailure = "auth_failure"

	// EventStateMismatch is logged when a provider callback carries an
	// unknown or stale state parameter
	EventStateMismatch = "provider_state_mismatch"

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when an invalid redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventUpstreamFailure is logged when the identity provider rejects or
	// fails a server-to-server call
	EventUpstreamFailure = "provider_code_exchange_failed"
)
