package server

import "fmt"

// OAuth error codes surfaced by the flow engine. The HTTP adapter in the
// root package maps these to status codes and wire responses.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidState   = "invalid_state"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeInvalidToken   = "invalid_token"
	ErrorCodeUpstreamError  = "upstream_error"
	ErrorCodeServerError    = "server_error"
)

// FlowError is an OAuth protocol error with a wire-safe code and
// description. Descriptions are generic on security-sensitive paths;
// details go to the server log instead.
type FlowError struct {
	Code        string
	Description string
}

func (e *FlowError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func flowErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Description: fmt.Sprintf(format, args...)}
}

// invalidGrant is the generic redemption failure. RFC 6749 deliberately
// keeps this opaque so attackers cannot distinguish not-found, expired,
// reused, or mismatched grants.
func invalidGrant() *FlowError {
	return &FlowError{Code: ErrorCodeInvalidGrant, Description: "invalid grant"}
}
