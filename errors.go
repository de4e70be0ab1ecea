package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pablo-camprubi/mcpmeta/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidState         = "invalid_state"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeUpstreamError        = "upstream_error"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// Error represents an OAuth 2.0 error response on the wire
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth wire error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidState indicates the callback state is unknown, expired, or already consumed
	ErrInvalidState = func(desc string) *Error {
		return NewError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code is invalid, expired, or already redeemed
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUpstreamError indicates the identity provider rejected or failed a call
	ErrUpstreamError = func(desc string) *Error {
		return NewError(ErrorCodeUpstreamError, desc, http.StatusBadGateway)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// wireError maps an error from the flow engine to its wire representation.
// Flow error codes carry their HTTP status here so the engine stays free of
// HTTP concerns; anything unrecognized becomes a generic server_error.
func wireError(err error) *Error {
	var flowErr *server.FlowError
	if !errors.As(err, &flowErr) {
		return ErrServerError("Internal server error")
	}

	switch flowErr.Code {
	case server.ErrorCodeInvalidRequest:
		return ErrInvalidRequest(flowErr.Description)
	case server.ErrorCodeInvalidState:
		return ErrInvalidState(flowErr.Description)
	case server.ErrorCodeInvalidGrant:
		return ErrInvalidGrant(flowErr.Description)
	case server.ErrorCodeInvalidClient:
		return ErrInvalidClient(flowErr.Description)
	case server.ErrorCodeInvalidToken:
		return ErrInvalidToken(flowErr.Description)
	case server.ErrorCodeUpstreamError:
		return ErrUpstreamError(flowErr.Description)
	default:
		return ErrServerError("Internal server error")
	}
}
