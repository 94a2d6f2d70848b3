package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/healthmon/authgate/endpoint"
)

var (
	// ErrDiscovery reports unreachable or malformed provider metadata.
	ErrDiscovery = errors.New("auth: provider discovery failed")
	// ErrInvalidState reports a callback with no login in flight.
	ErrInvalidState = errors.New("auth: no login in flight")
	// ErrStateMismatch reports a callback whose state does not match the
	// login attempt. It may indicate a CSRF attempt.
	ErrStateMismatch = errors.New("auth: state mismatch")
	// ErrAuthenticationFailed reports a rejected or unusable code exchange.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	// ErrUserInfo reports an access token rejected by the userinfo endpoint.
	ErrUserInfo = errors.New("auth: userinfo rejected")
	// ErrNotAuthenticated reports a session without a current identity.
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	// ErrSessionUnavailable reports a session that could not be persisted.
	ErrSessionUnavailable = errors.New("auth: session unavailable")
)

// ProviderError represents an error returned by the identity provider on the
// callback redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// TokenExchangeError is a token endpoint rejection, such as an expired or
// reused code or a wrong verifier.
type TokenExchangeError struct {
	ProviderCode string
	Description  string
	StatusCode   int
	Cause        error
}

func (e *TokenExchangeError) Error() string {
	msg := "token exchange rejected"
	if e.ProviderCode != "" {
		msg += ": " + e.ProviderCode
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Cause
}

// Stable error codes written to logs and error bodies.
const (
	CodeDiscoveryFailed      = "discovery_failed"
	CodeInvalidState         = "invalid_state"
	CodeStateMismatch        = "state_mismatch"
	CodeAuthenticationFailed = "authentication_failed"
	CodeUserInfoFailed       = "userinfo_failed"
	CodeNotAuthenticated     = "not_authenticated"
	CodeSessionUnavailable   = "session_unavailable"
	CodeInternal             = "internal_error"
)

// ErrorCode maps err to its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDiscovery):
		return CodeDiscoveryFailed
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrStateMismatch):
		return CodeStateMismatch
	case errors.Is(err, ErrUserInfo):
		return CodeUserInfoFailed
	case errors.Is(err, ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case errors.Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case errors.Is(err, ErrSessionUnavailable):
		return CodeSessionUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to the status of its error response. An authentication
// failure is a 401 when the provider rejected the grant or the user denied
// consent, and a 500 when the exchange failed for any other reason.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case CodeInvalidState, CodeStateMismatch:
		return http.StatusBadRequest
	case CodeUserInfoFailed, CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeAuthenticationFailed:
		var pe *ProviderError
		var te *TokenExchangeError
		if errors.As(err, &pe) || errors.As(err, &te) {
			return http.StatusUnauthorized
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

var publicMessages = map[string]string{
	CodeDiscoveryFailed:      "identity provider unavailable",
	CodeInvalidState:         "no login in progress",
	CodeStateMismatch:        "login request did not match",
	CodeAuthenticationFailed: "authentication failed",
	CodeUserInfoFailed:       "authentication failed",
	CodeNotAuthenticated:     "not authenticated",
	CodeSessionUnavailable:   "session unavailable",
	CodeInternal:             "internal error",
}

// toEndpointError wraps err for rendering. Only the code and a generic
// message reach the client.
func toEndpointError(err error) error {
	code := ErrorCode(err)
	return endpoint.CodedError(HTTPStatus(err), code, publicMessages[code], err)
}
