package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable failure taxonomy surfaced on the HTTP API
type ErrorCode string

const (
	CodeTransientNetwork    ErrorCode = "transient_network"
	CodeBackendError        ErrorCode = "backend_error"
	CodeResourceExhausted   ErrorCode = "resource_exhausted"
	CodeNoCapacity          ErrorCode = "no_capacity"
	CodeStreamBlacklisted   ErrorCode = "stream_blacklisted"
	CodeVPNUnavailable      ErrorCode = "vpn_unavailable"
	CodeUpstreamGone        ErrorCode = "upstream_gone"
	CodeConfiguration       ErrorCode = "configuration"
	CodeBlockedProvisioning ErrorCode = "blocked_provisioning"
	CodeNotFound            ErrorCode = "not_found"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrResourceExhausted = errors.New("no host port free in the configured range")
)

// OrchestratorError pairs an error code with retry guidance for clients
type OrchestratorError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	RecoveryETA int       `json:"recovery_eta_seconds,omitempty"`
	ShouldWait  bool      `json:"should_wait,omitempty"`
	CanRetry    bool      `json:"can_retry,omitempty"`
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the code onto the wire status used by the API handlers
func (e *OrchestratorError) HTTPStatus() int {
	switch e.Code {
	case CodeStreamBlacklisted:
		return http.StatusUnprocessableEntity
	case CodeConfiguration:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNoCapacity, CodeVPNUnavailable, CodeBlockedProvisioning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds an OrchestratorError with a formatted message
func NewError(code ErrorCode, format string, args ...any) *OrchestratorError {
	return &OrchestratorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsOrchestratorError unwraps err into an OrchestratorError, or wraps it as a
// backend error when it carries no code.
func AsOrchestratorError(err error) *OrchestratorError {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe
	}
	return &OrchestratorError{Code: CodeBackendError, Message: err.Error()}
}
