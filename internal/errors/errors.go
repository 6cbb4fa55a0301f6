package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad          ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInvalidConfig       ErrorCode = "INVALID_CONFIGURATION"
	ErrCodeInvalidDNPattern    ErrorCode = "INVALID_DN_PATTERN"
	ErrCodeInvalidAddressMask  ErrorCode = "INVALID_ADDRESS_MASK"
	ErrCodeInvalidCriterion    ErrorCode = "INVALID_CRITERION"
	ErrCodeInvalidLimit        ErrorCode = "INVALID_LIMIT"
	ErrCodeInvalidFilter       ErrorCode = "INVALID_FILTER"
	ErrCodeNetworkGroupMissing ErrorCode = "NETWORK_GROUP_NOT_FOUND"

	// Admission errors
	ErrCodeNoMatchingGroup    ErrorCode = "NO_MATCHING_NETWORK_GROUP"
	ErrCodeAdmissionDenied    ErrorCode = "ADMISSION_DENIED"
	ErrCodeOperationRejected  ErrorCode = "OPERATION_REJECTED"
	ErrCodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"

	// Admin API errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeInvalidToken         ErrorCode = "INVALID_TOKEN"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// NetworkGroupError represents a structured error with context
type NetworkGroupError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *NetworkGroupError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Component, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *NetworkGroupError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *NetworkGroupError) Is(target error) bool {
	if t, ok := target.(*NetworkGroupError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *NetworkGroupError) WithMetadata(key string, value interface{}) *NetworkGroupError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// HTTPStatusCode returns the status the admin API answers with for this error
func (e *NetworkGroupError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeConfigLoad, ErrCodeInvalidConfig, ErrCodeInvalidDNPattern,
		ErrCodeInvalidAddressMask, ErrCodeInvalidCriterion, ErrCodeInvalidLimit,
		ErrCodeInvalidFilter:
		return http.StatusBadRequest
	case ErrCodeAuthenticationFailed, ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrCodeNetworkGroupMissing:
		return http.StatusNotFound
	case ErrCodeRateLimitExceeded, ErrCodeOperationRejected:
		return http.StatusTooManyRequests
	case ErrCodeAdmissionDenied, ErrCodeNoMatchingGroup, ErrCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// LDAPResultCode returns the LDAP result a protocol layer should send back
// to a client whose request failed with this error.
func (e *NetworkGroupError) LDAPResultCode() uint16 {
	switch e.Code {
	case ErrCodeAdmissionDenied, ErrCodeRateLimitExceeded:
		return ldap.LDAPResultBusy
	case ErrCodeOperationRejected:
		return ldap.LDAPResultAdminLimitExceeded
	case ErrCodeNoMatchingGroup:
		return ldap.LDAPResultUnwillingToPerform
	case ErrCodeBackendUnavailable:
		return ldap.LDAPResultUnavailable
	case ErrCodeInvalidFilter:
		return ldap.LDAPResultProtocolError
	default:
		return ldap.LDAPResultOther
	}
}

// NewError creates a new NetworkGroupError
func NewError(code ErrorCode, component, message string) *NetworkGroupError {
	return &NetworkGroupError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with NetworkGroupError structure
func WrapError(err error, code ErrorCode, component, message string) *NetworkGroupError {
	if err == nil {
		return nil
	}

	return &NetworkGroupError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewAdmissionError reports a quota violation found by a group's resource limits
func NewAdmissionError(groupID, reason string) *NetworkGroupError {
	return NewError(
		ErrCodeAdmissionDenied,
		"resource_limits",
		reason,
	).WithMetadata("network_group", groupID)
}

// NewOperationRejectedError reports an operation refused by a group's
// per-connection quotas
func NewOperationRejectedError(groupID string, op fmt.Stringer, reason string) *NetworkGroupError {
	return NewError(
		ErrCodeOperationRejected,
		"resource_limits",
		reason,
	).WithMetadata("network_group", groupID).WithMetadata("operation", op.String())
}

// NewNoMatchingGroupError reports a connection no network group accepts
func NewNoMatchingGroupError(remote string) *NetworkGroupError {
	return NewError(
		ErrCodeNoMatchingGroup,
		"network_group",
		fmt.Sprintf("No network group accepts connections from %s", remote),
	).WithMetadata("remote_addr", remote)
}

// NewRateLimitError creates an error for admission throttling
func NewRateLimitError(groupID, clientIP string) *NetworkGroupError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"admission_throttle",
		fmt.Sprintf("Connection rate exceeded for client %s", clientIP),
	).WithMetadata("network_group", groupID).WithMetadata("client_ip", clientIP)
}

// NewGroupNotFoundError reports an unknown network group id
func NewGroupNotFoundError(groupID string) *NetworkGroupError {
	return NewError(
		ErrCodeNetworkGroupMissing,
		"network_group",
		fmt.Sprintf("Network group %s not found", groupID),
	).WithMetadata("network_group", groupID)
}

// IsNetworkGroupError checks if an error is a NetworkGroupError
func IsNetworkGroupError(err error) bool {
	var ngErr *NetworkGroupError
	return errors.As(err, &ngErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var ngErr *NetworkGroupError
	if errors.As(err, &ngErr) {
		return ngErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var ngErr *NetworkGroupError
	if errors.As(err, &ngErr) {
		return ngErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// GetLDAPResultCode gets the LDAP result code for an error
func GetLDAPResultCode(err error) uint16 {
	var ngErr *NetworkGroupError
	if errors.As(err, &ngErr) {
		return ngErr.LDAPResultCode()
	}
	return ldap.LDAPResultOther
}
