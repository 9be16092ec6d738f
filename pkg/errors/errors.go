package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeProxy         ErrorType = "proxy"
	ErrorTypeAuth          ErrorType = "auth"
	ErrorTypeBlocked       ErrorType = "blocked"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeServerError   ErrorType = "server_error"
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
	ErrorTypeConfig        ErrorType = "config"
	ErrorTypeUnknown       ErrorType = "unknown"
)

var (
	// ErrNoHealthyProxies is returned when every proxy in the pool is cooling
	// down or removed.
	ErrNoHealthyProxies = stderrors.New("no healthy proxies available")

	// ErrInvalidConfig marks configuration that can never work at runtime,
	// such as a zero-capacity rate window.
	ErrInvalidConfig = stderrors.New("invalid configuration")

	// ErrSessionExpired is returned when a stored session is past its TTL.
	ErrSessionExpired = stderrors.New("session expired")

	// ErrProxyNotFound is returned for operations on an unknown proxy id.
	ErrProxyNotFound = stderrors.New("proxy not found")
)

// Error represents a classified failure with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (code %d): %s: %v", e.Type, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error.
func New(t ErrorType, code int, msg string) *Error {
	return &Error{Type: t, Code: code, Message: msg}
}

// Wrap creates a typed error around cause.
func Wrap(t ErrorType, cause error, msg string) *Error {
	return &Error{Type: t, Message: msg, Err: cause}
}

// NoHealthyProxiesError carries the pool state at the time of exhaustion.
type NoHealthyProxiesError struct {
	PoolSize int
	Cooldown int
	Removed  int
}

func (e *NoHealthyProxiesError) Error() string {
	return fmt.Sprintf("no healthy proxies available (pool=%d cooldown=%d removed=%d)",
		e.PoolSize, e.Cooldown, e.Removed)
}

func (e *NoHealthyProxiesError) Is(target error) bool {
	return target == ErrNoHealthyProxies
}

// TypeOf returns the ErrorType of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Type
	}
	if stderrors.Is(err, ErrNoHealthyProxies) {
		return ErrorTypePoolExhausted
	}
	if stderrors.Is(err, ErrInvalidConfig) {
		return ErrorTypeConfig
	}
	return ErrorTypeUnknown
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeProxy, ErrorTypePoolExhausted:
		return true
	case ErrorTypeAuth, ErrorTypeBlocked, ErrorTypeNotFound, ErrorTypeConfig:
		return false
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code to an ErrorType. Successful
// statuses return the empty type.
func ClassifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == 0:
		return ErrorTypeNetwork
	case statusCode < 400:
		return ""
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusProxyAuthRequired:
		return ErrorTypeProxy
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusUnavailableForLegalReasons:
		return ErrorTypeBlocked
	case statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return ErrorTypeNotFound
	case statusCode == http.StatusRequestTimeout:
		return ErrorTypeNetwork
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	return IsRetryable(ClassifyStatus(statusCode))
}

// Is and As re-export the standard helpers so callers importing this
// package under the name errors keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
