package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeBotNotFound = "BOT_NOT_FOUND"

	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeRateLimit    = "RATE_LIMIT_EXCEEDED"
	ErrCodeCredentials  = "CREDENTIALS_REJECTED"
	ErrCodeExchange     = "EXCHANGE_UNAVAILABLE"
)

// NewAppError creates a new application error
func NewAppError(statusCode int, code, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// WrapError wraps an existing error
func WrapError(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

func ErrBadRequest(message string) *AppError {
	return NewAppError(http.StatusBadRequest, ErrCodeBadRequest, message)
}

func ErrNotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, ErrCodeNotFound, message)
}

// GetAppError extracts AppError from error
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// ExchangeError is a rejection reported by the exchange (or the paper
// exchange standing in for it).
type ExchangeError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d %s: %s", e.StatusCode, e.Name, e.Message)
}

// NewExchangeError creates an ExchangeError
func NewExchangeError(statusCode int, name, message string) *ExchangeError {
	return &ExchangeError{StatusCode: statusCode, Name: name, Message: message}
}

// Exchange error names
const (
	ExchangeInsufficientFundsBid = "insufficient_funds_bid"
	ExchangeInsufficientFundsAsk = "insufficient_funds_ask"
	ExchangeOrderNotFound        = "order_not_found"
	ExchangeInvalidAccessKey     = "invalid_access_key"
	ExchangeTooManyRequests      = "too_many_requests"
	ExchangeUnderMinTotal        = "under_min_total_bid"
)

var authErrorNames = map[string]bool{
	ExchangeInvalidAccessKey: true,
	"jwt_verification":       true,
	"expired_access_key":     true,
	"nonce_used":             true,
	"no_authorization_ip":    true,
	"out_of_scope":           true,
	"invalid_query_payload":  true,
}

// ErrCredentialsMissing is returned when a user has no stored API key.
var ErrCredentialsMissing = errors.New("exchange credentials not configured")

func exchangeError(err error) *ExchangeError {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr
	}
	return nil
}

// IsTransient reports failures worth retrying on the next tick without
// flagging the bot: rate limiting, timeouts, exchange 5xx and Redis
// connection pool exhaustion.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if exErr := exchangeError(err); exErr != nil {
		return exErr.StatusCode == http.StatusTooManyRequests ||
			exErr.StatusCode >= 500 ||
			exErr.Name == ExchangeTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection pool timeout") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "too many requests")
}

// IsAuthError reports rejected credentials.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredentialsMissing) {
		return true
	}
	exErr := exchangeError(err)
	if exErr == nil {
		return false
	}
	return exErr.StatusCode == http.StatusUnauthorized ||
		exErr.StatusCode == http.StatusForbidden ||
		authErrorNames[exErr.Name]
}

// IsInsufficientBalance reports an order rejected for lack of funds.
func IsInsufficientBalance(err error) bool {
	exErr := exchangeError(err)
	if exErr == nil {
		return false
	}
	return strings.HasPrefix(exErr.Name, "insufficient_funds")
}

// IsOrderNotFound reports a lookup or cancel of an order the exchange no
// longer knows.
func IsOrderNotFound(err error) bool {
	exErr := exchangeError(err)
	if exErr == nil {
		return false
	}
	return exErr.Name == ExchangeOrderNotFound || exErr.StatusCode == http.StatusNotFound
}
