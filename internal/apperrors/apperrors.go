// Package apperrors provides the error taxonomy for the claudegate proxy.
//
// Every upstream outcome is mapped to an ErrorKind, and the dispatcher drives
// its retry/switch/wait decisions off the kind rather than off thrown errors.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of upstream outcome classifications.
type ErrorKind string

const (
	KindAuthExpired            ErrorKind = "auth_expired"
	KindAuthPermanentlyInvalid ErrorKind = "auth_permanently_invalid"
	KindRateLimitedUserQuota   ErrorKind = "rate_limited_user_quota"
	KindRateLimitedDaily       ErrorKind = "rate_limited_daily"
	KindRateLimitedCapacity    ErrorKind = "rate_limited_capacity"
	KindServerTransient        ErrorKind = "server_transient"
	KindBadRequest             ErrorKind = "bad_request"
	KindNetworkTransient       ErrorKind = "network_transient"
	KindContentFiltered        ErrorKind = "content_filtered"
	KindUnknown                ErrorKind = "unknown"
)

// ProxyError carries a classified upstream failure through the dispatcher.
type ProxyError struct {
	Kind         ErrorKind              `json:"kind"`
	Message      string                 `json:"message"`
	StatusCode   int                    `json:"statusCode,omitempty"`
	ResetMs      *int64                 `json:"resetMs,omitempty"`
	AccountEmail string                 `json:"accountEmail,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (e *ProxyError) Error() string {
	return e.Message
}

// Retryable reports whether the dispatcher may retry after this error
// (possibly on another account or endpoint).
func (e *ProxyError) Retryable() bool {
	switch e.Kind {
	case KindAuthPermanentlyInvalid, KindBadRequest, KindContentFiltered:
		return false
	default:
		return true
	}
}

// SwitchesAccount reports whether this error should move the dispatcher
// to a different account rather than retrying the same one.
func (e *ProxyError) SwitchesAccount() bool {
	switch e.Kind {
	case KindAuthPermanentlyInvalid, KindRateLimitedUserQuota, KindRateLimitedDaily,
		KindNetworkTransient, KindUnknown:
		return true
	default:
		return false
	}
}

// IsRateLimit reports whether the error is any rate-limit variant.
func (e *ProxyError) IsRateLimit() bool {
	switch e.Kind {
	case KindRateLimitedUserQuota, KindRateLimitedDaily, KindRateLimitedCapacity:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler
func (e *ProxyError) MarshalJSON() ([]byte, error) {
	type alias ProxyError
	return json.Marshal((*alias)(e))
}

// New creates a ProxyError of the given kind.
func New(kind ErrorKind, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewRateLimited creates a rate-limit error with an optional server-provided reset.
func NewRateLimited(kind ErrorKind, message string, resetMs *int64, accountEmail string) *ProxyError {
	return &ProxyError{
		Kind:         kind,
		Message:      message,
		StatusCode:   429,
		ResetMs:      resetMs,
		AccountEmail: accountEmail,
	}
}

// NewAuthError creates an auth failure; permanent selects the unrecoverable kind.
func NewAuthError(message, accountEmail string, permanent bool) *ProxyError {
	kind := KindAuthExpired
	if permanent {
		kind = KindAuthPermanentlyInvalid
	}
	return &ProxyError{Kind: kind, Message: message, StatusCode: 401, AccountEmail: accountEmail}
}

// NewBadRequest creates a fatal-for-this-request client error.
func NewBadRequest(message string) *ProxyError {
	return &ProxyError{Kind: KindBadRequest, Message: message, StatusCode: 400}
}

// NewUpstream creates an error from an upstream status code and body.
func NewUpstream(statusCode int, body string) *ProxyError {
	kind := ClassifyStatus(statusCode, body)
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", statusCode)
	}
	return &ProxyError{Kind: kind, Message: msg, StatusCode: statusCode}
}

// NoAccountsError is returned when no account in the pool is usable.
type NoAccountsError struct {
	Message        string `json:"message"`
	AllRateLimited bool   `json:"allRateLimited"`
	MinResetMs     *int64 `json:"minResetMs,omitempty"`
}

func (e *NoAccountsError) Error() string {
	return e.Message
}

// NewNoAccountsError creates a NoAccountsError
func NewNoAccountsError(message string, allRateLimited bool, minResetMs *int64) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{Message: message, AllRateLimited: allRateLimited, MinResetMs: minResetMs}
}

// MaxRetriesError is returned when the dispatcher exhausts its attempt budget.
type MaxRetriesError struct {
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

func (e *MaxRetriesError) Error() string {
	return e.Message
}

// NewMaxRetriesError creates a MaxRetriesError
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{Message: message, Attempts: attempts}
}

// EmptyResponseError is returned when the upstream answers with no content parts.
type EmptyResponseError struct {
	Message string `json:"message"`
}

func (e *EmptyResponseError) Error() string {
	return e.Message
}

// NewEmptyResponseError creates an EmptyResponseError
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from upstream"
	}
	return &EmptyResponseError{Message: message}
}

// ModelExhaustedError is returned when a model and its whole fallback chain are
// rate limited. Reported to the client as 400 (not 429) so automatic client
// retry loops stop.
type ModelExhaustedError struct {
	Model   string `json:"model"`
	ResetMs *int64 `json:"resetMs,omitempty"`
	Message string `json:"message"`
}

func (e *ModelExhaustedError) Error() string {
	return e.Message
}

// NewModelExhaustedError creates a ModelExhaustedError
func NewModelExhaustedError(model string, resetMs *int64, message string) *ModelExhaustedError {
	if message == "" {
		message = fmt.Sprintf("Model %s is rate limited on all accounts", model)
	}
	return &ModelExhaustedError{Model: model, ResetMs: resetMs, Message: message}
}

// permanentAuthFailureMarkers are substrings of OAuth error payloads that mean
// the refresh token itself is dead and the account must be marked invalid.
var permanentAuthFailureMarkers = []string{
	"invalid_grant",
	"token revoked",
	"token has been expired or revoked",
	"token_revoked",
	"invalid_client",
	"credentials are invalid",
}

// IsPermanentAuthFailure reports whether an auth error message indicates an
// unrecoverable credential (vs. a merely expired access token).
func IsPermanentAuthFailure(message string) bool {
	msg := strings.ToLower(message)
	for _, marker := range permanentAuthFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// dailyLimitMarkers identify per-day quota exhaustion in 429 bodies.
var dailyLimitMarkers = []string{
	"per day",
	"daily limit",
	"daily quota",
	"perday",
	"quota will reset",
}

// capacityMarkers identify server-side capacity exhaustion (not a per-account limit).
var capacityMarkers = []string{
	"model_capacity_exceeded",
	"model_capacity_exhausted",
	"capacity_exhausted",
	"model is currently overloaded",
	"no capacity",
	"service temporarily unavailable",
	"overloaded_error",
}

// ClassifyStatus maps an upstream HTTP status and response body to an ErrorKind.
func ClassifyStatus(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	switch {
	case statusCode == 401:
		if IsPermanentAuthFailure(lower) {
			return KindAuthPermanentlyInvalid
		}
		return KindAuthExpired
	case statusCode == 403:
		if IsPermanentAuthFailure(lower) {
			return KindAuthPermanentlyInvalid
		}
		if strings.Contains(lower, "permission_denied") || strings.Contains(lower, "permission denied") {
			return KindAuthPermanentlyInvalid
		}
		return KindAuthExpired
	case statusCode == 429:
		if IsCapacityExhaustedMessage(lower) {
			return KindRateLimitedCapacity
		}
		for _, m := range dailyLimitMarkers {
			if strings.Contains(lower, m) {
				return KindRateLimitedDaily
			}
		}
		return KindRateLimitedUserQuota
	case statusCode == 529:
		return KindRateLimitedCapacity
	case statusCode >= 500:
		if IsCapacityExhaustedMessage(lower) {
			return KindRateLimitedCapacity
		}
		return KindServerTransient
	case statusCode >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// ClassifyError maps a transport-level error (no HTTP response) to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "network error"):
		return KindNetworkTransient
	case IsPermanentAuthFailure(msg):
		return KindAuthPermanentlyInvalid
	default:
		return KindUnknown
	}
}

// HTTPStatus returns the client-facing HTTP status for an ErrorKind.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindAuthExpired, KindAuthPermanentlyInvalid:
		return 401
	case KindRateLimitedUserQuota, KindRateLimitedDaily:
		return 429
	case KindRateLimitedCapacity, KindServerTransient, KindNetworkTransient:
		return 503
	case KindBadRequest:
		return 400
	case KindContentFiltered:
		return 200
	default:
		return 500
	}
}

// HTTPStatusFromError returns the appropriate HTTP status code for any error
// the dispatcher can surface.
func HTTPStatusFromError(err error) int {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return HTTPStatus(pe.Kind)
	}
	var na *NoAccountsError
	if errors.As(err, &na) {
		if na.AllRateLimited {
			return 429
		}
		return 503
	}
	var me *ModelExhaustedError
	if errors.As(err, &me) {
		// 400, not 429: stops client auto-retry storms on a dead model
		return 400
	}
	var mr *MaxRetriesError
	if errors.As(err, &mr) {
		return 503
	}
	var er *EmptyResponseError
	if errors.As(err, &er) {
		return 502
	}
	return 500
}

// ErrorTypeForStatus maps an HTTP status to the Anthropic error type string.
func ErrorTypeForStatus(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 429:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// IsRateLimitError checks if an error is any rate-limit variant
func IsRateLimitError(err error) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.IsRateLimit()
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError checks if an error is an authentication failure
func IsAuthError(err error) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind == KindAuthExpired || pe.Kind == KindAuthPermanentlyInvalid
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth_invalid") ||
		strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "token refresh failed")
}

// IsEmptyResponseError checks if an error is an empty response error
func IsEmptyResponseError(err error) bool {
	var er *EmptyResponseError
	return errors.As(err, &er)
}

// IsCapacityExhaustedError checks if an error indicates server-wide capacity exhaustion
func IsCapacityExhaustedError(err error) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind == KindRateLimitedCapacity
	}
	if err == nil {
		return false
	}
	return IsCapacityExhaustedMessage(err.Error())
}

// IsCapacityExhaustedMessage reports whether an upstream error body describes
// capacity exhaustion on the model rather than a per-account limit.
func IsCapacityExhaustedMessage(message string) bool {
	msg := strings.ToLower(message)
	for _, m := range capacityMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
