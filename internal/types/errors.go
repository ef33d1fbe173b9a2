package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationMetadata     ErrorCode = "validation_unrecognized_metadata"
	ErrCodeValidationInvalidEmail ErrorCode = "validation_invalid_email"
	ErrCodeValidationPayload      ErrorCode = "validation_invalid_payload"

	// Auth (400 for webhook signatures, 401 otherwise)
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Not Found (404)
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"
	ErrCodeNotFoundCustomer     ErrorCode = "not_found_customer"
	ErrCodeNotFoundDevice       ErrorCode = "not_found_device"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundEvent        ErrorCode = "not_found_event"
	ErrCodeNotFoundProvider     ErrorCode = "not_found_provider"

	// Conflict (409)
	ErrCodeConflictCanceled        ErrorCode = "conflict_subscription_canceled"
	ErrCodeConflictAlreadyAttached ErrorCode = "conflict_payment_method_already_attached"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout     ErrorCode = "upstream_timeout"
	ErrCodeUpstreamRejected    ErrorCode = "upstream_request_rejected"

	// Payment-specific
	ErrCodePaymentDeclined ErrorCode = "payment_declined"
)

// ErrorKind is the coarse failure taxonomy used when recording processing
// outcomes on webhook events.
type ErrorKind string

const (
	KindSignatureInvalid  ErrorKind = "SignatureInvalid"
	KindNotFound          ErrorKind = "NotFound"
	KindValidation        ErrorKind = "ValidationError"
	KindProviderTransient ErrorKind = "ProviderTransientError"
	KindProviderRejected  ErrorKind = "ProviderError"
	KindInternal          ErrorKind = "Internal"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeAuthSignatureMissing), s == string(ErrCodeAuthSignatureInvalid):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodePaymentDeclined):
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// Kind classifies the code into the processing failure taxonomy.
func (c ErrorCode) Kind() ErrorKind {
	s := string(c)
	switch {
	case s == string(ErrCodeAuthSignatureMissing), s == string(ErrCodeAuthSignatureInvalid):
		return KindSignatureInvalid
	case strings.HasPrefix(s, "not_found_"):
		return KindNotFound
	case strings.HasPrefix(s, "validation_"):
		return KindValidation
	case s == string(ErrCodeUpstreamRejected), s == string(ErrCodePaymentDeclined):
		return KindProviderRejected
	case strings.HasPrefix(s, "upstream_"):
		return KindProviderTransient
	default:
		return KindInternal
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// KindOf returns the taxonomy kind of err. Errors that are not AppErrors are
// Internal.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Kind()
	}
	return KindInternal
}

// IsKind reports whether err belongs to the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// ProcessingErrorText renders err as the text recorded against a webhook
// event. Not-found errors name the missing entity ("NotFound: user"); all
// other kinds carry the error message.
func ProcessingErrorText(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fmt.Sprintf("%s: %s", KindInternal, err.Error())
	}
	kind := appErr.Code.Kind()
	if kind == KindNotFound {
		return fmt.Sprintf("%s: %s", kind, strings.TrimPrefix(string(appErr.Code), "not_found_"))
	}
	return fmt.Sprintf("%s: %s", kind, appErr.Message)
}
