package errors

import (
	"errors"
	"fmt"
)

// DomainErrorType represents the category of domain error
type DomainErrorType string

const (
	// DomainValidationError indicates input validation failure
	DomainValidationError DomainErrorType = "VALIDATION_ERROR"

	// DomainBusinessRuleError indicates a business rule violation
	DomainBusinessRuleError DomainErrorType = "BUSINESS_RULE_ERROR"

	// DomainNotFoundError indicates a resource was not found
	DomainNotFoundError DomainErrorType = "NOT_FOUND"

	// DomainConflictError indicates a conflict with existing state
	DomainConflictError DomainErrorType = "CONFLICT"

	// DomainInfrastructureError indicates an infrastructure-level failure
	DomainInfrastructureError DomainErrorType = "INFRASTRUCTURE_ERROR"

	// DomainAuthorizationError indicates insufficient permissions
	DomainAuthorizationError DomainErrorType = "AUTHORIZATION_ERROR"

	// DomainAuthenticationError indicates authentication failure
	DomainAuthenticationError DomainErrorType = "AUTHENTICATION_ERROR"

	// DomainRateLimitError indicates rate limit exceeded
	DomainRateLimitError DomainErrorType = "RATE_LIMIT_ERROR"

	// DomainTimeoutError indicates operation timeout
	DomainTimeoutError DomainErrorType = "TIMEOUT_ERROR"
)

// DomainError represents a domain-specific error with rich context
type DomainError struct {
	Type       DomainErrorType        `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

// NewDomainError creates a new domain error
func NewDomainError(errorType DomainErrorType, code string, message string) *DomainError {
	return &DomainError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Details:    make(map[string]interface{}),
		Retryable:  false,
		StatusCode: domainErrorTypeToStatusCode(errorType),
	}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// WithCause adds a cause to the error
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	e.Details[key] = value
	return e
}

// WithDetails adds multiple details to the error
func (e *DomainError) WithDetails(details map[string]interface{}) *DomainError {
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithRetryable sets whether the error is retryable
func (e *DomainError) WithRetryable(retryable bool) *DomainError {
	e.Retryable = retryable
	return e
}

// WithStatusCode sets a custom HTTP status code
func (e *DomainError) WithStatusCode(code int) *DomainError {
	e.StatusCode = code
	return e
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// Unwrap returns the underlying cause
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// domainErrorTypeToStatusCode maps error types to HTTP status codes
func domainErrorTypeToStatusCode(errorType DomainErrorType) int {
	switch errorType {
	case DomainValidationError:
		return 400 // Bad Request
	case DomainBusinessRuleError:
		return 422 // Unprocessable Entity
	case DomainNotFoundError:
		return 404 // Not Found
	case DomainConflictError:
		return 409 // Conflict
	case DomainAuthenticationError:
		return 401 // Unauthorized
	case DomainAuthorizationError:
		return 403 // Forbidden
	case DomainRateLimitError:
		return 429 // Too Many Requests
	case DomainTimeoutError:
		return 504 // Gateway Timeout
	case DomainInfrastructureError:
		return 500 // Internal Server Error
	default:
		return 500 // Internal Server Error
	}
}

// History errors. These are shared templates; call Clone before attaching
// a cause or details.

var (
	ErrDocumentNotFound = NewDomainError(
		DomainNotFoundError,
		"DOCUMENT_NOT_FOUND",
		"The requested document has no history",
	)

	ErrSnapshotNotFound = NewDomainError(
		DomainNotFoundError,
		"SNAPSHOT_NOT_FOUND",
		"The requested snapshot does not exist",
	)

	ErrEventNotFound = NewDomainError(
		DomainNotFoundError,
		"EVENT_NOT_FOUND",
		"The requested history event does not exist",
	)

	ErrDocumentAccessDenied = NewDomainError(
		DomainAuthorizationError,
		"DOCUMENT_ACCESS_DENIED",
		"You do not have access to this document",
	)

	ErrCheckpointNotEntitled = NewDomainError(
		DomainBusinessRuleError,
		"CHECKPOINT_NOT_ENTITLED",
		"Your plan does not include manual checkpoints",
	).WithStatusCode(402)

	ErrSnapshotTooLarge = NewDomainError(
		DomainBusinessRuleError,
		"SNAPSHOT_TOO_LARGE",
		"Document too large to checkpoint",
	).WithStatusCode(413)

	ErrMalformedDelta = NewDomainError(
		DomainBusinessRuleError,
		"MALFORMED_DELTA",
		"The change set does not match the document schema",
	)

	ErrDeltaNotApplicable = NewDomainError(
		DomainBusinessRuleError,
		"DELTA_NOT_APPLICABLE",
		"The change set cannot be applied to the current document",
	)

	ErrInvalidGraphState = NewDomainError(
		DomainValidationError,
		"INVALID_GRAPH_STATE",
		"The submitted graph is not a valid mind map",
	)

	ErrConcurrentEdit = NewDomainError(
		DomainConflictError,
		"CONCURRENT_EDIT",
		"Another edit was recorded at the same position, reload and retry",
	).WithRetryable(true)

	ErrHistoryCorrupted = NewDomainError(
		DomainInfrastructureError,
		"HISTORY_CORRUPTED",
		"History is unavailable past this point",
	)

	ErrCleanupInProgress = NewDomainError(
		DomainConflictError,
		"CLEANUP_IN_PROGRESS",
		"A cleanup of this document is already running",
	).WithRetryable(true)

	// Rate limiting errors
	ErrRateLimitExceeded = NewDomainError(
		DomainRateLimitError,
		"RATE_LIMIT_EXCEEDED",
		"Too many requests, please try again later",
	).WithRetryable(true)

	// Infrastructure errors
	ErrStorageUnavailable = NewDomainError(
		DomainInfrastructureError,
		"STORAGE_UNAVAILABLE",
		"History storage is temporarily unavailable",
	).WithRetryable(true)
)

// Clone returns a copy of the error that can be given its own cause and
// details without touching the shared template
func (e *DomainError) Clone() *DomainError {
	details := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	out := *e
	out.Details = details
	return &out
}

// ToAppError converts the domain error into the transport error type
func (e *DomainError) ToAppError() *AppError {
	var errType ErrorType
	switch e.StatusCode {
	case 400:
		errType = ErrorTypeValidation
	case 401:
		errType = ErrorTypeUnauthorized
	case 402:
		errType = ErrorTypePaymentRequired
	case 403:
		errType = ErrorTypeForbidden
	case 404:
		errType = ErrorTypeNotFound
	case 409:
		errType = ErrorTypeConflict
	case 413:
		errType = ErrorTypePayloadTooLarge
	case 422:
		errType = ErrorTypeUnprocessable
	case 429:
		errType = ErrorTypeRateLimit
	case 504:
		errType = ErrorTypeTimeout
	default:
		errType = ErrorTypeInternal
	}
	var details map[string]interface{}
	if len(e.Details) > 0 {
		details = e.Details
	}
	return &AppError{
		Type:       errType,
		Message:    e.Message,
		Code:       e.Code,
		Details:    details,
		Cause:      e.Cause,
		HTTPStatus: e.StatusCode,
	}
}

// GetDomainError extracts a DomainError from an error chain
func GetDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}
