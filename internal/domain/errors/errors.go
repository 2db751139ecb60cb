package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies errors for transport mapping and retry decisions.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeBlocked    ErrorType = "blocked"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
)

// Stable error codes. These are part of the API surface; clients match on
// them, so they never change spelling.
const (
	CodeMatterNotFound        = "MATTER_NOT_FOUND"
	CodeItemNotFound          = "ITEM_NOT_FOUND"
	CodeInvalidParameter      = "INVALID_PARAMETER"
	CodeDatabaseNotConfigured = "DATABASE_NOT_CONFIGURED"
	CodeSearchFailed          = "SEARCH_FAILED"
	CodeQueryBlocked          = "QUERY_BLOCKED"
	CodeMemoryLimitExceeded   = "MEMORY_LIMIT_EXCEEDED"
	CodePageRangeInvalid      = "PAGE_RANGE_INVALID"
	CodeChecksumMismatch      = "CHECKSUM_MISMATCH"
	CodeBBoxCountMismatch     = "BBOX_COUNT_MISMATCH"
	CodeCitationVerification  = "CITATION_VERIFICATION_FAILED"
	CodeInvalidJobStatus      = "INVALID_JOB_STATUS"
	CodeBulkLimitExceeded     = "BULK_LIMIT_EXCEEDED"
	CodeStreamError           = "STREAM_ERROR"
	CodeNoPDFsInZip           = "NO_PDFS_IN_ZIP"
	CodeInvalidZip            = "INVALID_ZIP"
	CodeInvalidFileType       = "INVALID_FILE_TYPE"
)

// AppError is the structured error carried across service boundaries.
// Message must never contain source-document text; put identifiers in
// Details instead.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewMatterNotFound covers both a missing matter and a matter the caller
// may not access. The two cases are deliberately indistinguishable.
func NewMatterNotFound() *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeMatterNotFound,
		Message:    "matter not found",
		Retryable:  false,
		StatusCode: 404,
	}
}

// NewItemNotFound covers a missing item and an item belonging to another
// matter. Callers must not branch on which it was.
func NewItemNotFound(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeItemNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewInvalidParameter(param, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeInvalidParameter,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
		Details:    map[string]interface{}{"parameter": param},
	}
}

func NewDatabaseNotConfigured(store string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeDatabaseNotConfigured,
		Message:    fmt.Sprintf("%s backing store is not configured", store),
		Retryable:  false,
		StatusCode: 503,
	}
}

func NewSearchFailed(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       CodeSearchFailed,
		Message:    message,
		Retryable:  true,
		StatusCode: 502,
	}
}

func NewQueryBlocked(category string) *AppError {
	return &AppError{
		Type:       ErrorTypeBlocked,
		Code:       CodeQueryBlocked,
		Message:    "query blocked by content policy",
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]interface{}{"category": category},
	}
}

func NewMemoryLimitExceeded(limitBytes int64) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeMemoryLimitExceeded,
		Message:    "document exceeds processing memory budget",
		Retryable:  false,
		StatusCode: 413,
		Details:    map[string]interface{}{"limit_bytes": limitBytes},
	}
}

func NewPageRangeInvalid(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodePageRangeInvalid,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewChecksumMismatch(chunkIndex int) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeChecksumMismatch,
		Message:    "chunk result does not match its recorded checksum",
		Retryable:  false,
		StatusCode: 409,
		Details:    map[string]interface{}{"chunk_index": chunkIndex},
	}
}

func NewBBoxCountMismatch(expected, got int) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeBBoxCountMismatch,
		Message:    "bounding box count does not match page metadata",
		Retryable:  false,
		StatusCode: 409,
		Details:    map[string]interface{}{"expected": expected, "got": got},
	}
}

func NewCitationVerificationFailed(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       CodeCitationVerification,
		Message:    message,
		Retryable:  true,
		StatusCode: 502,
	}
}

func NewInvalidJobStatus(from, action string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeInvalidJobStatus,
		Message:    fmt.Sprintf("cannot %s a job in status %s", action, from),
		Retryable:  false,
		StatusCode: 409,
		Details:    map[string]interface{}{"status": from, "action": action},
	}
}

func NewBulkLimitExceeded(limit, got int) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeBulkLimitExceeded,
		Message:    fmt.Sprintf("bulk operation limited to %d items", limit),
		Retryable:  false,
		StatusCode: 400,
		Details:    map[string]interface{}{"limit": limit, "got": got},
	}
}

func NewStreamError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeStreamError,
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewNoPDFsInZip() *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeNoPDFsInZip,
		Message:    "archive contains no PDF files",
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewInvalidZip() *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeInvalidZip,
		Message:    "file is not a readable ZIP archive",
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewInvalidFileType(allowed ...string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeInvalidFileType,
		Message:    "unsupported file type",
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]interface{}{"allowed": allowed},
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the stable code, or "" for non-AppError values.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
