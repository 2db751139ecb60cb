package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		retryable  bool
		statusCode int
	}{
		{"matter not found", NewMatterNotFound(), CodeMatterNotFound, false, 404},
		{"item not found", NewItemNotFound("finding"), CodeItemNotFound, false, 404},
		{"invalid parameter", NewInvalidParameter("limit", "limit out of range"), CodeInvalidParameter, false, 400},
		{"database not configured", NewDatabaseNotConfigured("redis"), CodeDatabaseNotConfigured, false, 503},
		{"search failed", NewSearchFailed("all retrievers failed"), CodeSearchFailed, true, 502},
		{"query blocked", NewQueryBlocked("legal_advice_request"), CodeQueryBlocked, false, 422},
		{"memory limit", NewMemoryLimitExceeded(50 << 20), CodeMemoryLimitExceeded, false, 413},
		{"page range", NewPageRangeInvalid("chunk 2 starts at page 30, expected 31"), CodePageRangeInvalid, false, 422},
		{"checksum", NewChecksumMismatch(3), CodeChecksumMismatch, false, 409},
		{"bbox count", NewBBoxCountMismatch(12, 11), CodeBBoxCountMismatch, false, 409},
		{"citation verification", NewCitationVerificationFailed("provider unavailable"), CodeCitationVerification, true, 502},
		{"invalid job status", NewInvalidJobStatus("COMPLETED", "retry"), CodeInvalidJobStatus, false, 409},
		{"bulk limit", NewBulkLimitExceeded(100, 150), CodeBulkLimitExceeded, false, 400},
		{"stream error", NewStreamError("event channel closed"), CodeStreamError, true, 500},
		{"no pdfs in zip", NewNoPDFsInZip(), CodeNoPDFsInZip, false, 422},
		{"invalid zip", NewInvalidZip(), CodeInvalidZip, false, 422},
		{"invalid file type", NewInvalidFileType("pdf", "zip"), CodeInvalidFileType, false, 422},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
			assert.Equal(t, tt.statusCode, tt.err.StatusCode)
			assert.Equal(t, tt.code, CodeOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.statusCode, GetStatusCode(tt.err))
		})
	}
}

func TestMatterNotFoundIsOpaque(t *testing.T) {
	// Missing and forbidden must be byte-for-byte identical so callers
	// cannot probe for matter existence.
	missing := NewMatterNotFound()
	forbidden := NewMatterNotFound()
	assert.Equal(t, missing.Error(), forbidden.Error())
	assert.Equal(t, missing.Code, forbidden.Code)
	assert.Equal(t, missing.StatusCode, forbidden.StatusCode)
}

func TestUnwrapChain(t *testing.T) {
	root := errors.New("connection refused")
	err := NewSearchFailed("vector retriever failed").WithCause(root)

	assert.True(t, errors.Is(err, root))

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, CodeSearchFailed, appErr.Code)

	wrapped := fmt.Errorf("handling request: %w", err)
	assert.Equal(t, CodeSearchFailed, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsCode(wrapped, CodeSearchFailed))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))

	base := NewInvalidParameter("query", "query too short")
	wrapped := Wrap(base, "search")
	require.Error(t, wrapped)
	assert.Equal(t, CodeInvalidParameter, CodeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "search: ")
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, 500, GetStatusCode(errors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	err := NewInvalidJobStatus("COMPLETED", "cancel").WithDetail("job_id", "j-1")
	assert.Equal(t, "j-1", err.Details["job_id"])
	assert.Equal(t, "COMPLETED", err.Details["status"])
}
