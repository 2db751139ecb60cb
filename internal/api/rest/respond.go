package rest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	domainerrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// maxBodyBytes bounds JSON request bodies. File uploads go through
// multipart handling with their own limit.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an error onto the stable wire envelope. Unclassified
// errors become a generic 500 so internals never leak to clients.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := domainerrors.GetStatusCode(err)
	code := domainerrors.CodeOf(err)

	detail := errorDetail{
		Code:      code,
		Message:   "internal error",
		Retryable: domainerrors.IsRetryable(err),
	}
	if appErr, ok := asAppError(err); ok {
		detail.Message = appErr.Message
		detail.Details = appErr.Details
	} else {
		detail.Code = "INTERNAL_ERROR"
	}

	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error())
	}

	writeJSON(w, status, errorBody{Error: detail})
}

func asAppError(err error) (*domainerrors.AppError, bool) {
	var appErr *domainerrors.AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown
// fields so client typos surface as 400s instead of silent drops.
func decodeJSON(r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return domainerrors.NewInvalidParameter("body", "request body is required")
		}
		return domainerrors.NewInvalidParameter("body", "request body is not valid JSON")
	}
	return nil
}
