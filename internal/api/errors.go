package api

import (
	"encoding/json"
	"net/http"
)

// Standardized error codes.
const (
	ErrCodeInvalidParameter   = "INVALID_PARAMETER"
	ErrCodeEmptyDocument      = "EMPTY_DOCUMENT"
	ErrCodeDocumentTooLarge   = "DOCUMENT_TOO_LARGE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
)

// APIError is the standardized error envelope returned by all endpoints.
type APIError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// APIErrorResponse wraps APIError with a top-level "error" key.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// respondJSON writes a JSON payload with the given HTTP status.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeAPIError writes a standardized error response with request ID.
func writeAPIError(w http.ResponseWriter, r *http.Request, status int, message, code, details string) {
	respondJSON(w, status, APIErrorResponse{
		Error: APIError{
			Message:   message,
			Code:      code,
			Details:   details,
			RequestID: GetRequestID(r.Context()),
		},
	})
}

// mapStatusToCode returns the standard error code for an HTTP status.
func mapStatusToCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeInvalidParameter
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrCodeDocumentTooLarge
	case http.StatusTooManyRequests:
		return ErrCodeRateLimitExceeded
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeTimeout
	default:
		return ErrCodeInternalError
	}
}
