// Package types defines the JSON bodies of the secrets router HTTP API.
package types

import "mercator-hq/secretsrouter/pkg/approval"

// SecretResponse is the body of a granted secret read.
type SecretResponse struct {
	Backend    string `json:"backend"`
	SecretName string `json:"secret_name"`
	SecretKey  string `json:"secret_key"`
	Value      string `json:"value"`
}

// ErrorResponse is returned for every request that does not succeed,
// including 202 answers for reads held for approval.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	// Message is safe to show to the caller; it never carries backend
	// error details or credentials.
	Message string `json:"message"`

	// Type is the error category, e.g. "permission_denied".
	Type string `json:"type"`

	// Code is the broker error kind, e.g. "Forbidden".
	Code string `json:"code,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	// ApprovalID is set on approval outcomes.
	ApprovalID string `json:"approval_id,omitempty"`

	// RetryAfterSeconds is set on rate-limited answers.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Error types.
const (
	ErrorTypeInvalidRequest     = "invalid_request_error"
	ErrorTypeAuthentication     = "authentication_error"
	ErrorTypePermissionDenied   = "permission_denied"
	ErrorTypeNotFound           = "not_found"
	ErrorTypeConflict           = "conflict"
	ErrorTypeRateLimitExceeded  = "rate_limit_exceeded"
	ErrorTypeApprovalPending    = "approval_pending"
	ErrorTypeServerError        = "server_error"
	ErrorTypeBadGateway         = "bad_gateway"
	ErrorTypeServiceUnavailable = "service_unavailable"
)

// NewErrorResponse builds an error body.
func NewErrorResponse(message, errType, code, requestID string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorDetail{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: requestID,
	}}
}

// NewServerError builds a 500 body that reveals nothing about the cause.
func NewServerError(requestID string) *ErrorResponse {
	return NewErrorResponse("An internal error occurred. Please try again later.", ErrorTypeServerError, "Internal", requestID)
}

// DecisionRequest is the body of POST /approvals/{id}/approve and /deny.
type DecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

// ApprovalList is the body of GET /approvals.
type ApprovalList struct {
	Approvals []*approval.Request `json:"approvals"`
	Count     int                 `json:"count"`
}
