package types

import "fmt"

// ErrorBody is the payload of every non-2xx API response.
// Code is RESOURCE_STATUS, e.g. POSITIONER_404 or MOVE_409.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorCode formats the code for a resource and HTTP status.
func ErrorCode(resource string, status int) string {
	return fmt.Sprintf("%s_%d", resource, status)
}

// NewErrorResponse builds the API error envelope. details is usually the
// underlying error text or a validation report.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
