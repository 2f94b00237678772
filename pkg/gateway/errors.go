package gateway

// Error codes surfaced in HTTP error bodies.
const (
	CodeInvalidRequestBody = "INVALID_REQUEST_BODY"
	CodeQueueFull          = "QUEUE_FULL"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodePublishFailed      = "PUBLISH_FAILED"
)

// ErrorResponse is the JSON body of every gateway error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
