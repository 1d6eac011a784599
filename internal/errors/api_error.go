package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cargoline/opsdash/internal/notifications"
)

// APIError is the JSON error body returned by the local bridge.
type APIError struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]any) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

// AbortWithBadRequest sends a 400 Bad Request response and aborts the request.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, NewAPIError(message, details))
}

// AbortWithUnauthorized sends a 401 Unauthorized response and aborts the request.
func AbortWithUnauthorized(c *gin.Context, message string, details map[string]any) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, NewAPIError(message, details))
}

// AbortWithNotFound sends a 404 Not Found response and aborts the request.
func AbortWithNotFound(c *gin.Context, message string, details map[string]any) {
	c.AbortWithStatusJSON(http.StatusNotFound, NewAPIError(message, details))
}

// AbortWithBadGateway sends a 502 Bad Gateway response and aborts the request.
// Used when the notifications API could not be reached or answered with an error.
func AbortWithBadGateway(c *gin.Context, message string, details map[string]any) {
	c.AbortWithStatusJSON(http.StatusBadGateway, NewAPIError(message, details))
}

// AbortWithUnavailable sends a 503 Service Unavailable response and aborts the request.
func AbortWithUnavailable(c *gin.Context, message string, details map[string]any) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, NewAPIError(message, details))
}

// AbortWithUpstream maps an error from the notifications API to a response.
// A rejected credential becomes 401; everything else is a 502 carrying the
// upstream status when there was one.
func AbortWithUpstream(c *gin.Context, message string, err error) {
	details := map[string]any{"cause": err.Error()}

	var httpErr *notifications.HTTPError
	if stderrors.As(err, &httpErr) {
		details["upstream_status"] = httpErr.StatusCode
	}

	if stderrors.Is(err, notifications.ErrUnauthorized) {
		AbortWithUnauthorized(c, message, details)
		return
	}
	AbortWithBadGateway(c, message, details)
}
