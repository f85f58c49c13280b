package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/fleetrent/internal/ports"
	"evalgo.org/fleetrent/internal/rental"
	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/internal/validation"
)

// APIError represents a structured API error with HTTP status code.
type APIError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	FieldError map[string]string      `json:"field_errors,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewAPIError creates a new API error.
func NewAPIError(code int, message string, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Common error constructors
func BadRequestError(message, details string) *APIError {
	return NewAPIError(http.StatusBadRequest, message, details)
}

func NotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Context: map[string]interface{}{"id": id},
	}
}

func ValidationError(message string, fieldErrors map[string]string) *APIError {
	return &APIError{
		Code:       http.StatusBadRequest,
		Message:    message,
		FieldError: fieldErrors,
	}
}

func InternalError(message, details string) *APIError {
	return NewAPIError(http.StatusInternalServerError, message, details)
}

func ConflictError(message, details string) *APIError {
	return NewAPIError(http.StatusConflict, message, details)
}

func UnavailableError(message, details string) *APIError {
	return NewAPIError(http.StatusServiceUnavailable, message, details)
}

// domainStatus maps core errors to HTTP status codes and messages.
var domainStatus = []struct {
	err     error
	code    int
	message string
}{
	{rental.ErrInvalidRequest, http.StatusBadRequest, "Invalid rental request"},
	{rental.ErrNodeNotFound, http.StatusNotFound, "Node not found"},
	{rental.ErrRenterNotFound, http.StatusNotFound, "Renter not found"},
	{rental.ErrRentalNotFound, http.StatusNotFound, "Rental not found"},
	{storage.ErrNotFound, http.StatusNotFound, "Resource not found"},
	{rental.ErrNodeUnavailable, http.StatusConflict, "Node unavailable"},
	{rental.ErrRentalNotActive, http.StatusConflict, "Rental not active"},
	{rental.ErrInsufficientBalance, http.StatusPaymentRequired, "Insufficient balance"},
	{rental.ErrDispatchFailed, http.StatusServiceUnavailable, "Node unreachable"},
	{ports.ErrPortRangeExhausted, http.StatusServiceUnavailable, "No tunnel ports available"},
	{rental.ErrUnauthorized, http.StatusForbidden, "Forbidden"},
}

// toAPIError converts any handler error into an APIError.
func toAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return &APIError{
			Code:    he.Code,
			Message: getHTTPMessage(he.Code),
			Details: fmt.Sprintf("%v", he.Message),
		}
	}

	var vr *validation.ValidationResult
	if errors.As(err, &vr) {
		return ValidationError("Validation failed", vr.Fields())
	}

	for _, d := range domainStatus {
		if errors.Is(err, d.err) {
			return NewAPIError(d.code, d.message, err.Error())
		}
	}

	return InternalError("Internal server error", err.Error())
}

// HTTPErrorHandler is a custom error handler for Echo.
func HTTPErrorHandler(err error, c echo.Context) {
	// Don't send response if already sent
	if c.Response().Committed {
		return
	}

	apiErr := toAPIError(err)

	// Don't expose internal errors in production
	if apiErr.Code == http.StatusInternalServerError && !c.Echo().Debug {
		apiErr = &APIError{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Details: "An internal error occurred. Please try again later.",
		}
	}

	if err := c.JSON(apiErr.Code, apiErr); err != nil {
		c.Logger().Error(err)
	}
}

// getHTTPMessage returns a user-friendly message for HTTP status codes.
func getHTTPMessage(code int) string {
	messages := map[int]string{
		http.StatusBadRequest:          "Bad request",
		http.StatusUnauthorized:        "Unauthorized",
		http.StatusPaymentRequired:     "Payment required",
		http.StatusForbidden:           "Forbidden",
		http.StatusNotFound:            "Resource not found",
		http.StatusMethodNotAllowed:    "Method not allowed",
		http.StatusConflict:            "Conflict",
		http.StatusUnprocessableEntity: "Unprocessable entity",
		http.StatusTooManyRequests:     "Too many requests",
		http.StatusInternalServerError: "Internal server error",
		http.StatusBadGateway:          "Bad gateway",
		http.StatusServiceUnavailable:  "Service unavailable",
	}

	if msg, ok := messages[code]; ok {
		return msg
	}
	return http.StatusText(code)
}
