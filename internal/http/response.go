package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/job"
)

// Envelope wraps every JSON response.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is the error half of Envelope.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	// Budget is set for budget_exceeded.
	Budget *BudgetDetail `json:"budget,omitempty"`
}

// FieldError is a field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// BudgetDetail describes the limit that denied admission.
type BudgetDetail struct {
	Scope     admission.Scope `json:"scope"`
	Key       string          `json:"key"`
	Limit     int64           `json:"limit"`
	Current   int64           `json:"current"`
	Remaining int64           `json:"remaining"`
}

// ValidationError is a request body that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	return "validation failed: " + e.Fields[0].Field + " " + e.Fields[0].Message
}

// JSON writes data in the envelope.
func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Data: data})
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, apiErr := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("path", c.Path()),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				zap.Error(err),
			)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		if jsonErr := c.JSON(status, Envelope{Error: &apiErr}); jsonErr != nil {
			logger.Error("failed to send error response", zap.Error(jsonErr))
		}
	}
}

// mapError is the one place errors become status codes.
func mapError(err error) (int, APIError) {
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{Code: codeFor(echoErr.Code), Message: msg}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, APIError{
			Code:    "validation_error",
			Message: "Validation failed",
			Details: validationErr.Fields,
		}
	}

	var budget *admission.BudgetExceeded
	if errors.As(err, &budget) {
		return http.StatusTooManyRequests, APIError{
			Code:    "budget_exceeded",
			Message: budget.Error(),
			Budget: &BudgetDetail{
				Scope:     budget.Scope,
				Key:       budget.Key,
				Limit:     budget.Limit,
				Current:   budget.Current,
				Remaining: budget.Remaining,
			},
		}
	}

	switch {
	case errors.Is(err, job.ErrJobNotFound):
		return http.StatusNotFound, APIError{Code: "not_found", Message: "job not found"}
	case errors.Is(err, job.ErrInvalidJob), errors.Is(err, job.ErrEmptyJobID):
		return http.StatusBadRequest, APIError{Code: "invalid_input", Message: err.Error()}
	case errors.Is(err, job.ErrJobTerminal):
		return http.StatusConflict, APIError{Code: "terminal", Message: err.Error()}
	case errors.Is(err, job.ErrInvalidTransition),
		errors.Is(err, job.ErrNotResubmittable),
		errors.Is(err, job.ErrRetryChainLimit),
		errors.Is(err, job.ErrJobExists):
		return http.StatusConflict, APIError{Code: "conflict", Message: err.Error()}
	case errors.Is(err, job.ErrManagerClosed):
		return http.StatusServiceUnavailable, APIError{Code: "unavailable", Message: "service is shutting down"}
	}
	return http.StatusInternalServerError, APIError{
		Code:    "internal_error",
		Message: "An unexpected error occurred",
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "body_too_large"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	return "http_error"
}
