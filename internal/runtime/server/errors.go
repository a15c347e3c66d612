package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Twisside/PAD-breaker/internal/runtime/envelope"
	errs "github.com/Twisside/PAD-breaker/internal/runtime/errors"
	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

// ErrResponse is the body of every error reply.
type ErrResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusFor maps broker errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errs.IsServiceUnavailable(err):
		return http.StatusServiceUnavailable
	case errs.IsDeliveryFailed(err):
		return http.StatusBadGateway
	case errors.Is(err, envelope.ErrEmptyBody),
		errors.Is(err, envelope.ErrInvalidJSON),
		errors.Is(err, envelope.ErrInvalidProtobuf),
		errors.Is(err, errs.ErrTopicRequired),
		errors.Is(err, errs.ErrServiceNameRequired),
		errors.Is(err, errs.ErrInstanceURLRequired):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// errorMessage names the failure class for the client.
func errorMessage(err error) string {
	switch {
	case errs.IsServiceUnavailable(err):
		return "ServiceUnavailable"
	case errs.IsDeliveryFailed(err):
		return "DeliveryFailed"
	case errors.Is(err, envelope.ErrInvalidProtobuf), errors.Is(err, envelope.ErrEmptyBody):
		return "Invalid Protobuf format"
	case errors.Is(err, envelope.ErrInvalidJSON):
		return "Invalid JSON format"
	}
	return err.Error()
}

func newErrorHandler(log logging.ServiceLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   ErrResponse
		)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				body.Error = m
			} else {
				body.Error = http.StatusText(he.Code)
			}
			if he.Internal != nil {
				body.Details = he.Internal.Error()
			}
		} else {
			status = statusFor(err)
			body.Error = errorMessage(err)
			if body.Error != err.Error() {
				body.Details = err.Error()
			}
		}

		if status >= http.StatusInternalServerError {
			log.Error("HTTP request error", err, logging.LogFields{
				"method": c.Request().Method,
				"path":   c.Path(),
				"status": status,
			})
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}
