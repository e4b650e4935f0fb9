package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/storyloom/loom/pkg/services"
)

// ErrorDetail is the body of every error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the error envelope: {"detail": {"code", "message"}}.
type ErrorResponse struct {
	Detail ErrorDetail `json:"detail"`
}

// statusFor maps a domain error code to its HTTP status.
func statusFor(code services.Code) int {
	switch code {
	case services.CodeBadRequest, services.CodeMissingIdempotencyKey:
		return http.StatusBadRequest
	case services.CodeUnauthorized:
		return http.StatusUnauthorized
	case services.CodeForbidden:
		return http.StatusForbidden
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeRequestInProgress,
		services.CodeIdempotencyPayloadMismatch,
		services.CodeSessionStepConflict,
		services.CodeRuntimeConflict:
		return http.StatusConflict
	case services.CodeInvalidChoice, services.CodeChoiceLocked:
		return http.StatusUnprocessableEntity
	case services.CodeLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler is the single translation point from domain errors to
// HTTP responses. Anything that is not a services.Error or an
// echo.HTTPError is treated as an internal failure.
func errorHandler(c *echo.Context, err error) {
	// Once the response has been written (SSE streams, for instance)
	// there is nothing left to translate.
	if rw, ok := c.Response().(interface{ Written() bool }); ok && rw.Written() {
		return
	}

	detail := ErrorDetail{Code: string(services.CodeStepFailed), Message: "internal server error"}
	status := http.StatusInternalServerError

	var de *services.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &de):
		detail.Code = string(de.Code)
		detail.Message = de.Message
		status = statusFor(de.Code)
	case errors.As(err, &he):
		// Router-level errors: unknown routes, method mismatches.
		status = he.Code
		detail.Message = fmt.Sprintf("%v", he.Message)
		switch status {
		case http.StatusNotFound:
			detail.Code = string(services.CodeNotFound)
		case http.StatusMethodNotAllowed, http.StatusBadRequest:
			detail.Code = string(services.CodeBadRequest)
		}
	default:
		slog.Error("Unhandled request error", "error", err, "path", c.Request().URL.Path)
	}

	if writeErr := c.JSON(status, ErrorResponse{Detail: detail}); writeErr != nil {
		slog.Error("Failed to write error response", "error", writeErr)
	}
}
