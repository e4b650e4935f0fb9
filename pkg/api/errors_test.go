package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/services"
)

func TestStatusFor(t *testing.T) {
	for code, want := range map[services.Code]int{
		services.CodeBadRequest:                 http.StatusBadRequest,
		services.CodeMissingIdempotencyKey:      http.StatusBadRequest,
		services.CodeUnauthorized:               http.StatusUnauthorized,
		services.CodeForbidden:                  http.StatusForbidden,
		services.CodeNotFound:                   http.StatusNotFound,
		services.CodeRequestInProgress:          http.StatusConflict,
		services.CodeIdempotencyPayloadMismatch: http.StatusConflict,
		services.CodeSessionStepConflict:        http.StatusConflict,
		services.CodeRuntimeConflict:            http.StatusConflict,
		services.CodeInvalidChoice:              http.StatusUnprocessableEntity,
		services.CodeChoiceLocked:               http.StatusUnprocessableEntity,
		services.CodeLLMUnavailable:             http.StatusServiceUnavailable,
		services.CodeStepFailed:                 http.StatusInternalServerError,
		services.CodeStreamAborted:              http.StatusInternalServerError,
	} {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}

func runErrorHandler(t *testing.T, err error) (*httptest.ResponseRecorder, ErrorDetail) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest("GET", "/", nil), rec)

	errorHandler(c, err)

	var env ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env.Detail
}

func TestErrorHandlerDomainError(t *testing.T) {
	rec, detail := runErrorHandler(t, services.E(services.CodeChoiceLocked, "choice c_confide is locked"))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(services.CodeChoiceLocked), detail.Code)
	assert.Equal(t, "choice c_confide is locked", detail.Message)
}

func TestErrorHandlerUnknownError(t *testing.T) {
	rec, detail := runErrorHandler(t, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(services.CodeStepFailed), detail.Code)
	// Internals never leak to clients.
	assert.Equal(t, "internal server error", detail.Message)
}

func TestErrorHandlerRouterError(t *testing.T) {
	rec, detail := runErrorHandler(t, echo.NewHTTPError(http.StatusNotFound, "route not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(services.CodeNotFound), detail.Code)
}
