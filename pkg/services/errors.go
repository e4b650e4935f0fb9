package services

import (
	"errors"
	"fmt"
)

// Code is the stable domain identifier of a step or session outcome.
// The HTTP layer maps codes to status codes in exactly one place.
type Code string

const (
	CodeBadRequest                 Code = "BAD_REQUEST"
	CodeMissingIdempotencyKey      Code = "MISSING_IDEMPOTENCY_KEY"
	CodeInvalidChoice              Code = "INVALID_CHOICE"
	CodeChoiceLocked               Code = "CHOICE_LOCKED"
	CodeForbidden                  Code = "FORBIDDEN"
	CodeUnauthorized               Code = "UNAUTHORIZED"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeRequestInProgress          Code = "REQUEST_IN_PROGRESS"
	CodeIdempotencyPayloadMismatch Code = "IDEMPOTENCY_PAYLOAD_MISMATCH"
	CodeSessionStepConflict        Code = "SESSION_STEP_CONFLICT"
	CodeRuntimeConflict            Code = "RUNTIME_CONFLICT"
	CodeLLMUnavailable             Code = "LLM_UNAVAILABLE"
	CodeStreamAborted              Code = "STREAM_ABORTED"
	CodeStepFailed                 Code = "STEP_FAILED"
)

// Error is a domain error carrying its code in-band. Stage names the
// pipeline stage that raised it, when that distinction matters.
type Error struct {
	Code    Code
	Message string
	Stage   string
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a domain error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EStage builds a domain error annotated with a pipeline stage.
func EStage(code Code, stage, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stage: stage}
}

// CodeOf extracts the domain code; unclassified errors report
// STEP_FAILED, which is also what the idempotency row records.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeStepFailed
}
