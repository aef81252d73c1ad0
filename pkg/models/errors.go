package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable classification surfaced in every
// response envelope error block.
type ErrorCode string

const (
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"
	ErrCodeMissingParent       ErrorCode = "MISSING_PARENT"
	ErrCodeInvalidAction       ErrorCode = "INVALID_ACTION"
	ErrCodeValidation          ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvariantViolation  ErrorCode = "INVARIANT_VIOLATION"
	ErrCodeDependencyCycle     ErrorCode = "DEPENDENCY_CYCLE"
	ErrCodeCircularInheritance ErrorCode = "CIRCULAR_INHERITANCE"
	ErrCodeConflictingState    ErrorCode = "CONFLICTING_STATE"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Sentinel errors shared by repositories and services.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AppError carries a classified domain error through the service layers to
// the envelope formatter. Details holds structured payload such as the
// blocking ids behind a completion-gate failure.
type AppError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match the shared sentinels and other AppErrors by code.
func (e *AppError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == ErrCodeNotFound
	case ErrAlreadyExists:
		return e.Code == ErrCodeAlreadyExists
	}
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewAppError builds an AppError with a formatted message.
func NewAppError(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewNotFound(entity, id string) *AppError {
	return NewAppError(ErrCodeNotFound, "%s %s not found", entity, id)
}

func NewAlreadyExists(entity, id string) *AppError {
	return NewAppError(ErrCodeAlreadyExists, "%s %s already exists", entity, id)
}

func NewMissingParent(level, id string) *AppError {
	return NewAppError(ErrCodeMissingParent, "parent context %s:%s does not exist", level, id)
}

func NewValidation(format string, args ...interface{}) *AppError {
	return NewAppError(ErrCodeValidation, format, args...)
}

func NewInvalidAction(tool, action string) *AppError {
	return NewAppError(ErrCodeInvalidAction, "unknown action %q for tool %q", action, tool)
}

// NewInvariantViolation reports a gate failure; blocking ids land in Details
// under blockingKey so callers can surface them verbatim.
func NewInvariantViolation(message, blockingKey string, blockingIDs []string) *AppError {
	e := NewAppError(ErrCodeInvariantViolation, "%s", message)
	if blockingKey != "" {
		e.WithDetail(blockingKey, blockingIDs)
	}
	return e
}

func NewDependencyCycle(taskID, dependsOnID string) *AppError {
	return NewAppError(ErrCodeDependencyCycle,
		"adding dependency %s -> %s would create a cycle", taskID, dependsOnID).
		WithDetail("task_id", taskID).
		WithDetail("depends_on", dependsOnID)
}

func NewCircularInheritance(key string) *AppError {
	return NewAppError(ErrCodeCircularInheritance,
		"context %s appears twice in its own inheritance chain", key).
		WithDetail("context", key)
}

func NewConflictingState(format string, args ...interface{}) *AppError {
	return NewAppError(ErrCodeConflictingState, format, args...)
}

// CodeOf classifies an arbitrary error, unwrapping as needed. Unclassified
// errors map to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return ErrCodeAlreadyExists
	case isDeadline(err):
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// AsAppError converts any error into an AppError suitable for the envelope.
// Internal errors get a generic message; the original stays in the logs.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	code := CodeOf(err)
	msg := err.Error()
	if code == ErrCodeInternal {
		msg = "internal error"
	}
	return &AppError{Code: code, Message: msg}
}
