// Package apperror provides the categorized error type shared by the
// screening and review pipeline, the classifier that produces it from raw
// failures, and the mapping of categories onto HTTP status codes.
package apperror

import (
	"errors"
	"fmt"
)

// Category is the fixed failure taxonomy.
type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryExternalService Category = "external_service"
	CategoryValidation      Category = "validation"
	CategoryPermission      Category = "permission"
	CategoryTimeout         Category = "timeout"
	CategoryUnknown         Category = "unknown"
)

// Retryable reports whether failures of this category may succeed on a later attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryExternalService, CategoryTimeout:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	return string(c)
}

// Code is a machine-readable reason refining a category.
type Code string

const (
	CodeNone              Code = ""
	CodeJobAlreadyActive  Code = "job_already_active"
	CodeNotFound          Code = "not_found"
	CodeInvalidTransition Code = "invalid_transition"
	CodeMissingFields     Code = "missing_fields"
	CodeMalformedPayload  Code = "malformed_payload"
	CodeSuperseded        Code = "superseded"
	CodeForbidden         Code = "forbidden"
	CodeUnauthenticated   Code = "unauthenticated"
	CodeEngineFailed      Code = "engine_failed"
	CodeBudgetExceeded    Code = "budget_exceeded"
	CodeDuplicateReview   Code = "duplicate_review"
	CodeOrphaned          Code = "orphaned"
)

// AppError is an immutable, categorized failure. Construct it with New, Wrap
// or Classify and derive variants with With instead of mutating fields.
type AppError struct {
	Category  Category       `json:"category"`
	Code      Code           `json:"code,omitempty"`
	Message   string         `json:"message"`
	Operation string         `json:"operation,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Retryable bool           `json:"retryable"`
	Cause     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s", e.Operation, e.Message)
	}
	if e.Message == "" {
		return string(e.Category)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another *AppError by category and, when the target sets one, by code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if t.Category != e.Category {
		return false
	}
	return t.Code == CodeNone || t.Code == e.Code
}

// With returns a copy of e with key set in its context.
func (e *AppError) With(key string, value any) *AppError {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// WithOperation returns a copy of e attributed to op.
func (e *AppError) WithOperation(op string) *AppError {
	cp := *e
	cp.Operation = op
	return &cp
}

func New(category Category, code Code, message string) *AppError {
	return &AppError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: category.Retryable(),
	}
}

func Wrap(category Category, code Code, message string, cause error) *AppError {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

func Validation(code Code, message string) *AppError {
	return New(CategoryValidation, code, message)
}

func Permission(message string) *AppError {
	return New(CategoryPermission, CodeForbidden, message)
}

func NotFound(what, id string) *AppError {
	return New(CategoryValidation, CodeNotFound, fmt.Sprintf("%s %s not found", what, id)).With("id", id)
}

// From extracts the *AppError carried by err, if any.
func From(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an *AppError with the given code.
func HasCode(err error, code Code) bool {
	appErr, ok := From(err)
	return ok && appErr.Code == code
}

// Sentinels usable with errors.Is.
var (
	ErrValidation = &AppError{Category: CategoryValidation}
	ErrPermission = &AppError{Category: CategoryPermission}
	ErrTimeout    = &AppError{Category: CategoryTimeout}
	ErrConflict   = &AppError{Category: CategoryValidation, Code: CodeJobAlreadyActive}
	ErrNotFound   = &AppError{Category: CategoryValidation, Code: CodeNotFound}
)
