package types

import (
	"errors"
	"fmt"
)

// The five error categories surfaced to callers. Every error leaving a
// component wraps exactly one of these so the transport can map it to an
// HTTP status and machine code.
var (
	// ErrValidation covers malformed specs/schemas, unknown types, missing
	// key columns, and out-of-bounds inputs. Never mutates state.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers absent entities, import runs, and workspaces.
	ErrNotFound = errors.New("not found")

	// ErrConflict covers duplicate entity creation and re-closing an
	// already-closed assertion.
	ErrConflict = errors.New("conflict")

	// ErrStore covers backing-store failures that survived retries.
	ErrStore = errors.New("store error")

	// ErrInternal covers invariant violations detected at runtime.
	ErrInternal = errors.New("internal error")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// Storef wraps ErrStore with a formatted message.
func Storef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStore}, args...)...)
}

// Internalf wraps ErrInternal with a formatted message.
func Internalf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)
}

// ErrorCode returns the machine-readable code for an error category.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStore):
		return "store_error"
	default:
		return "internal_error"
	}
}
