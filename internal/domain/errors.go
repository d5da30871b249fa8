package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the repository and service layers. Handlers map
// these onto HTTP statuses, so new kinds should be added here rather than
// invented ad hoc at call sites.
var (
	ErrSchemaNotFound       = errors.New("schema not found")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrVersionNotFound      = errors.New("version not found")
	ErrVersionNotRevertable = errors.New("version is not revertable")
	ErrNoStateAtVersion     = errors.New("no document state recorded at version")
	ErrVersionConflict      = errors.New("version already assigned for document")
	ErrLogPersistence       = errors.New("audit log persistence failure")
)

// ValidationError reports caller mistakes (bad operation kind, malformed
// pagination, non-positive version numbers). It is never retried and never
// produces an audit entry.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is one of the not-found kinds, letting
// handlers collapse them into a 404 without enumerating sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSchemaNotFound) ||
		errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrVersionNotFound)
}
