package subscription

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ValidationError rejects a Subscription write. Reason is shown to the client
// unchanged.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedResourceTypeError is the ValidationError for criteria naming a
// type the server cannot resolve or store.
type UnsupportedResourceTypeError struct {
	ValidationError
	Type string
}

func newUnsupportedResourceType(typ string) *UnsupportedResourceTypeError {
	return &UnsupportedResourceTypeError{
		ValidationError: ValidationError{Reason: "criteria contains invalid/unsupported resource type: " + typ},
		Type:            typ,
	}
}

func (e *UnsupportedResourceTypeError) Unwrap() error { return &e.ValidationError }

// IndexInconsistencyError means index entries were about to be removed for a
// resource whose latest version is not a deletion.
type IndexInconsistencyError struct {
	ResourcePID uuid.UUID
	ID          string
	Version     int
}

func (e *IndexInconsistencyError) Error() string {
	return fmt.Sprintf("subscription index: %s (pid %s) version %d is not deleted", e.ID, e.ResourcePID, e.Version)
}

// IsValidationError reports whether err rejects the write as invalid input.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
