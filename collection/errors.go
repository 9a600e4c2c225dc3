package collection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no case row exists for the identifier.
	ErrNotFound = errors.New("collection: case not found")
	// ErrConflict signals the stored version advanced past the one the writer read.
	ErrConflict = errors.New("collection: version conflict")
	// ErrActiveCaseExists is returned when a loan already has an open, in-progress or legal case.
	ErrActiveCaseExists = errors.New("collection: active case already exists for loan")
)

// ValidationError reports malformed input rejected at the API boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError carries the version the caller wrote against. It matches ErrConflict.
type ConflictError struct {
	CaseID          string
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("collection: version conflict on case %s (expected v%d)", e.CaseID, e.ExpectedVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// PolicyViolation is an operation rejected by business policy. It is never auto-corrected.
type PolicyViolation struct {
	Rule   string
	Detail string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation: %s: %s", e.Rule, e.Detail)
}

// Violation builds a PolicyViolation.
func Violation(rule, detail string) error {
	return &PolicyViolation{Rule: rule, Detail: detail}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsPolicyViolation(err error) bool {
	var v *PolicyViolation
	return errors.As(err, &v)
}
