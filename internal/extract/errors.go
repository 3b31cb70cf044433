package extract

import (
	"errors"
	"fmt"
)

// Kind classifies extraction failures.
type Kind string

// Failure kinds.
const (
	KindUnreachable    Kind = "unreachable"
	KindSchemaMismatch Kind = "schema_mismatch"
	KindModel          Kind = "model"
)

// Error is returned by every Gateway method.
type Error struct {
	Kind   Kind
	Target string
	Schema string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s from %s: %s: %v", e.Schema, e.Target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var extractErr *Error
	if errors.As(err, &extractErr) {
		return extractErr.Kind
	}
	return ""
}
