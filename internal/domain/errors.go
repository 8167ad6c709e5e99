package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the core to the HTTP shim. Wrap with context
// via fmt.Errorf("...: %w", Err...); the shim maps with errors.Is:
// NotFound→404, Validation→400, Authorization→403, anything else→500 with
// a scrubbed message. Upstream and script failures are never errors here —
// they travel as data on ProxyResponse and RunIteration.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
)

// NotFoundf wraps ErrNotFound with a formatted resource description.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Validationf wraps ErrValidation with a formatted rule violation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Authorizationf wraps ErrAuthorization with a formatted denial reason.
func Authorizationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAuthorization)...)
}
