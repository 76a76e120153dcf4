package callstack

import "github.com/pkg/errors"

var (
	// ErrUnknownCallstackID is returned when an event or a query references a callstack id
	// that was never added.
	ErrUnknownCallstackID = errors.New("unknown callstack id")
	// ErrInvariantViolation is returned when a producer tries to register a different
	// callstack under an id that is already taken.
	ErrInvariantViolation = errors.New("callstack invariant violation")
)
