package scenario

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAnswer is returned when every enabled candidate action for an
	// event ran and none produced a response.
	ErrNoAnswer = errors.New("scenario: action returned no answer")

	// ErrInvalidAnswer is returned when an action produced a response that
	// cannot be emitted.
	ErrInvalidAnswer = errors.New("scenario: action returned an invalid answer")

	// ErrCyclicExtend is returned when extending a scenario would form a cycle.
	ErrCyclicExtend = errors.New("scenario: cyclic extend")

	// ErrUnknownType is returned by the factory for an unregistered type tag.
	ErrUnknownType = errors.New("scenario: unknown type")

	// ErrUnknownCallback is returned when a callback id is not outstanding.
	ErrUnknownCallback = errors.New("scenario: unknown callback")
)

// panicError converts a recovered panic into an error.
func panicError(what, name string, r any) error {
	return fmt.Errorf("scenario: %s %s panicked: %v", what, name, r)
}
