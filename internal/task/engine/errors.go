package engine

import (
	"errors"
	"fmt"
)

// PanicError is the fault recorded when an action panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err came from a recovered action panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
