package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic converts a recovered value into a fatal processor error that
// carries the stack trace in its details.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = fmt.Errorf("panic: %w", v)
	case string:
		err = fmt.Errorf("panic: %s", v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}

	return ErrProcessor.
		WithCause(err).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}
