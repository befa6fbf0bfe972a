package scheduler

import (
	"fmt"
	"runtime/debug"
)

type panicError struct {
	value any
	stack string
}

func newPanicError(value any) panicError {
	return panicError{value: value, stack: string(debug.Stack())}
}

func (e panicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.value)
}
