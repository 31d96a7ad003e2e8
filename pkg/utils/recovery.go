package utils

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a recovered panic value as an error.
type PanicError struct {
	Value      interface{}
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func newPanicError(r interface{}) *PanicError {
	stack := string(debug.Stack())
	slog.Error("Recovered from panic", "panic", r, "stack", stack)
	return &PanicError{Value: r, StackTrace: stack}
}

// RecoverAsError converts a panic into an error stored in *errPtr.
// It must be deferred directly:
//
//	func doWork() (err error) {
//	    defer RecoverAsError(&err)
//	    ...
//	}
func RecoverAsError(errPtr *error) {
	if r := recover(); r != nil {
		*errPtr = newPanicError(r)
	}
}

// RecoverWithCallback recovers a panic and hands the resulting error to callback.
func RecoverWithCallback(callback func(error)) {
	if r := recover(); r != nil {
		err := newPanicError(r)
		if callback != nil {
			callback(err)
		}
	}
}

// SafeGoWithResult runs fn in a goroutine. The returned channel receives fn's
// error or a *PanicError, and is closed when fn finishes.
func SafeGoWithResult(fn func() error) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer RecoverWithCallback(func(err error) {
			errCh <- err
		})
		if err := fn(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}
