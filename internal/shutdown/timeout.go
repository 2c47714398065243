package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError marks a hook that ran past its deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shutdown operation %q timed out after %v", e.Operation, e.Timeout)
}

// PanicError marks a hook that panicked.
type PanicError struct {
	Operation string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("shutdown operation %q panicked: %v", e.Operation, e.Value)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// runWithTimeout executes fn with a deadline and panic recovery. A hook that
// overruns keeps running on its goroutine but its result is discarded.
func runWithTimeout(ctx context.Context, timeout time.Duration, name string, fn HookFunc) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Operation: name, Value: r}
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Operation: name, Timeout: timeout}
		}
		return ctx.Err()
	}
}
