package hotswap

import (
	"context"
	"fmt"
	"time"
)

const (
	waiterTimeout = "TimeoutError"
	waiterAbort   = "AbortError"
)

// WaiterError is returned when a resource never reached the awaited state,
// either because a poll limit ran out or because it entered a failure state
type WaiterError struct {
	Name   string
	State  string
	Reason string
}

func (e *WaiterError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: waiter state %s", e.Name, e.State)
	}
	return fmt.Sprintf("%s: waiter state %s: %s", e.Name, e.State, e.Reason)
}

// ApplyError is the form a WaiterError takes once reported by the executor
type ApplyError struct {
	Name   string
	State  string
	Reason string
	Err    error
}

func (e *ApplyError) Error() string {
	msg := "Resource is not in the expected state due to waiter status: " + e.State + "."
	if e.Reason != "" {
		msg += " " + e.Reason + "."
	}
	return msg
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

func abortf(state, format string, args ...any) *WaiterError {
	return &WaiterError{Name: waiterAbort, State: state, Reason: fmt.Sprintf(format, args...)}
}

// waitFor calls check every delay until it reports done, returns an error or
// maxAttempts checks have happened
func waitFor(ctx context.Context, delay time.Duration, maxAttempts int, check func(context.Context) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		done, err := check(ctx)
		if err != nil || done {
			return err
		}
		if attempt >= maxAttempts {
			return &WaiterError{
				Name:   waiterTimeout,
				State:  "TIMEOUT",
				Reason: fmt.Sprintf("gave up after %d attempts", attempt),
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
