package types

import (
	"errors"
	"fmt"
)

// ErrDataUnavailable aborts a unit when no candles cover the requested window.
var ErrDataUnavailable = errors.New("no candle data for the requested window")

// ValidationError rejects strategy source before any execution. It names the
// first offending construct and its position so it can be shown to the user.
type ValidationError struct {
	// Construct is the offending construct, e.g. "load statement".
	Construct string
	// Pos is a file:line:col style position, empty when not applicable.
	Pos     string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("validation failed at %s: %s", e.Pos, e.Message)
	}

	return fmt.Sprintf("validation failed: %s", e.Message)
}

// InitError aborts a single unit when the strategy constructor fails or
// exceeds its time budget.
type InitError struct {
	Timeout bool
	Err     error
}

func (e *InitError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("strategy initialization timed out: %v", e.Err)
	}

	return fmt.Sprintf("strategy initialization failed: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// RunError aborts a single unit from the bar it occurred at. Trades recorded
// before the failure are preserved.
type RunError struct {
	Hook  string
	Index int
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("strategy %s failed at bar %d: %v", e.Hook, e.Index, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// RejectError reports why an order was refused. Rejections are silent no-ops
// at the strategy boundary: state is left byte-for-byte unchanged and no
// trade is recorded.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "order rejected: " + e.Reason }

// IsRejection reports whether err is an order rejection.
func IsRejection(err error) bool {
	var re *RejectError

	return errors.As(err, &re)
}
