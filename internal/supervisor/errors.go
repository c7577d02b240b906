package supervisor

import (
	"errors"
	"fmt"
)

// Sentinel errors for the control surface. Callers map these onto their own
// failure codes; everything else is an internal fault.
var (
	// ErrDormant rejects operations on an instance parked in sleep mode.
	ErrDormant = errors.New("instance is dormant")
	// ErrBudgetExhausted rejects starts when either budget dimension is
	// spent.
	ErrBudgetExhausted = errors.New("budget exhausted")
	// ErrPlanLimitExceeded rejects top-ups that would push the total time
	// budget past the plan ceiling.
	ErrPlanLimitExceeded = errors.New("plan limit exceeded")
	// ErrRecoveryUnavailable rejects manual recovery when it does not
	// apply: the instance is not dormant, or the owner's daily recovery is
	// already spent.
	ErrRecoveryUnavailable = errors.New("recovery unavailable")
)

// SpawnError wraps an OS-level launch failure.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("failed to spawn process: %v", e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }
