// Package policy maps unit execution failures to retry, backoff, and
// fallback decisions. The decision function is pure so the scheduler has a
// single branch point instead of retry logic scattered through dispatch.
package policy

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/weft/pkg/models"
)

// ExhaustedError indicates a unit failed every attempt allowed by its
// policy and the configured exhaustion action has fired.
type ExhaustedError struct {
	// UnitID is the exhausted unit.
	UnitID string
	// Attempts is the number of attempts made.
	Attempts int
	// Action is the exhaustion action that fired.
	Action models.ExhaustionAction
	// Err is the error from the final attempt.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("unit %s failed after %d attempt(s), action %s: %v",
		e.UnitID, e.Attempts, e.Action, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Decision is the engine's answer for one failed attempt.
type Decision struct {
	// Retry is true when another attempt should be made after Delay.
	Retry bool
	// Delay is the backoff to wait before the next attempt.
	Delay time.Duration
	// Action is the exhaustion action to apply when Retry is false.
	Action models.ExhaustionAction
}

// Decide maps a failed attempt to the next action. attempt is 1-based: the
// number of attempts already made, including the one that just failed.
func Decide(p models.FailurePolicy, attempt int) Decision {
	if attempt < p.MaxAttempts {
		return Decision{Retry: true, Delay: Backoff(p, attempt)}
	}

	action := p.OnExhausted
	if action == "" {
		action = models.ActionFail
	}
	return Decision{Action: action}
}

// Backoff returns the delay before the retry following the given attempt:
// exponential doubling from the base, bounded by the cap.
func Backoff(p models.FailurePolicy, attempt int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}

	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffCap > 0 && d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if p.BackoffCap > 0 && d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
