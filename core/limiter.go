package core

import "fmt"

// StepLimiter enforces the step-count ceiling of a turn: a provider that
// never naturally terminates the conversation must still be cut off after a
// bounded number of stream invocations.
type StepLimiter struct {
	max   int
	count int
}

// NewStepLimiter creates a limiter allowing at most max steps.
// If max <= 0, unlimited steps are allowed.
func NewStepLimiter(max int) *StepLimiter {
	return &StepLimiter{max: max}
}

// Increment consumes one step and returns an error once the limit is exceeded.
func (sl *StepLimiter) Increment() error {
	sl.count++
	if sl.max > 0 && sl.count > sl.max {
		return fmt.Errorf("exceeded max steps: %d", sl.max)
	}
	return nil
}

// Count returns the number of steps consumed.
func (sl *StepLimiter) Count() int { return sl.count }

// Remaining returns how many steps are left, or -1 if unlimited.
func (sl *StepLimiter) Remaining() int {
	if sl.max == 0 {
		return -1
	}
	return sl.max - sl.count
}
