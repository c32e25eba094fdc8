// Package poll tracks a render job on the backend until it reaches a
// terminal status, using an adaptive interval schedule and a bounded
// attempt budget.
package poll

import "time"

// Policy configures the poll schedule and budget.
type Policy struct {
	// BaseInterval is the delay between the first rounds.
	BaseInterval time.Duration
	// Step is added to the interval every StepEvery attempts.
	Step time.Duration
	// StepEvery is the number of attempts between interval increases.
	StepEvery int
	// MaxInterval caps the interval.
	MaxInterval time.Duration
	// MaxAttempts is the attempt budget; reaching it ends polling with a timeout.
	MaxAttempts int
	// ErrorDelay replaces the schedule after a failed status request.
	ErrorDelay time.Duration
	// ErrorWindow is how close two failed requests must be to count as sustained failure.
	ErrorWindow time.Duration
	// ErrorPenalty is the extra attempts charged for a failure inside ErrorWindow.
	ErrorPenalty int
}

// DefaultPolicy returns the schedule used against the render backend:
// 2s growing by 1s every 10 attempts up to 5s, 120 attempts, 5s after
// errors and 3 extra attempts for errors less than 30s apart.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval: 2 * time.Second,
		Step:         1 * time.Second,
		StepEvery:    10,
		MaxInterval:  5 * time.Second,
		MaxAttempts:  120,
		ErrorDelay:   5 * time.Second,
		ErrorWindow:  30 * time.Second,
		ErrorPenalty: 3,
	}
}

// Interval returns the delay before the next round after a successful,
// non-terminal round, given the attempt count before it was incremented.
func (p Policy) Interval(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.BaseInterval
	if p.StepEvery > 0 {
		d += time.Duration(attempts/p.StepEvery) * p.Step
	}
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// MaxWait is an upper bound on the total time spent waiting between rounds
// for a single job. Every round consumes at least one attempt, so at most
// MaxAttempts-1 waits happen, and no wait exceeds the larger of MaxInterval
// and ErrorDelay.
func (p Policy) MaxWait() time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	longest := p.MaxInterval
	if p.ErrorDelay > longest {
		longest = p.ErrorDelay
	}
	return time.Duration(p.MaxAttempts-1) * longest
}
