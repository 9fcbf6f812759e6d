// Package jobs runs units of work inside their own job scope.
//
// Every run gets a fresh job container derived from the app container, so
// job-scoped singletons never leak into the app scope and are torn down as
// soon as the run finishes. Progress is reported on the event bus: JOB_START
// is dispatched once per run and JOB_STATUS is enqueued on every state change.
package jobs

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job run
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Done reports whether s is a final state
func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed
}

// RetryStrategy defines how the delay between attempts grows
type RetryStrategy string

const (
	RetryStrategyExponential RetryStrategy = "exponential"
	RetryStrategyLinear      RetryStrategy = "linear"
	RetryStrategyFixed       RetryStrategy = "fixed"
)

// RetryPolicy defines how often and how quickly a failed job is retried.
// The zero value never retries.
type RetryPolicy struct {
	MaxRetries   int
	Strategy     RetryStrategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy retries three times with exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		Strategy:     RetryStrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

// CalculateDelay returns the delay before the given retry attempt (1-based)
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case RetryStrategyExponential:
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	case RetryStrategyLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	default:
		delay = p.InitialDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Job is a unit of work. Func is resolved like a constructor: its parameters
// are injected from the job container, its first non-error result becomes
// the run's result and a non-nil error return fails the attempt.
type Job struct {
	Name string
	Func any
	// Bindings are provided (constructors) or supplied (values) into the job
	// scope of every run, after the runner's own bindings.
	Bindings []any
	Retry    RetryPolicy
	Tags     []string
}

// Status describes one run of a job. The runner publishes copies, so a
// Status received from the bus never changes afterwards.
type Status struct {
	ID         uuid.UUID
	Name       string
	State      State
	Attempts   int
	Result     any
	Err        error
	Tags       []string
	StartedAt  time.Time
	FinishedAt time.Time
}

func newStatus(job Job) *Status {
	return &Status{
		ID:    uuid.New(),
		Name:  job.Name,
		State: StatePending,
		Tags:  append([]string(nil), job.Tags...),
	}
}

// Duration returns how long the run took, or has taken so far
func (s *Status) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *Status) snapshot() *Status {
	cp := *s
	cp.Tags = append([]string(nil), s.Tags...)
	return &cp
}
