// Package retry drives a failing event through bounded exponential backoff
// and, when the budget is exhausted or the failure is permanent, hands it
// to the dead-letter channel.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	synce "github.com/relaystack/duplex/internal/sync"
)

// State is the terminal state of one event's processing.
type State string

const (
	// StateDone means the write succeeded.
	StateDone State = "done"

	// StateDeadLettered means the event was handed to the dead-letter
	// channel, either immediately (non-retryable) or after exhausting
	// the retry budget.
	StateDeadLettered State = "dead_lettered"

	// StateAborted means shutdown interrupted the backoff wait. The
	// event reached no terminal state; its offset must not be committed
	// so the transport redelivers it on restart.
	StateAborted State = "aborted"
)

// Policy bounds the retry budget.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultPolicy returns the standard budget: 3 attempts, 1s initial delay
// doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Backoff returns the wait before re-running after the attempt-th failure
// (1-based): min(initial * multiplier^(attempt-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Failure carries the final error's details into the dead-letter message.
type Failure struct {
	Message    string
	Kind       string
	RetryCount int
	FailedAt   time.Time
}

// Publisher emits permanently-failed events to the dead-letter channel.
type Publisher interface {
	Publish(ctx context.Context, ev *synce.Event, failure Failure) error
}

// Outcome is the result of driving one event to a terminal state.
type Outcome struct {
	State    State
	Attempts int
	Err      error
}

// Executor runs the per-event retry state machine. The backoff sleep
// blocks only the pipeline that owns the failing event.
type Executor struct {
	policy Policy
	dlq    Publisher
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor with the given policy and dead-letter
// publisher.
func NewExecutor(policy Policy, dlq Publisher, logger *slog.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		policy: policy,
		dlq:    dlq,
		logger: logger.With("component", "retry"),
		sleep:  sleepCtx,
	}
}

// Execute runs attempt until it succeeds, the failure proves permanent, or
// the budget runs out. Dead-lettering is itself best-effort: a publish
// failure is logged and the outcome stays DeadLettered.
func (e *Executor) Execute(ctx context.Context, ev *synce.Event, attempt func(ctx context.Context) error) Outcome {
	for n := 1; ; n++ {
		err := attempt(ctx)
		if err == nil {
			return Outcome{State: StateDone, Attempts: n}
		}

		kind := synce.Kind(err)
		if !synce.IsRetryable(err) {
			e.logger.Warn("non-retryable failure, dead-lettering",
				"event_id", ev.EventID,
				"entity_type", ev.EntityType,
				"error_kind", kind,
				"error", err,
			)
			e.deadLetter(ctx, ev, err, n)
			return Outcome{State: StateDeadLettered, Attempts: n, Err: err}
		}

		if n >= e.policy.MaxAttempts {
			e.logger.Warn("retry budget exhausted, dead-lettering",
				"event_id", ev.EventID,
				"entity_type", ev.EntityType,
				"attempts", n,
				"error_kind", kind,
				"error", err,
			)
			e.deadLetter(ctx, ev, err, n)
			return Outcome{State: StateDeadLettered, Attempts: n, Err: err}
		}

		delay := e.policy.Backoff(n)
		e.logger.Info("retryable failure, backing off",
			"event_id", ev.EventID,
			"attempt", n,
			"delay", delay,
			"error_kind", kind,
			"error", err,
		)

		if err := e.sleep(ctx, delay); err != nil {
			return Outcome{State: StateAborted, Attempts: n, Err: err}
		}
	}
}

func (e *Executor) deadLetter(ctx context.Context, ev *synce.Event, cause error, attempts int) {
	failure := Failure{
		Message:    cause.Error(),
		Kind:       synce.Kind(cause),
		RetryCount: attempts,
		FailedAt:   time.Now().UTC(),
	}

	if err := e.dlq.Publish(ctx, ev, failure); err != nil {
		// Losing observability of a dead-lettered event must not halt
		// the pipeline.
		e.logger.Error("dead-letter publish failed",
			"event_id", ev.EventID,
			"entity_type", ev.EntityType,
			"error", err,
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
