package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Policy controls retry behavior with exponential backoff and a per-attempt
// timeout.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// BaseDelay is the wait before the first retry. Default: 1s.
	BaseDelay time.Duration

	// BackoffFactor scales the delay after each attempt. Default: 2.0.
	BackoffFactor float64

	// MaxDelay caps the backoff duration. Default: 30s.
	MaxDelay time.Duration

	// AttemptTimeout bounds a single attempt. Zero means only the parent
	// context bounds it.
	AttemptTimeout time.Duration

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.
	JitterFraction float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// NewPolicy builds a policy from the millisecond settings in the config
// file. Non-positive values fall back to DefaultPolicy.
func NewPolicy(maxAttempts, baseDelayMs, maxDelayMs int, backoffFactor, jitterFraction float64) Policy {
	return Policy{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Duration(baseDelayMs) * time.Millisecond,
		BackoffFactor:  backoffFactor,
		MaxDelay:       time.Duration(maxDelayMs) * time.Millisecond,
		JitterFraction: jitterFraction,
	}.WithDefaults()
}

// WithDefaults fills zero or negative fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.AttemptTimeout < 0 {
		p.AttemptTimeout = 0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// WithAttemptTimeout returns a copy of p with the per-attempt timeout set.
func (p Policy) WithAttemptTimeout(d time.Duration) Policy {
	p.AttemptTimeout = d
	return p
}

// Backoff returns the wait after the given failed attempt (1-based):
// min(BaseDelay * BackoffFactor^(attempt-1), MaxDelay), without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	jitterRange := float64(d) * p.JitterFraction
	delay := float64(d) + (rand.Float64()*2-1)*jitterRange // [-jitterRange, +jitterRange]
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// AttemptState is the state of one retried call:
// pending → retrying(n) → succeeded | failed.
type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptRetrying  AttemptState = "retrying"
	AttemptSucceeded AttemptState = "succeeded"
	AttemptFailed    AttemptState = "failed"
)

var attemptTransitions = map[AttemptState][]AttemptState{
	AttemptPending:  {AttemptRetrying, AttemptFailed},
	AttemptRetrying: {AttemptRetrying, AttemptSucceeded, AttemptFailed},
}

// CanTransition reports whether the move from s to next is allowed.
func (s AttemptState) CanTransition(next AttemptState) bool {
	for _, allowed := range attemptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StopReason says why a retried call ended.
type StopReason string

const (
	StopSucceeded StopReason = "succeeded"
	StopPermanent StopReason = "permanent"
	StopExhausted StopReason = "exhausted"
	StopCancelled StopReason = "cancelled"
)

// Outcome records how a retried call went. Attempts is the number of times
// fn was called; LastErr is the error of the last failed attempt, kept even
// when a later attempt succeeded.
type Outcome struct {
	State    AttemptState
	Reason   StopReason
	Attempts int
	LastErr  error
	Delays   []time.Duration
	Duration time.Duration
}

// Err returns the error that ended the call, or nil on success.
func (o Outcome) Err() error {
	if o.State == AttemptSucceeded {
		return nil
	}
	return o.LastErr
}

func (o *Outcome) moveTo(next AttemptState) {
	if !o.State.CanTransition(next) {
		panic(fmt.Sprintf("resilience: attempt %s -> %s", o.State, next))
	}
	o.State = next
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleep is the default Sleeper.
func TimerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier runs calls under a Policy.
type Retrier struct {
	Policy Policy

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the failed attempt
	// number, its error and the delay that follows.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep defaults to TimerSleep.
	Sleep Sleeper
}

// Run executes fn until it succeeds, fails permanently, exhausts the
// policy, or ctx ends. Each attempt gets its own timeout; an attempt that
// ignores its context is abandoned when the timeout fires and its result is
// discarded.
func Run[T any](ctx context.Context, r Retrier, fn func(ctx context.Context) (T, error)) (T, Outcome) {
	p := r.Policy.WithDefaults()
	shouldRetry := r.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = TimerSleep
	}

	var zero T
	start := time.Now()
	out := Outcome{State: AttemptPending}
	finish := func(state AttemptState, reason StopReason) Outcome {
		out.moveTo(state)
		out.Reason = reason
		out.Duration = time.Since(start)
		return out
	}

	if err := ctx.Err(); err != nil {
		out.LastErr = err
		return zero, finish(AttemptFailed, StopCancelled)
	}

	for {
		out.moveTo(AttemptRetrying)
		out.Attempts++

		val, err := attempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return val, finish(AttemptSucceeded, StopSucceeded)
		}
		out.LastErr = err

		switch {
		case ctx.Err() != nil:
			return zero, finish(AttemptFailed, StopCancelled)
		case !shouldRetry(err):
			return zero, finish(AttemptFailed, StopPermanent)
		case out.Attempts >= p.MaxAttempts:
			return zero, finish(AttemptFailed, StopExhausted)
		}

		delay := p.jittered(p.Backoff(out.Attempts))
		if r.OnRetry != nil {
			r.OnRetry(out.Attempts, err, delay)
		}
		out.Delays = append(out.Delays, delay)

		if err := sleep(ctx, delay); err != nil {
			return zero, finish(AttemptFailed, StopCancelled)
		}
	}
}

// Do is Run for calls that return only an error.
func Do(ctx context.Context, r Retrier, fn func(ctx context.Context) error) Outcome {
	_, out := Run(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return out
}

type attemptResult[T any] struct {
	val T
	err error
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptResult[T]{err: eris.Errorf("resilience: attempt panicked: %v", rec)}
			}
		}()
		v, err := fn(actx)
		done <- attemptResult[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && actx.Err() != nil {
			return zero, &TimeoutError{Timeout: timeout, Err: res.err}
		}
		return res.val, res.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, &TimeoutError{Timeout: timeout, Err: actx.Err()}
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
