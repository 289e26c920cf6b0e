// Package pipeline runs enrichment jobs: it fans leads out to lookup
// adapters under a retry policy, merges their results, scores the merged
// record and persists it.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/adapter"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/resilience"
	"github.com/sells-group/lead-enricher/internal/store"
)

// Controller wraps adapter calls and sink writes with the retry policy, the
// per-attempt timeout and, when configured, a per-adapter circuit breaker.
type Controller struct {
	policy   resilience.Policy
	timeout  func(adapter string) time.Duration
	breakers *resilience.Breakers

	// Sleep replaces the backoff timer. Tests use it to record delays.
	Sleep resilience.Sleeper
}

// NewController returns a controller. timeout gives the per-attempt timeout
// for an adapter; nil means attempts are bounded only by the lead deadline.
// breakers may be nil.
func NewController(policy resilience.Policy, timeout func(string) time.Duration, breakers *resilience.Breakers) *Controller {
	if timeout == nil {
		timeout = func(string) time.Duration { return 0 }
	}
	return &Controller{
		policy:   policy.WithDefaults(),
		timeout:  timeout,
		breakers: breakers,
	}
}

// Policy returns the controller's retry policy.
func (c *Controller) Policy() resilience.Policy {
	return c.policy
}

// Invoke looks up the lead with one adapter. Timeouts and transient errors
// are retried with exponential backoff; the first success returns
// immediately. The result is always attributable: it carries the attempt
// count and the kind of the last failed attempt.
func (c *Controller) Invoke(ctx context.Context, a adapter.Adapter, lead model.Lead) model.AdapterResult {
	name := a.Name()
	log := zap.L().With(zap.String("lead", lead.ID), zap.String("adapter", name))

	var br *resilience.Breaker
	if c.breakers != nil {
		br = c.breakers.Get(name)
	}

	r := resilience.Retrier{
		Policy: c.policy.WithAttemptTimeout(c.timeout(name)),
		Sleep:  c.Sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("pipeline: retrying adapter",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.String("error_kind", string(errorKind(err))),
				zap.Error(err),
			)
		},
	}

	fields, out := resilience.Run(ctx, r, func(actx context.Context) (model.Fields, error) {
		if br != nil {
			if err := br.Allow(); err != nil {
				return nil, err
			}
		}
		f, err := a.Lookup(actx, lead.Identifier)
		if br != nil {
			br.Record(err)
		}
		return f, err
	})

	res := model.AdapterResult{
		Adapter:  name,
		Attempts: out.Attempts,
		Duration: out.Duration,
	}
	if out.LastErr != nil {
		res.LastErrorKind = errorKind(out.LastErr)
	}

	switch out.Reason {
	case resilience.StopSucceeded:
		res.Status = model.AdapterStatusSuccess
		res.Fields = fields.Clone()
		if res.Fields == nil {
			res.Fields = model.Fields{}
		}
		return res
	case resilience.StopCancelled:
		res.Status = model.AdapterStatusTimeout
		res.Kind = model.ErrorKindAdapterTimeout
	case resilience.StopExhausted:
		res.Status = model.AdapterStatusError
		res.Kind = model.ErrorKindRetryExhausted
	default:
		res.Status = model.AdapterStatusError
		res.Kind = model.ErrorKindAdapterError
	}
	res.Error = out.LastErr.Error()

	log.Warn("pipeline: adapter failed",
		zap.String("error_kind", string(res.Kind)),
		zap.Int("attempts", res.Attempts),
		zap.Error(out.LastErr),
	)
	return res
}

// Save persists a scored lead. Saves are upserts, so every error except
// cancellation is retried under the same policy.
func (c *Controller) Save(ctx context.Context, sink store.Sink, lead model.ScoredLead) resilience.Outcome {
	r := resilience.Retrier{
		Policy: c.policy,
		Sleep:  c.Sleep,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
		OnRetry: resilience.RetryLogger("sink", "save"),
	}
	return resilience.Do(ctx, r, func(ctx context.Context) error {
		return sink.Save(ctx, lead)
	})
}

func errorKind(err error) model.ErrorKind {
	if resilience.IsTimeout(err) {
		return model.ErrorKindAdapterTimeout
	}
	return model.ErrorKindAdapterError
}
