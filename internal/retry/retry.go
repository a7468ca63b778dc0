// Package retry runs provider calls under the rate limiter and retries the
// failures worth retrying.
//
// Execute never returns an error. Every call ends in a provider.QueryResult:
// the first success, the first non-retryable failure, or the last failure
// once attempts are exhausted. Successful answers are also scanned for
// failure phrases that some providers return in-band, and demoted when one
// matches.
package retry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/metrics"
	"github.com/fpang/mediaquery/internal/provider"
)

// Acquirer gates calls per rate-limit class. *ratelimit.Limiter implements it.
type Acquirer interface {
	Acquire(ctx context.Context, class string) error
}

// Thunk is one provider call.
type Thunk func(ctx context.Context) (provider.Answer, error)

// Policy is the retry schedule.
type Policy struct {
	MaxAttempts int

	// RateLimited waits RateLimitBase + RateLimitStep*attempt.
	RateLimitBase time.Duration
	RateLimitStep time.Duration

	// Transient waits TransientSchedule[min(attempt, len-1)].
	TransientSchedule []time.Duration
}

// DefaultPolicy is five attempts, 30s+10s×n for rate limits and
// 3s, 5s, 10s, 15s for transient faults.
var DefaultPolicy = Policy{
	MaxAttempts:       5,
	RateLimitBase:     30 * time.Second,
	RateLimitStep:     10 * time.Second,
	TransientSchedule: []time.Duration{3 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second},
}

// Backoff returns the wait before the next attempt after the attempt-th
// failure (0-based) of the given class.
func (p Policy) Backoff(class provider.Classification, attempt int) time.Duration {
	switch class {
	case provider.ClassRateLimited:
		return p.RateLimitBase + time.Duration(attempt)*p.RateLimitStep
	case provider.ClassTransient:
		if len(p.TransientSchedule) == 0 {
			return 0
		}
		return p.TransientSchedule[min(attempt, len(p.TransientSchedule)-1)]
	default:
		return 0
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator wraps provider calls with rate limiting and retries.
type Coordinator struct {
	limiter    Acquirer
	classifier Classifier
	policy     Policy
	sleep      SleepFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn SleepFunc) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// New builds a Coordinator. A nil classifier selects the default phrase tables.
func New(limiter Acquirer, classifier Classifier, opts ...Option) *Coordinator {
	if classifier == nil {
		classifier = MustDefaultClassifier()
	}
	c := &Coordinator{
		limiter:    limiter,
		classifier: classifier,
		policy:     DefaultPolicy,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	if c.policy.MaxAttempts < 1 {
		c.policy.MaxAttempts = 1
	}
	return c
}

// Classifier returns the classifier in use.
func (c *Coordinator) Classifier() Classifier { return c.classifier }

// Execute runs thunk until it succeeds, fails permanently, or runs out of
// attempts. class selects the rate-limit gate; providerName selects the
// classifier tables and labels the result.
func (c *Coordinator) Execute(ctx context.Context, class, providerName string, thunk Thunk) provider.QueryResult {
	start := time.Now()
	var res provider.QueryResult

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, class); err != nil {
			res = cancelled(err)
			res.Attempts = attempt
			break
		}

		callStart := time.Now()
		answer, err := call(ctx, providerName, thunk)
		c.record(providerName, time.Since(callStart), err)

		res = c.evaluate(providerName, answer, err)
		res.Attempts = attempt + 1

		if res.OK() || !res.Class.Retryable() {
			break
		}
		if ctx.Err() != nil {
			res = cancelled(ctx.Err())
			res.Attempts = attempt + 1
			break
		}
		if attempt+1 >= c.policy.MaxAttempts {
			log.Warn().
				Str("provider", providerName).
				Str("class", string(res.Class)).
				Int("attempts", res.Attempts).
				Msg("Retries exhausted")
			break
		}

		wait := c.policy.Backoff(res.Class, attempt)
		log.Warn().
			Str("provider", providerName).
			Str("class", string(res.Class)).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Str("error", res.Message).
			Msg("Provider call failed, retrying")
		metrics.New().
			Dimension("Provider", providerName).
			Dimension("Class", string(res.Class)).
			Count("ProviderRetries").
			Flush()

		if err := c.sleep(ctx, wait); err != nil {
			res = cancelled(err)
			res.Attempts = attempt + 1
			break
		}
	}

	res.Provider = providerName
	res.Duration = time.Since(start)
	return res
}

// call runs thunk once. A panic becomes a Permanent error so that a faulty
// adapter fails its item instead of the process.
func call(ctx context.Context, providerName string, thunk Thunk) (answer provider.Answer, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("provider", providerName).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Provider call panicked")
			err = &provider.Error{
				Provider: providerName,
				Class:    provider.ClassPermanent,
				Message:  fmt.Sprintf("internal error: %v", r),
			}
		}
	}()
	return thunk(ctx)
}

// evaluate turns one call's outcome into a result.
func (c *Coordinator) evaluate(providerName string, answer provider.Answer, err error) provider.QueryResult {
	if err != nil {
		cls := c.classifier.Classify(providerName, err)
		return provider.Failed(cls, err.Error())
	}
	if cls, phrase, hit := c.classifier.ScanAnswer(providerName, answer.Text); hit {
		log.Warn().
			Str("provider", providerName).
			Str("phrase", phrase).
			Str("class", string(cls)).
			Msg("Answer contains failure phrase")
		res := provider.Failed(cls, fmt.Sprintf("in-band failure: answer contains %q", phrase))
		res.Answer = answer.Text
		res.RequestID = answer.RequestID
		return res
	}
	return provider.Succeeded(answer)
}

func (c *Coordinator) record(providerName string, d time.Duration, err error) {
	rec := metrics.New().
		Dimension("Provider", providerName).
		Duration("ProviderLatencyMs", d).
		Count("ProviderCalls")
	if err != nil {
		rec.Count("ProviderErrors")
	}
	rec.Flush()
}

func cancelled(err error) provider.QueryResult {
	msg := "cancelled"
	if err != nil && !errors.Is(err, context.Canceled) {
		msg = err.Error()
	}
	return provider.Failed(provider.ClassCancelled, msg)
}
