// Package pipeline wraps every outbound call to the upstream API in a fixed
// protection order: queue -> circuit breaker -> retry -> rate limiter ->
// transport. The queue is per pipeline instance (one per cached user client);
// the breaker and the token bucket are shared across all pipelines hitting
// the same downstream target.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config carries the per-pipeline tuning knobs.
type Config struct {
	// QueueSlots bounds in-flight calls per pipeline instance. Default 1:
	// calls from one user's client are serialized to respect the upstream's
	// single-client concurrency limit.
	QueueSlots int64

	// RetryAttempts caps total attempts for retryable, non-mutating calls.
	RetryAttempts uint64

	// RetryBase and RetryCap bound the jittered exponential backoff.
	RetryBase time.Duration
	RetryCap  time.Duration

	// RateWait bounds how long a call waits for a bucket token before
	// failing with a rate-limit error.
	RateWait time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSlots:    1,
		RetryAttempts: 3,
		RetryBase:     250 * time.Millisecond,
		RetryCap:      5 * time.Second,
		RateWait:      10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.QueueSlots <= 0 {
		c.QueueSlots = d.QueueSlots
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = d.RetryCap
	}
	if c.RateWait <= 0 {
		c.RateWait = d.RateWait
	}
}

// Breaker is the circuit breaker shared by every pipeline targeting one
// downstream. Closed -> Open after the consecutive-failure threshold; while
// open, calls fail fast for the cooldown; half-open admits exactly one probe.
type Breaker = gobreaker.CircuitBreaker[[]byte]

// NewBreaker builds the shared breaker for a downstream target.
// Authentication and caller errors never advance the failure count.
func NewBreaker(target string, threshold uint32, cooldown time.Duration, log *logrus.Logger) *Breaker {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"target": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("circuit breaker state change")
		},
	})
}

// Limiter is the token bucket shared by every pipeline targeting one
// downstream.
type Limiter = rate.Limiter

// NewLimiter builds the token bucket shared across all users of a downstream
// target. It protects the shared upstream quota, not a per-user one.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Call is one upstream operation passing through the pipeline. Transport
// performs the network exchange and returns either the raw result payload or
// an already-classified *Error.
type Call struct {
	Op        string
	Mutating  bool
	Transport func(ctx context.Context) ([]byte, error)
}

// Pipeline applies the full protection chain to calls made on behalf of one
// user's client.
type Pipeline struct {
	cfg     Config
	queue   *semaphore.Weighted
	breaker *Breaker
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// New builds a pipeline around the shared breaker and limiter for a target.
func New(cfg Config, breaker *Breaker, limiter *rate.Limiter, log logrus.FieldLogger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:     cfg,
		queue:   semaphore.NewWeighted(cfg.QueueSlots),
		breaker: breaker,
		limiter: limiter,
		log:     log,
	}
}

// Do runs one call through queue, breaker, retry and rate limiter. The
// caller's context cancels its own queue wait and retry sleeps but never
// disturbs other in-flight calls.
func (p *Pipeline) Do(ctx context.Context, call Call) ([]byte, error) {
	if err := p.queue.Acquire(ctx, 1); err != nil {
		return nil, &Error{
			Kind: KindTransient,
			Op:   call.Op,
			Hint: "request canceled while waiting for a call slot",
			Err:  err,
		}
	}
	defer p.queue.Release(1)

	body, err := p.breaker.Execute(func() ([]byte, error) {
		return p.withRetry(ctx, call)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{
			Kind: KindUnavailable,
			Op:   call.Op,
			Hint: "upstream is temporarily unavailable, try again shortly",
			Err:  err,
		}
	}
	return body, err
}

// withRetry applies the backoff policy around individual attempts. Mutating
// calls get exactly one attempt: a duplicate of a mutation that already
// succeeded server-side is worse than a surfaced timeout.
func (p *Pipeline) withRetry(ctx context.Context, call Call) ([]byte, error) {
	if call.Mutating {
		return p.attempt(ctx, call)
	}

	var body []byte
	attempts := 0
	op := func() error {
		attempts++
		b, err := p.attempt(ctx, call)
		if err != nil {
			if Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBase
	bo.MaxInterval = p.cfg.RetryCap
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.RetryAttempts-1), ctx))
	if err != nil {
		if attempts > 1 {
			p.log.WithFields(logrus.Fields{
				"op":       call.Op,
				"attempts": attempts,
			}).Debug("call failed after retries")
		}
		return nil, err
	}
	return body, nil
}

// attempt waits for a bucket token and performs one transport exchange. A
// bucket wait that exceeds RateWait fails with a rate-limit error that is not
// retryable at this layer.
func (p *Pipeline) attempt(ctx context.Context, call Call) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.RateWait)
	err := p.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{
				Kind: KindTransient,
				Op:   call.Op,
				Hint: "request canceled",
				Err:  ctx.Err(),
			}
		}
		return nil, &Error{
			Kind: KindRateLimited,
			Op:   call.Op,
			Hint: "upstream call quota exhausted, try again later",
			Err:  err,
		}
	}

	body, err := call.Transport(ctx)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, classifyNetErr(call.Op, err, call.Mutating)
	}
	return body, nil
}
