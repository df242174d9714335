package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func fastConfig() Config {
	return Config{
		QueueSlots:    1,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
		RetryCap:      5 * time.Millisecond,
		RateWait:      time.Second,
	}
}

func newTestPipeline(t *testing.T, cfg Config, threshold uint32) (*Pipeline, *Breaker) {
	t.Helper()
	log := testLogger()
	breaker := NewBreaker("test-upstream", threshold, 50*time.Millisecond, log)
	limiter := NewLimiter(1000, 1000)
	return New(cfg, breaker, limiter, log), breaker
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{404, KindNotFound},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindInvalid},
		{422, KindInvalid},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStatus(tt.status), "status %d", tt.status)
	}
}

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{CodeUnauthenticated, KindAuth},
		{CodeRateLimited, KindTransient},
		{CodeNotFound, KindNotFound},
		{CodeInternal, KindTransient},
		{CodeUnavailable, KindTransient},
		{CodeInvalidArgument, KindInvalid},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyCode(tt.code), "code %d", tt.code)
	}
}

func TestRetryableOnlyTransient(t *testing.T) {
	assert.True(t, Retryable(&Error{Kind: KindTransient}))
	assert.False(t, Retryable(&Error{Kind: KindAuth}))
	assert.False(t, Retryable(&Error{Kind: KindInvalid}))
	assert.False(t, Retryable(&Error{Kind: KindRateLimited}))
	assert.False(t, Retryable(&Error{Kind: KindUnknownOutcome}))
	assert.False(t, Retryable(errors.New("unclassified")))
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	p, _ := newTestPipeline(t, fastConfig(), 100)

	attempts := 0
	body, err := p.Do(context.Background(), Call{
		Op: "list",
		Transport: func(ctx context.Context) ([]byte, error) {
			attempts++
			if attempts < 3 {
				return nil, &Error{Kind: KindTransient, Op: "list"}
			}
			return []byte("ok"), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), body)
	assert.Equal(t, 3, attempts)
}

func TestRetriesExhausted(t *testing.T) {
	p, _ := newTestPipeline(t, fastConfig(), 100)

	attempts := 0
	_, err := p.Do(context.Background(), Call{
		Op: "list",
		Transport: func(ctx context.Context) ([]byte, error) {
			attempts++
			return nil, &Error{Kind: KindTransient, Op: "list"}
		},
	})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, 3, attempts)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	for _, kind := range []Kind{KindAuth, KindInvalid, KindNotFound} {
		p, _ := newTestPipeline(t, fastConfig(), 100)
		attempts := 0
		_, err := p.Do(context.Background(), Call{
			Op: "get",
			Transport: func(ctx context.Context) ([]byte, error) {
				attempts++
				return nil, &Error{Kind: kind, Op: "get"}
			},
		})
		require.Error(t, err)
		assert.Equal(t, kind, KindOf(err))
		assert.Equal(t, 1, attempts, "kind %s must not be retried", kind)
	}
}

func TestMutatingNeverRetried(t *testing.T) {
	p, _ := newTestPipeline(t, fastConfig(), 100)

	attempts := 0
	_, err := p.Do(context.Background(), Call{
		Op:       "create",
		Mutating: true,
		Transport: func(ctx context.Context) ([]byte, error) {
			attempts++
			return nil, &Error{Kind: KindTransient, Op: "create"}
		},
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestMutatingTimeoutIsUnknownOutcome(t *testing.T) {
	p, _ := newTestPipeline(t, fastConfig(), 100)

	attempts := 0
	_, err := p.Do(context.Background(), Call{
		Op:       "create",
		Mutating: true,
		Transport: func(ctx context.Context) ([]byte, error) {
			attempts++
			return nil, context.DeadlineExceeded
		},
	})
	require.Error(t, err)
	assert.Equal(t, KindUnknownOutcome, KindOf(err))
	assert.Equal(t, 1, attempts)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	p, _ := newTestPipeline(t, cfg, 3)

	transportCalls := 0
	fail := Call{
		Op: "list",
		Transport: func(ctx context.Context) ([]byte, error) {
			transportCalls++
			return nil, &Error{Kind: KindTransient, Op: "list"}
		},
	}

	for i := 0; i < 3; i++ {
		_, err := p.Do(context.Background(), fail)
		require.Error(t, err)
	}
	require.Equal(t, 3, transportCalls)

	// Breaker is open now: the call fails fast without touching transport.
	_, err := p.Do(context.Background(), fail)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Equal(t, 3, transportCalls)
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	p, _ := newTestPipeline(t, cfg, 2)

	fail := Call{
		Op: "list",
		Transport: func(ctx context.Context) ([]byte, error) {
			return nil, &Error{Kind: KindTransient, Op: "list"}
		},
	}
	for i := 0; i < 2; i++ {
		_, _ = p.Do(context.Background(), fail)
	}
	_, err := p.Do(context.Background(), fail)
	assert.Equal(t, KindUnavailable, KindOf(err))

	// After the cooldown the half-open probe goes through and a success
	// closes the breaker again.
	time.Sleep(60 * time.Millisecond)
	body, err := p.Do(context.Background(), Call{
		Op: "list",
		Transport: func(ctx context.Context) ([]byte, error) {
			return []byte("ok"), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), body)
}

func TestAuthFailuresDoNotTripBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	p, _ := newTestPipeline(t, cfg, 2)

	for i := 0; i < 10; i++ {
		_, err := p.Do(context.Background(), Call{
			Op: "whoami",
			Transport: func(ctx context.Context) ([]byte, error) {
				return nil, &Error{Kind: KindAuth, Op: "whoami"}
			},
		})
		require.Error(t, err)
		// Every call reaches transport; none fails fast.
		assert.Equal(t, KindAuth, KindOf(err))
	}
}

func TestRateWaitExceededIsRateLimited(t *testing.T) {
	cfg := fastConfig()
	cfg.RateWait = 10 * time.Millisecond
	log := testLogger()
	breaker := NewBreaker("test-upstream", 100, time.Second, log)
	// One token, then a near-infinite refill time.
	limiter := NewLimiter(0.001, 1)
	p := New(cfg, breaker, limiter, log)

	ok := Call{
		Op: "list",
		Transport: func(ctx context.Context) ([]byte, error) {
			return []byte("ok"), nil
		},
	}

	_, err := p.Do(context.Background(), ok)
	require.NoError(t, err)

	_, err = p.Do(context.Background(), ok)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestQueueSerializesCalls(t *testing.T) {
	p, _ := newTestPipeline(t, fastConfig(), 100)

	inFlight := 0
	maxInFlight := 0
	var done = make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = p.Do(context.Background(), Call{
				Op: "list",
				Transport: func(ctx context.Context) ([]byte, error) {
					inFlight++
					if inFlight > maxInFlight {
						maxInFlight = inFlight
					}
					time.Sleep(5 * time.Millisecond)
					inFlight--
					return []byte("ok"), nil
				},
			})
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, 1, maxInFlight)
}
