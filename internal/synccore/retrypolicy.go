package synccore

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Advice is the outcome of consulting a RetryPolicy: whether the caller
// should retry, and if so, after what delay.
type Advice struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides, given an error and the number of attempts already
// made, whether the engine should retry and how long to wait.
type RetryPolicy interface {
	Advise(err error, attempt int) Advice
}

// ExponentialRetryPolicy is the default RetryPolicy, backed by
// github.com/cenkalti/backoff/v4's exponential backoff generator. Only
// errors classified as KindTransportRetryable or KindStorageFailure are
// retryable; everything else (KindTransportFatal, KindInvariantViolation,
// KindCancelled) advises no retry.
type ExponentialRetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// NewExponentialRetryPolicy builds an ExponentialRetryPolicy with sane
// defaults: up to 8 retries, starting at 500ms, capping at 1 minute,
// doubling each time.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		MaxRetries:      8,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
	}
}

func (p *ExponentialRetryPolicy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = backoff.DefaultRandomizationFactor
	return backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
}

// Advise implements RetryPolicy. It walks the backoff generator forward by
// `attempt` steps to compute the delay appropriate for this attempt number,
// since backoff.BackOff is itself stateful and the engine only needs the
// advice for a single attempt at a time.
func (p *ExponentialRetryPolicy) Advise(err error, attempt int) Advice {
	if !isRetryableKind(err) {
		return Advice{Retry: false}
	}

	b := p.newBackOff()
	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return Advice{Retry: false}
		}
	}
	return Advice{Retry: true, Delay: delay}
}

func isRetryableKind(err error) bool {
	ce, ok := AsClassified(err)
	if !ok {
		// Unclassified errors are treated conservatively as fatal: the
		// engine should not loop forever on an error it doesn't
		// understand.
		return false
	}
	switch ce.Kind {
	case KindTransportRetryable, KindStorageFailure:
		return true
	default:
		return false
	}
}

// NoRetryPolicy always advises against retrying. Useful in tests that
// assert the engine terminates on the first failure (S5).
type NoRetryPolicy struct{}

func (NoRetryPolicy) Advise(err error, attempt int) Advice {
	return Advice{Retry: false}
}
