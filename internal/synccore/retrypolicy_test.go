package synccore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialRetryPolicyRetriesTransportAndStorageErrors(t *testing.T) {
	p := NewExponentialRetryPolicy()

	retryable := Classify(KindTransportRetryable, errors.New("dial timeout"))
	advice := p.Advise(retryable, 0)
	assert.True(t, advice.Retry)
	assert.Greater(t, advice.Delay, time.Duration(0), "delay should be positive")

	storage := Classify(KindStorageFailure, errors.New("disk full"))
	advice = p.Advise(storage, 0)
	assert.True(t, advice.Retry)
}

func TestExponentialRetryPolicyRejectsFatalKinds(t *testing.T) {
	p := NewExponentialRetryPolicy()

	for _, kind := range []ErrorKind{
		KindTransportFatal,
		KindInvariantViolation,
		KindCancelled,
		KindConditionalCheckFailed,
		KindConflictUnhandled,
	} {
		advice := p.Advise(Classify(kind, errors.New("boom")), 0)
		assert.False(t, advice.Retry, "kind %v should not be retryable", kind)
	}
}

func TestExponentialRetryPolicyGivesUpAfterMaxRetries(t *testing.T) {
	p := &ExponentialRetryPolicy{MaxRetries: 1, InitialInterval: 1, MaxInterval: 2, Multiplier: 2}
	retryable := Classify(KindTransportRetryable, errors.New("dial timeout"))

	advice := p.Advise(retryable, 0)
	assert.True(t, advice.Retry)

	advice = p.Advise(retryable, 5)
	assert.False(t, advice.Retry, "an attempt number past MaxRetries should exhaust the backoff")
}

func TestExponentialRetryPolicyUnclassifiedErrorIsFatal(t *testing.T) {
	p := NewExponentialRetryPolicy()
	advice := p.Advise(errors.New("plain error"), 0)
	assert.False(t, advice.Retry)
}

func TestNoRetryPolicyAlwaysRejects(t *testing.T) {
	var p NoRetryPolicy
	advice := p.Advise(Classify(KindTransportRetryable, errors.New("dial timeout")), 0)
	assert.False(t, advice.Retry)
}
