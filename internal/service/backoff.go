package service

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffPolicy returns how long to wait before the next attempt of a step
// that has failed retryCount times (retryCount >= 1).
type BackoffPolicy interface {
	Delay(retryCount int) time.Duration
}

// LinearBackoff waits Base*retryCount, capped at Max when Max > 0.
type LinearBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b LinearBackoff) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := b.Base * time.Duration(retryCount)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ExponentialBackoff doubles the wait after every failure starting at Base,
// capped at Max. No jitter is applied so delays are reproducible.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(retryCount int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = b.Max
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = backoff.DefaultMaxInterval
	}
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < retryCount; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// NewBackoffPolicy builds the policy named by strategy.
func NewBackoffPolicy(strategy string, base, max time.Duration) (BackoffPolicy, error) {
	if base <= 0 {
		return nil, fmt.Errorf("backoff base must be positive, got %s", base)
	}
	switch strategy {
	case "", "linear":
		return LinearBackoff{Base: base, Max: max}, nil
	case "exponential":
		return ExponentialBackoff{Base: base, Max: max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", strategy)
	}
}
