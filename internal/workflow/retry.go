package workflow

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controls how a scheduled step is retried on transient
// failure. Fatal errors short-circuit the policy.
type RetryPolicy struct {
	MaxAttempts int           // total tries including the first
	Interval    time.Duration // initial backoff interval
	Multiplier  float64
	MaxInterval time.Duration
}

// DefaultRetryPolicy suits quick external calls (site reads, CA reads)
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Interval:    2 * time.Second,
	Multiplier:  2,
	MaxInterval: time.Minute,
}

// NoRetry runs a step exactly once
var NoRetry = RetryPolicy{MaxAttempts: 1, Interval: time.Second, Multiplier: 1, MaxInterval: time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p
}

func (p RetryPolicy) backOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Interval
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxInterval
	return bo
}
