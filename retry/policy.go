// retry/policy.go
package retry

import (
	"time"
)

// Policy decides whether another attempt is allowed and how long to wait
// before it. attempt counts completed attempts, starting at 0.
type Policy interface {
	NextRetry(attempt int) (time.Duration, bool)
}

// 指数退避策略
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func (p *ExponentialBackoff) NextRetry(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}

	delay := p.InitialDelay
	for i := 0; i < attempt && (p.MaxDelay <= 0 || delay < p.MaxDelay); i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

// 固定间隔策略
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p *FixedInterval) NextRetry(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Interval, true
}

// CompositePolicy uses the first policy that still allows a retry.
type CompositePolicy struct {
	Policies []Policy
}

func (p *CompositePolicy) NextRetry(attempt int) (time.Duration, bool) {
	for _, policy := range p.Policies {
		if delay, ok := policy.NextRetry(attempt); ok {
			return delay, true
		}
	}
	return 0, false
}
