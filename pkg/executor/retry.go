package executor

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"comments-relay/pkg/errcode"
)

// RetryPolicy 提交重试策略。
// 只重试账本尚未接收前的传输失败；账本拒绝意味着 nonce 已失效，必须重建载荷。
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy 默认策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

// NoRetry 只尝试一次
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ShouldRetry 错误是否可以原样重发同一载荷
func (p RetryPolicy) ShouldRetry(err error) bool {
	return errcode.Retryable(err)
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	return b
}
