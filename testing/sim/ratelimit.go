package sim

import (
	"time"
)

// RateLimiter 是按字节计的令牌桶，突发上限为 0.2 秒的配额。
type RateLimiter struct {
	bps float64

	tokens float64
	last   time.Time
}

// NewRateLimiter 创建限速器；mbps <= 0 表示不限速。
func NewRateLimiter(mbps float64) *RateLimiter {
	if mbps <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{
		bps:  mbps * 1e6 / 8.0,
		last: time.Now(),
	}
}

// Delay 记账 n 字节并返回需要等待的时长（不睡眠，调用方决定如何等待）。
func (r *RateLimiter) Delay(n int) time.Duration {
	if r == nil || r.bps <= 0 || n <= 0 {
		return 0
	}
	now := time.Now()
	if r.last.IsZero() {
		r.last = now
	}
	elapsed := now.Sub(r.last).Seconds()
	r.last = now
	r.tokens += elapsed * r.bps
	if burst := r.bps * 0.2; r.tokens > burst {
		r.tokens = burst
	}
	need := float64(n)
	if r.tokens >= need {
		r.tokens -= need
		return 0
	}
	deficit := need - r.tokens
	r.tokens = 0
	return time.Duration(deficit / r.bps * float64(time.Second))
}
