// Package backoff 实现指数退避。
// 下单重试: 起始 1s，每次翻倍，上限 8s，无抖动；
// 行情 WebSocket 重连: 起始 1s，上限 30s，抖动 ±20%。
package backoff

import (
	"math/rand"
	"time"
)

// Backoff 指数退避计算器
// 每次调用 Next() 返回下一次重试的等待时间，非并发安全
type Backoff struct {
	// base 起始等待时间
	base time.Duration
	// max 最大等待时间
	max time.Duration
	// jitter 抖动比例（0-1），例如 0.2 表示 ±20%
	jitter float64
	// attempt 已调用 Next 的次数
	attempt int
}

// New 创建退避计算器
// 参数 base: 起始等待时间
// 参数 max: 最大等待时间（不含抖动）
// 参数 jitter: 抖动比例，0 表示固定序列
func New(base, max time.Duration, jitter float64) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{
		base:   base,
		max:    max,
		jitter: jitter,
	}
}

// NewDefault 创建重连用退避计算器（1s 起，30s 封顶，±20%）
func NewDefault() *Backoff {
	return New(time.Second, 30*time.Second, 0.2)
}

// NewOrderRetry 创建下单重试用退避计算器（无抖动）
// 参数 baseMs: 起始等待（毫秒）
// 参数 maxMs: 上限（毫秒）
func NewOrderRetry(baseMs, maxMs int) *Backoff {
	return New(time.Duration(baseMs)*time.Millisecond, time.Duration(maxMs)*time.Millisecond, 0)
}

// Next 获取下次重试的等待时间
// delay = min(base × 2^attempt, max)，再应用抖动
func (b *Backoff) Next() time.Duration {
	delay := b.max
	// 位移超过 62 位会溢出，此时必然已超过 max
	if b.attempt < 62 {
		if d := b.base << uint(b.attempt); d > 0 && d < b.max {
			delay = d
		}
	}

	if b.jitter > 0 {
		jitterFactor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	b.attempt++
	return delay
}

// Reset 重置重试次数
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 获取当前重试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Schedule 返回无抖动时前 n 次等待时间（不改变内部状态）
func (b *Backoff) Schedule(n int) []time.Duration {
	cp := &Backoff{base: b.base, max: b.max}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = cp.Next()
	}
	return out
}
