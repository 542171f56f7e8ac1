package model

import (
	"time"
)

// Position 单个合约的当前持仓
// 每个 Symbol 同时最多一个；Size <= 0 表示仓位已不存在
type Position struct {
	// Symbol 合约 ID
	Symbol string `json:"symbol"`
	// Side 方向，持仓期间不可变
	Side Side `json:"direction"`
	// Size 合约张数
	Size int64 `json:"size"`
	// EntryPrice 开仓均价
	EntryPrice float64 `json:"entry_price"`
	// Confidence 驱动仓位大小和退出的置信度
	Confidence float64 `json:"confidence"`
	// AddTimes 已加仓次数
	AddTimes int `json:"add_times"`
	// ReduceTimes 已减仓次数
	ReduceTimes int `json:"reduce_times"`
	// HighWatermark 开仓以来最高价
	HighWatermark float64 `json:"high_watermark"`
	// LowWatermark 开仓以来最低价
	LowWatermark float64 `json:"low_watermark"`
	// Leverage 开仓时使用的杠杆
	Leverage float64 `json:"leverage"`
	// OpenedAt 开仓时间
	OpenedAt time.Time `json:"opened_at"`
	// LastReduceAt 最近一次减仓时间
	LastReduceAt time.Time `json:"last_reduce_at,omitempty"`
}

// Clone 返回副本
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// UnrealizedPnL 按给定价格计算浮动盈亏（USDT）
// long: (price - entry) × size；short: (entry - price) × size
func (p *Position) UnrealizedPnL(price float64) float64 {
	return PnL(p.Side, p.EntryPrice, price, p.Size)
}

// PnLRatio 浮动盈亏比例 = pnl / (entry × size)
func (p *Position) PnLRatio(price float64) float64 {
	cost := p.EntryPrice * float64(p.Size)
	if cost <= 0 {
		return 0
	}
	return p.UnrealizedPnL(price) / cost
}

// PeakGainRatio 按水位线计算的峰值浮盈比例
func (p *Position) PeakGainRatio() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Side == SideLong {
		return (p.HighWatermark - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - p.LowWatermark) / p.EntryPrice
}

// ObservePrice 用最新价格更新高低水位线
// 返回: 水位线是否发生变化
func (p *Position) ObservePrice(price float64) bool {
	if price <= 0 {
		return false
	}
	changed := false
	if p.HighWatermark == 0 || price > p.HighWatermark {
		p.HighWatermark = price
		changed = true
	}
	if p.LowWatermark == 0 || price < p.LowWatermark {
		p.LowWatermark = price
		changed = true
	}
	return changed
}

// HoldDuration 持仓时长
func (p *Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// PnL 计算 qty 张合约从 entry 到 exit 的盈亏
func PnL(side Side, entry, exit float64, qty int64) float64 {
	return (exit - entry) * float64(qty) * side.Sign()
}
