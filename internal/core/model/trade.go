package model

import (
	"time"
)

// TradeLogEntry 成交日志
// 只追加，写入后不可修改
type TradeLogEntry struct {
	// ID 日志唯一标识
	ID string `json:"id"`
	// Symbol 合约 ID
	Symbol string `json:"symbol"`
	// Operation 操作类型
	Operation Operation `json:"operation"`
	// Side 持仓方向
	Side Side `json:"direction"`
	// Price 成交参考价
	Price float64 `json:"price"`
	// Size 本次操作张数
	Size int64 `json:"size"`
	// Confidence 操作时的置信度
	Confidence float64 `json:"confidence"`
	// RealizedPnL 已实现盈亏，仅 reduce/close 有值
	RealizedPnL *float64 `json:"pnl,omitempty"`
	// OrderID 交易所订单 ID
	OrderID string `json:"order_id,omitempty"`
	// Reason 决策原因
	Reason string `json:"exit_reason,omitempty"`
	// Timestamp 写入时间
	Timestamp time.Time `json:"timestamp"`
}

// HasPnL 是否带有已实现盈亏
func (e *TradeLogEntry) HasPnL() bool {
	return e.RealizedPnL != nil
}
