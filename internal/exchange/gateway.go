// Package exchange 定义引擎消费的交易所网关接口与错误分类。
// 具体实现: okx（真实 REST 接口）与 paper（模拟成交）。
package exchange

import (
	"context"

	"position-lifecycle-engine/internal/core/model"
)

// OrderState 订单状态
type OrderState string

const (
	// StateLive 已挂单未成交
	StateLive OrderState = "live"
	// StatePartiallyFilled 部分成交
	StatePartiallyFilled OrderState = "partially_filled"
	// StateFilled 完全成交
	StateFilled OrderState = "filled"
	// StateCanceled 已撤销
	StateCanceled OrderState = "canceled"
	// StateUnknown 无法识别
	StateUnknown OrderState = "unknown"
)

// ParseOrderState 解析交易所返回的订单状态
// 兼容 partial-filled 的旧写法
func ParseOrderState(s string) OrderState {
	switch s {
	case "live":
		return StateLive
	case "partially_filled", "partial-filled":
		return StatePartiallyFilled
	case "filled":
		return StateFilled
	case "canceled", "cancelled", "mmp_canceled":
		return StateCanceled
	}
	return StateUnknown
}

// Accepted 订单是否已达到可接受的成交状态（完全或部分成交）
func (s OrderState) Accepted() bool {
	return s == StateFilled || s == StatePartiallyFilled
}

// OrderFill 订单状态查询结果
type OrderFill struct {
	// State 订单状态
	State OrderState
	// FilledSize 累计成交张数；0 表示交易所未返回
	FilledSize int64
}

// OrderRequest 下单请求
type OrderRequest struct {
	// Symbol 合约 ID
	Symbol string
	// Side 下单方向
	Side model.OrderSide
	// Size 张数
	Size int64
	// ReduceOnly 是否只减仓
	ReduceOnly bool
	// ClientOrderID 客户端订单 ID（每次尝试唯一）
	ClientOrderID string
}

// Leverage 多空杠杆
type Leverage struct {
	// Long 多头杠杆
	Long float64
	// Short 空头杠杆
	Short float64
}

// For 返回指定方向的杠杆
func (l Leverage) For(side model.Side) float64 {
	if side == model.SideShort {
		return l.Short
	}
	return l.Long
}

// Gateway 交易所网关
// 所有调用都可能失败，失败一律视为"未知"，由调用方按策略重试或放弃
type Gateway interface {
	// MarketPrice 最新成交价；ok=false 表示暂无价格
	MarketPrice(ctx context.Context, symbol string) (price float64, ok bool, err error)
	// Leverage 当前多空杠杆
	Leverage(ctx context.Context, symbol string) (Leverage, error)
	// TradeBalance 交易账户可用 USDT
	TradeBalance(ctx context.Context) (float64, error)
	// PlaceOrder 下市价单，返回交易所订单 ID
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	// OrderStatus 查询订单状态与累计成交张数
	OrderStatus(ctx context.Context, symbol, orderID string) (OrderFill, error)
	// Transfer 将 amount USDT 从交易账户划转到资金账户
	Transfer(ctx context.Context, amount float64) error
}

// BarSource 可选能力：最近一根已完成 1m K 线收盘价（闪崩规则使用）
type BarSource interface {
	// LastBarClose ok=false 表示暂无数据
	LastBarClose(ctx context.Context, symbol string) (closePx float64, ok bool, err error)
}
