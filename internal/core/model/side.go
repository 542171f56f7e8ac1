// Package model 定义引擎中使用的核心数据结构。
package model

import (
	"fmt"
	"strings"
)

// Side 持仓方向
type Side string

const (
	// SideLong 多头
	SideLong Side = "long"
	// SideShort 空头
	SideShort Side = "short"
)

// OrderSide 下单方向（交易所字段 side）
type OrderSide string

const (
	// OrderBuy 买入
	OrderBuy OrderSide = "buy"
	// OrderSell 卖出
	OrderSell OrderSide = "sell"
)

// ParseSide 解析方向字符串
// 兼容 long/short 与 buy/sell 两种写法（大小写不敏感）
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	}
	return "", fmt.Errorf("无效的方向: %q", s)
}

// Valid 判断方向是否有效
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign 方向系数，多头 1，空头 -1
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide 开仓/加仓使用的下单方向
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitOrderSide 减仓/平仓使用的下单方向
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}
