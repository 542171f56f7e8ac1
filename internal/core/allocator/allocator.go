// Package allocator 实现资金分配：根据余额、置信度与风控比例计算下单张数。
// 纯函数，不访问网络，余额/价格/杠杆均由调用方注入。
package allocator

import (
	"errors"
	"fmt"
	"math"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
)

var (
	// ErrInsufficientCapital 可用资金不足以开 1 张合约
	ErrInsufficientCapital = errors.New("可用资金不足")
	// ErrInvalidInput 价格、杠杆或方向无效
	ErrInvalidInput = errors.New("分配参数无效")
)

// Input 资金分配输入
type Input struct {
	// Symbol 合约 ID（仅用于错误信息）
	Symbol string
	// Side 方向
	Side model.Side
	// Confidence 置信度，超出 0-100 会被截断
	Confidence float64
	// Balance 交易账户可用余额
	Balance float64
	// Price 当前价格
	Price float64
	// LongLeverage 交易所返回的多头杠杆
	LongLeverage float64
	// ShortLeverage 交易所返回的空头杠杆
	ShortLeverage float64
}

// Allocation 资金分配结果
type Allocation struct {
	// Contracts 下单张数，范围 [1, MaxContractsPerOrder]
	Contracts int64
	// Price 计算使用的价格
	Price float64
	// Leverage 实际使用的杠杆
	Leverage float64
	// InvestmentRatio 投资比例
	InvestmentRatio float64
	// Reserved 空头止损预留资金（多头为 0）
	Reserved float64
	// Available 扣除预留与缓冲后的可用资金
	Available float64
	// Budget 本次投入预算 = Available × InvestmentRatio
	Budget float64
	// MarginPerContract 每张保证金
	MarginPerContract float64
	// MaxPossible 可用资金最多可开张数
	MaxPossible int64
}

// Margin 本次分配占用的保证金
func (a Allocation) Margin() float64 {
	return float64(a.Contracts) * a.MarginPerContract
}

// ClampConfidence 将置信度截断到 [0, 100]
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// InvestmentRatio 投资比例 = clamp(confidence/100 × max, min, max)
func InvestmentRatio(confidence float64, rc config.RiskConfig) float64 {
	ratio := ClampConfidence(confidence) / 100 * rc.MaxSinglePositionRatio
	if ratio < rc.MinSinglePositionRatio {
		ratio = rc.MinSinglePositionRatio
	}
	if ratio > rc.MaxSinglePositionRatio {
		ratio = rc.MaxSinglePositionRatio
	}
	return ratio
}

// ShortReserve 空头止损预留资金 = price × confidence × (1 + |stopLossRatio|)
func ShortReserve(price, confidence, stopLossRatio float64) float64 {
	return price * ClampConfidence(confidence) * (1 + math.Abs(stopLossRatio))
}

// EffectiveLeverage 实际杠杆 = min(交易所杠杆, 杠杆上限)
func EffectiveLeverage(exchangeLeverage float64, rc config.RiskConfig) float64 {
	if rc.MaxLeverageLimit > 0 && exchangeLeverage > rc.MaxLeverageLimit {
		return rc.MaxLeverageLimit
	}
	return exchangeLeverage
}

// Allocate 计算下单张数
// 参数 in: 余额、价格、杠杆、方向与置信度
// 参数 rc: 风控参数
// 返回: 分配结果；可用资金连 1 张都不够时返回 ErrInsufficientCapital
func Allocate(in Input, rc config.RiskConfig) (Allocation, error) {
	if !in.Side.Valid() {
		return Allocation{}, fmt.Errorf("%s 方向 %q: %w", in.Symbol, in.Side, ErrInvalidInput)
	}
	if !(in.Price > 0) || math.IsInf(in.Price, 0) {
		return Allocation{}, fmt.Errorf("%s 价格 %v: %w", in.Symbol, in.Price, ErrInvalidInput)
	}
	exLev := in.LongLeverage
	if in.Side == model.SideShort {
		exLev = in.ShortLeverage
	}
	lev := EffectiveLeverage(exLev, rc)
	if !(lev > 0) {
		return Allocation{}, fmt.Errorf("%s 杠杆 %v: %w", in.Symbol, exLev, ErrInvalidInput)
	}

	conf := ClampConfidence(in.Confidence)
	a := Allocation{
		Price:           in.Price,
		Leverage:        lev,
		InvestmentRatio: InvestmentRatio(conf, rc),
	}

	balance := math.Max(0, in.Balance)
	if in.Side == model.SideShort {
		a.Reserved = ShortReserve(in.Price, conf, rc.StopLossRatio)
		a.Available = math.Max(0, balance-a.Reserved) * (1 - rc.CapitalBufferRatio)
	} else {
		a.Available = balance * (1 - rc.CapitalBufferRatio)
	}

	a.Budget = a.Available * a.InvestmentRatio
	a.MarginPerContract = in.Price / lev * rc.OrderMarginBuffer
	a.MaxPossible = int64(math.Floor(a.Available / a.MarginPerContract))
	if a.MaxPossible < 1 {
		return a, fmt.Errorf("%s 可用 %.4f 每张保证金 %.4f: %w", in.Symbol, a.Available, a.MarginPerContract, ErrInsufficientCapital)
	}

	contracts := int64(math.Floor(a.Budget / a.MarginPerContract))
	if contracts > a.MaxPossible {
		contracts = a.MaxPossible
	}
	if limit := int64(rc.MaxContractsPerOrder); limit > 0 && contracts > limit {
		contracts = limit
	}
	if contracts < 1 {
		contracts = 1
	}
	a.Contracts = contracts

	return a, nil
}
