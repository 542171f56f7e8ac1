package allocator

import (
	"errors"
	"fmt"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
)

// ErrRiskLimitExceeded 下单前风控检查未通过
var ErrRiskLimitExceeded = errors.New("超出风控限制")

// CheckOpenLimits 开仓前检查持仓数量与方向冲突
// 不需要任何网关调用
// 参数 symbol: 目标合约
// 参数 side: 目标方向
// 参数 held: 当前全部持仓
func CheckOpenLimits(symbol string, side model.Side, held []*model.Position, rc config.RiskConfig) error {
	count := 0
	for _, p := range held {
		if p == nil || p.Size <= 0 {
			continue
		}
		if p.Symbol == symbol {
			if p.Side != side {
				return fmt.Errorf("%s 已有反向持仓 %s: %w", symbol, p.Side, ErrRiskLimitExceeded)
			}
			// 同向已持仓不占用新的币种名额
			return nil
		}
		count++
	}
	if rc.MaxHoldingSymbols > 0 && count >= rc.MaxHoldingSymbols {
		return fmt.Errorf("持仓币种数 %d 已达上限 %d: %w", count, rc.MaxHoldingSymbols, ErrRiskLimitExceeded)
	}
	return nil
}

// CheckExposure 检查单币种保证金占用比例
// 占用 = price × (existing + contracts) / leverage，占余额比例不得超过 MaxSymbolExposureRatio
// 参数 existing: 该币种已持有张数（开仓为 0）
func CheckExposure(symbol string, a Allocation, existing int64, balance float64, rc config.RiskConfig) error {
	if balance <= 0 {
		return fmt.Errorf("%s 余额 %.4f 非正: %w", symbol, balance, ErrRiskLimitExceeded)
	}
	exposure := a.Price * float64(existing+a.Contracts) / a.Leverage
	ratio := exposure / balance
	if ratio > rc.MaxSymbolExposureRatio {
		return fmt.Errorf("%s 保证金占比 %.4f 超过上限 %.4f: %w", symbol, ratio, rc.MaxSymbolExposureRatio, ErrRiskLimitExceeded)
	}
	return nil
}
