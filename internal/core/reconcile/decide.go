// Package reconcile 实现持仓对账：比较持仓与最新信号、实时风险条件，决定下一步操作并执行。
package reconcile

import (
	"time"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
)

// 决策原因
const (
	ReasonOpenSignal     = "open_signal"
	ReasonAddSignal      = "add_signal"
	ReasonAddLimit       = "add_limit_reached"
	ReasonTakeProfit     = "take_profit_value"
	ReasonStopLoss       = "stop_loss"
	ReasonSignalLost     = "signal_lost"
	ReasonSignalWeak     = "signal_weak"
	ReasonReduceCooldown = "reduce_cooldown"
	ReasonShortNoReduce  = "short_no_reduce"

	ReasonFlashCrash   = "flash_crash"
	ReasonMaxLoss      = "max_loss"
	ReasonRetrace      = "retrace_from_peak"
	ReasonTrailingStop = "trailing_stop"
	ReasonTakeProfitPx = "take_profit_ratio"
	ReasonTimeout      = "position_timeout"
)

// Decision 对账决策
type Decision struct {
	// Op 操作，空表示不操作
	Op model.Operation
	// Reason 决策原因
	Reason string
	// Size reduce/close 的张数（open/add 由资金分配决定）
	Size int64
}

// None 是否不操作
func (d Decision) None() bool {
	return d.Op == ""
}

// ReduceSize 减仓张数 = max(1, size/2)
func ReduceSize(size int64) int64 {
	q := size / 2
	if q < 1 {
		q = 1
	}
	return q
}

// Decide 按优先级评估信号驱动的规则
// 参数 p: 当前持仓（无持仓为 nil）
// 参数 s: 最新信号（不在名单中为 nil）
// 参数 price: 实时价格（无持仓时不使用）
// 参数 rc: 风控参数
// 参数 now: 当前时间（减仓冷却）
func Decide(p *model.Position, s *model.Signal, price float64, rc config.RiskConfig, now time.Time) Decision {
	if p == nil || p.Size <= 0 {
		if s != nil && s.Confidence >= rc.OpenThreshold {
			return Decision{Op: model.OpOpen, Reason: ReasonOpenSignal}
		}
		return Decision{}
	}

	d := decideHolding(p, s, price, rc)
	return finalize(p, d, rc, now)
}

// decideHolding 持仓时的规则 2-6
func decideHolding(p *model.Position, s *model.Signal, price float64, rc config.RiskConfig) Decision {
	// 同向且置信度提高：加仓，次数用尽则平仓
	if s != nil && s.Side == p.Side && s.Confidence > p.Confidence {
		if p.AddTimes < rc.MaxAddTimes {
			return Decision{Op: model.OpAdd, Reason: ReasonAddSignal}
		}
		return Decision{Op: model.OpClose, Reason: ReasonAddLimit}
	}

	if p.UnrealizedPnL(price) >= rc.TakeProfitValue {
		return Decision{Op: model.OpClose, Reason: ReasonTakeProfit}
	}

	if p.PnLRatio(price) <= rc.StopLossRatio {
		return reduceOrClose(p, ReasonStopLoss, rc)
	}

	if s == nil || s.Confidence < rc.OpenThreshold {
		reason := ReasonSignalLost
		if s != nil {
			reason = ReasonSignalWeak
		}
		if p.UnrealizedPnL(price) > 0 || !rc.RequireProfitToClose {
			return Decision{Op: model.OpClose, Reason: reason}
		}
		return reduceOrClose(p, reason, rc)
	}

	return Decision{}
}

// reduceOrClose 减仓次数未用尽时减仓，否则平仓
func reduceOrClose(p *model.Position, reason string, rc config.RiskConfig) Decision {
	if p.ReduceTimes < rc.MaxReduceTimes {
		return Decision{Op: model.OpReduce, Reason: reason}
	}
	return Decision{Op: model.OpClose, Reason: reason}
}

// finalize 补全张数并应用空头覆盖与减仓冷却
func finalize(p *model.Position, d Decision, rc config.RiskConfig, now time.Time) Decision {
	switch d.Op {
	case model.OpReduce:
		// 空头只允许整体平仓
		if p.Side == model.SideShort {
			return Decision{Op: model.OpClose, Reason: d.Reason + "/" + ReasonShortNoReduce, Size: p.Size}
		}
		q := ReduceSize(p.Size)
		if q >= p.Size {
			return Decision{Op: model.OpClose, Reason: d.Reason, Size: p.Size}
		}
		cooldown := time.Duration(rc.ReduceCooldownMs) * time.Millisecond
		if !p.LastReduceAt.IsZero() && now.Sub(p.LastReduceAt) < cooldown {
			return Decision{Reason: ReasonReduceCooldown}
		}
		d.Size = q
	case model.OpClose:
		d.Size = p.Size
	}
	return d
}
