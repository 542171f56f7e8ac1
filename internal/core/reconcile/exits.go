package reconcile

import (
	"time"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
)

// ExitInput 周期性退出规则的输入
type ExitInput struct {
	// Price 实时价格
	Price float64
	// PrevBarClose 上一根完整 1m K 线收盘价，未知为 0
	PrevBarClose float64
	// Now 当前时间
	Now time.Time
}

// EvaluateExit 评估不依赖信号的退出规则，第一条命中的规则生效
// 调用方需先用 Price 更新持仓水位线
// 顺序: 闪崩 → 最大浮亏 → 峰值回撤 → 移动止损 → 比例止盈 → 持仓超时
func EvaluateExit(p *model.Position, in ExitInput, mc config.MonitorConfig) Decision {
	if p == nil || p.Size <= 0 || !(in.Price > 0) {
		return Decision{}
	}
	closeWith := func(reason string) Decision {
		return Decision{Op: model.OpClose, Reason: reason, Size: p.Size}
	}
	price := in.Price

	if mc.FlashCrashRatio > 0 && p.Side == model.SideLong && in.PrevBarClose > 0 {
		if (in.PrevBarClose-price)/in.PrevBarClose >= mc.FlashCrashRatio {
			return closeWith(ReasonFlashCrash)
		}
	}

	ratio := p.PnLRatio(price)
	if mc.MaxLossRatio > 0 && ratio <= -mc.MaxLossRatio {
		return closeWith(ReasonMaxLoss)
	}

	if mc.RetraceProfitRatio > 0 && mc.RetraceDropRatio > 0 {
		peak := p.PeakGainRatio()
		if peak > mc.RetraceProfitRatio && peak-ratio > mc.RetraceDropRatio {
			return closeWith(ReasonRetrace)
		}
	}

	if t := mc.TrailingStopRatio; t > 0 {
		if p.Side == model.SideLong && p.HighWatermark > 0 && price <= p.HighWatermark*(1-t) {
			return closeWith(ReasonTrailingStop)
		}
		if p.Side == model.SideShort && p.LowWatermark > 0 && price >= p.LowWatermark*(1+t) {
			return closeWith(ReasonTrailingStop)
		}
	}

	if tp := mc.TakeProfitRatio; tp > 0 {
		if p.Side == model.SideLong && price >= p.EntryPrice*(1+tp) {
			return closeWith(ReasonTakeProfitPx)
		}
		if p.Side == model.SideShort && price <= p.EntryPrice*(1-tp) {
			return closeWith(ReasonTakeProfitPx)
		}
	}

	if mc.PositionTimeoutMin > 0 && !p.OpenedAt.IsZero() {
		if p.HoldDuration(in.Now) >= time.Duration(mc.PositionTimeoutMin)*time.Minute {
			return closeWith(ReasonTimeout)
		}
	}

	return Decision{}
}
