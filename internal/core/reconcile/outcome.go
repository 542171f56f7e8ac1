package reconcile

import (
	"fmt"

	"position-lifecycle-engine/internal/core/model"
)

// Status 单个合约本周期的处理结果
type Status string

const (
	// StatusApplied 操作已成交并落库
	StatusApplied Status = "applied"
	// StatusSkipped 无需操作或本周期放弃（如保证金不足）
	StatusSkipped Status = "skipped"
	// StatusRetryLater 暂时失败，下个周期重试
	StatusRetryLater Status = "retry_later"
	// StatusRejected 下单前风控拒绝，未调用下单接口
	StatusRejected Status = "rejected"
	// StatusFatal 鉴权失败、落库失败等需要人工介入的错误
	StatusFatal Status = "fatal"
)

// 周期名称
const (
	CycleOrder   = "order"
	CycleMonitor = "monitor"
)

// Outcome 单个合约的处理结果
type Outcome struct {
	// Symbol 合约 ID
	Symbol string
	// Op 决定执行的操作，不操作时为空
	Op model.Operation
	// Status 结果状态
	Status Status
	// Reason 决策或失败原因
	Reason string
	// OrderID 成交订单 ID
	OrderID string
	// Contracts 成交张数
	Contracts int64
	// Price 参考价格
	Price float64
	// RealizedPnL 已实现盈亏（reduce/close）
	RealizedPnL float64
	// Err 失败原因
	Err error
}

func (o Outcome) String() string {
	s := fmt.Sprintf("%s %s %s", o.Symbol, o.Op, o.Status)
	if o.Reason != "" {
		s += " (" + o.Reason + ")"
	}
	return s
}

// CycleReport 一个完整周期的结果
type CycleReport struct {
	// Cycle 周期名称
	Cycle string
	// BatchID 使用的信号批次
	BatchID string
	// Duplicate 批次已处理过，整体跳过
	Duplicate bool
	// Outcomes 各合约结果
	Outcomes []Outcome
	// Err 周期级错误（信号源或存储不可读）
	Err error
}

// Count 统计某状态的结果数
func (r CycleReport) Count(st Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == st {
			n++
		}
	}
	return n
}

// Failed 周期是否算作失败
// 只有周期级错误或出现 Fatal 才计入连续失败；RetryLater 由下个周期自然重试
func (r CycleReport) Failed() bool {
	return r.Err != nil || r.Count(StatusFatal) > 0
}

// settled 本批次是否已处理完毕，无需重放
func (r CycleReport) settled() bool {
	return r.Err == nil && r.Count(StatusRetryLater) == 0 && r.Count(StatusFatal) == 0
}
