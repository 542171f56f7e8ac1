package model

// Operation 仓位操作类型
type Operation string

const (
	// OpOpen 开仓
	OpOpen Operation = "open"
	// OpAdd 加仓
	OpAdd Operation = "add"
	// OpReduce 减仓
	OpReduce Operation = "reduce"
	// OpClose 平仓
	OpClose Operation = "close"
)

// Valid 判断操作类型是否有效
func (o Operation) Valid() bool {
	switch o {
	case OpOpen, OpAdd, OpReduce, OpClose:
		return true
	}
	return false
}

// Signal 选币信号
// 由上游信号源每个周期产出一批，按 Rank 排序
type Signal struct {
	// Symbol 合约 ID，如 BTC-USDT-SWAP
	Symbol string `json:"symbol"`
	// Side 期望方向
	Side Side `json:"direction"`
	// Confidence 置信度（0-100）
	Confidence float64 `json:"confidence"`
	// Operation 上游建议的操作（仅供记录，决策由对账规则给出）
	Operation Operation `json:"operation,omitempty"`
	// Rank 排名，越小越靠前
	Rank int `json:"rank"`
}
