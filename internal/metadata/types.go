// Package metadata 维护 OKX 永续合约目录，并据此过滤选币信号。
// 只有 USDT 正向永续且处于 live 状态的合约可以交易；
// 信号中的交易对写法（BTCUSDT、btc-usdt、BTC-USDT-SWAP）统一映射为 instId。
package metadata

// OKXResponse OKX 合约元数据 API 响应
// API: GET /api/v5/public/instruments?instType=SWAP
type OKXResponse struct {
	// Code 响应码，"0" 表示成功
	Code string `json:"code"`
	// Msg 错误信息
	Msg string `json:"msg"`
	// Data 合约列表
	Data []OKXInstrument `json:"data"`
}

// OKXInstrument OKX 合约信息
type OKXInstrument struct {
	// InstId 合约 ID，如 BTC-USDT-SWAP
	InstId string `json:"instId"`
	// InstType 合约类型: SWAP（永续）, FUTURES（交割）
	InstType string `json:"instType"`
	// Uly 标的指数，如 BTC-USDT
	Uly string `json:"uly"`
	// CtType linear（正向）或 inverse（反向）
	CtType string `json:"ctType"`
	// CtVal 合约面值
	CtVal string `json:"ctVal"`
	// SettleCcy 结算币种
	SettleCcy string `json:"settleCcy"`
	// LotSz 下单数量精度
	LotSz string `json:"lotSz"`
	// MinSz 最小下单数量
	MinSz string `json:"minSz"`
	// State 合约状态: live, suspend, preopen
	State string `json:"state"`
	// Lever 最大杠杆倍数
	Lever string `json:"lever"`
}

// IsUSDTLinearSwap 判断是否为 USDT 正向永续合约
// 条件: instType=SWAP, ctType=linear, settleCcy=USDT
func (i *OKXInstrument) IsUSDTLinearSwap() bool {
	return i.InstType == "SWAP" && i.CtType == "linear" && i.SettleCcy == "USDT"
}

// Tradable USDT 正向永续且处于 live 状态
func (i *OKXInstrument) Tradable() bool {
	return i.IsUSDTLinearSwap() && i.State == "live"
}
