// OKX REST 与 WebSocket 消息类型
package okx

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Envelope REST 通用响应
// code 为 "0" 表示成功
type Envelope struct {
	// Code 错误码
	Code string `json:"code"`
	// Msg 错误消息
	Msg string `json:"msg"`
	// Data 业务数据
	Data json.RawMessage `json:"data"`
}

// TickerData 行情快照（REST ticker 与 WebSocket tickers 频道共用）
type TickerData struct {
	// InstId 合约 ID
	InstId string `json:"instId"`
	// Last 最新成交价
	Last string `json:"last"`
	// Ts 交易所时间戳（毫秒字符串）
	Ts string `json:"ts"`
}

// LeverageData 杠杆信息
// 单向持仓模式下 posSide 为 net，多空共用一个杠杆
type LeverageData struct {
	// InstId 合约 ID
	InstId string `json:"instId"`
	// MgnMode 保证金模式
	MgnMode string `json:"mgnMode"`
	// PosSide 持仓方向: long, short, net
	PosSide string `json:"posSide"`
	// Lever 杠杆倍数
	Lever string `json:"lever"`
}

// BalanceData 账户余额
type BalanceData struct {
	// Details 各币种明细
	Details []BalanceDetail `json:"details"`
}

// BalanceDetail 单币种余额
type BalanceDetail struct {
	// Ccy 币种
	Ccy string `json:"ccy"`
	// AvailBal 可用余额
	AvailBal string `json:"availBal"`
	// AvailEq 可用权益（跨币种保证金模式下使用）
	AvailEq string `json:"availEq"`
}

// PlaceOrderRequest 下单请求体
type PlaceOrderRequest struct {
	// InstId 合约 ID
	InstId string `json:"instId"`
	// TdMode 保证金模式: cross, isolated
	TdMode string `json:"tdMode"`
	// Side 下单方向: buy, sell
	Side string `json:"side"`
	// OrdType 订单类型，固定 market
	OrdType string `json:"ordType"`
	// Sz 张数
	Sz string `json:"sz"`
	// ReduceOnly 是否只减仓
	ReduceOnly bool `json:"reduceOnly,omitempty"`
	// ClOrdId 客户端订单 ID
	ClOrdId string `json:"clOrdId,omitempty"`
}

// OrderAck 下单回执
type OrderAck struct {
	// OrdId 交易所订单 ID
	OrdId string `json:"ordId"`
	// ClOrdId 客户端订单 ID
	ClOrdId string `json:"clOrdId"`
	// SCode 单笔结果码
	SCode string `json:"sCode"`
	// SMsg 单笔结果消息
	SMsg string `json:"sMsg"`
}

// OrderData 订单详情
type OrderData struct {
	// OrdId 交易所订单 ID
	OrdId string `json:"ordId"`
	// State 订单状态: live, partially_filled, filled, canceled
	State string `json:"state"`
	// AccFillSz 累计成交张数
	AccFillSz string `json:"accFillSz"`
	// AvgPx 成交均价
	AvgPx string `json:"avgPx"`
}

// TransferRequest 资金划转请求体
type TransferRequest struct {
	// Ccy 币种
	Ccy string `json:"ccy"`
	// Amt 金额
	Amt string `json:"amt"`
	// From 转出账户: 18 交易账户
	From string `json:"from"`
	// To 转入账户: 6 资金账户
	To string `json:"to"`
	// Type 划转类型: 0 账户内划转
	Type string `json:"type"`
}

// parseNumber 解析 OKX 数字字符串
// OKX 对缺省字段返回空字符串，此时 ok 为 false
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// SubscribeRequest WebSocket 订阅请求
type SubscribeRequest struct {
	// Op 操作类型: subscribe, unsubscribe
	Op string `json:"op"`
	// Args 订阅参数列表
	Args []SubscribeArg `json:"args"`
}

// SubscribeArg 订阅参数
type SubscribeArg struct {
	// Channel 频道名称: tickers
	Channel string `json:"channel"`
	// InstId 合约 ID: BTC-USDT-SWAP
	InstId string `json:"instId"`
}

// SubscribeResponse WebSocket 订阅响应
type SubscribeResponse struct {
	// Event 事件类型: subscribe, error
	Event string `json:"event"`
	// Arg 订阅参数
	Arg *SubscribeArg `json:"arg,omitempty"`
	// Code 错误码
	Code string `json:"code,omitempty"`
	// Msg 错误消息
	Msg string `json:"msg,omitempty"`
}

// TickersMessage tickers 频道推送
type TickersMessage struct {
	// Arg 订阅参数
	Arg SubscribeArg `json:"arg"`
	// Data 行情列表
	Data []TickerData `json:"data"`
}

// FeedMetrics 行情连接质量指标
type FeedMetrics struct {
	// ReconnectCount 重连次数
	ReconnectCount int64
	// ParseErrorCount 解析错误次数
	ParseErrorCount int64
	// Tracked 已订阅合约数
	Tracked int
	// LastMessageAgeMs 最后消息距今时间（毫秒）
	LastMessageAgeMs int64
	// WsRttMs WebSocket RTT（毫秒）
	WsRttMs int64
}
