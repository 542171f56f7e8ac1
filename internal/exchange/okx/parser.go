package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Tick 单条行情
type Tick struct {
	// InstId 合约 ID
	InstId string
	// Price 最新成交价
	Price float64
	// ExchTs 交易所时间
	ExchTs time.Time
}

// ParseTickers 解析 tickers 频道推送
// 非 tickers 消息返回 nil；价格非正的条目丢弃
func ParseTickers(data []byte) ([]Tick, error) {
	var msg TickersMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析 OKX 消息失败: %w", err)
	}
	if msg.Arg.Channel != "tickers" || len(msg.Data) == 0 {
		return nil, nil
	}

	ticks := make([]Tick, 0, len(msg.Data))
	for _, d := range msg.Data {
		px, ok := parseNumber(d.Last)
		if d.InstId == "" || !ok || !px.IsPositive() {
			continue
		}
		ticks = append(ticks, Tick{
			InstId: d.InstId,
			Price:  px.InexactFloat64(),
			ExchTs: parseMillis(d.Ts),
		})
	}
	return ticks, nil
}

// parseMillis 解析毫秒时间戳字符串，失败返回零值
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// IsSubscribeResponse 判断是否为订阅响应
func IsSubscribeResponse(data []byte) bool {
	var resp SubscribeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return false
	}
	return resp.Event == "subscribe" || resp.Event == "unsubscribe" || resp.Event == "error"
}

// IsPong 判断是否为 pong 响应
func IsPong(data []byte) bool {
	return string(data) == "pong"
}
