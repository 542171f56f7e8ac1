// Package exchangetest 提供可编排的网关替身，供各包测试使用。
package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"position-lifecycle-engine/internal/exchange"
)

// PlaceResult 一次 PlaceOrder 的预设结果
type PlaceResult struct {
	// OrderID 返回的订单 ID
	OrderID string
	// Err 返回的错误
	Err error
}

// Gateway 可编排的网关替身
// 预设结果按队列消费，队列为空时使用默认行为（成交）
type Gateway struct {
	mu sync.Mutex

	// Prices 各合约价格；缺失视为暂无价格
	Prices map[string]float64
	// BarCloses 各合约上一根 1m K 线收盘价
	BarCloses map[string]float64
	// Lev 杠杆
	Lev exchange.Leverage
	// Balance 可用余额
	Balance float64
	// BalanceErr 余额查询错误
	BalanceErr error

	// PlaceQueue 下单结果队列
	PlaceQueue []PlaceResult
	// StatusQueue 状态查询结果队列
	StatusQueue []exchange.OrderFill
	// TransferErrs 划转结果队列
	TransferErrs []error

	// Orders 收到的下单请求
	Orders []exchange.OrderRequest
	// StatusCalls 状态查询次数
	StatusCalls int
	// Transfers 成功划转的金额
	Transfers []float64

	seq   int
	sizes map[string]int64
}

// New 创建默认成交的网关替身
func New() *Gateway {
	return &Gateway{
		Prices:    map[string]float64{},
		BarCloses: map[string]float64{},
		Lev:       exchange.Leverage{Long: 5, Short: 5},
		Balance:   1000,
	}
}

// SetPrice 设置价格
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	g.Prices[symbol] = price
	g.mu.Unlock()
}

// OrderCount 已收到的下单请求数
func (g *Gateway) OrderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Orders)
}

// MarketPrice 实现 exchange.Gateway
func (g *Gateway) MarketPrice(_ context.Context, symbol string) (float64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.Prices[symbol]
	return p, ok, nil
}

// LastBarClose 实现 exchange.BarSource
func (g *Gateway) LastBarClose(_ context.Context, symbol string) (float64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.BarCloses[symbol]
	return p, ok, nil
}

// Leverage 实现 exchange.Gateway
func (g *Gateway) Leverage(_ context.Context, _ string) (exchange.Leverage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Lev, nil
}

// TradeBalance 实现 exchange.Gateway
func (g *Gateway) TradeBalance(_ context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Balance, g.BalanceErr
}

// PlaceOrder 实现 exchange.Gateway
func (g *Gateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Orders = append(g.Orders, req)
	if g.sizes == nil {
		g.sizes = map[string]int64{}
	}
	if len(g.PlaceQueue) > 0 {
		r := g.PlaceQueue[0]
		g.PlaceQueue = g.PlaceQueue[1:]
		if r.Err == nil {
			g.sizes[r.OrderID] = req.Size
		}
		return r.OrderID, r.Err
	}
	g.seq++
	id := fmt.Sprintf("ord-%d", g.seq)
	g.sizes[id] = req.Size
	return id, nil
}

// OrderStatus 实现 exchange.Gateway
// 队列为空时按下单张数全部成交
func (g *Gateway) OrderStatus(_ context.Context, _, orderID string) (exchange.OrderFill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.StatusCalls++
	if len(g.StatusQueue) > 0 {
		s := g.StatusQueue[0]
		g.StatusQueue = g.StatusQueue[1:]
		return s, nil
	}
	return exchange.OrderFill{State: exchange.StateFilled, FilledSize: g.sizes[orderID]}, nil
}

// Transfer 实现 exchange.Gateway
func (g *Gateway) Transfer(_ context.Context, amount float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.TransferErrs) > 0 {
		err := g.TransferErrs[0]
		g.TransferErrs = g.TransferErrs[1:]
		if err != nil {
			return err
		}
	}
	g.Transfers = append(g.Transfers, amount)
	return nil
}
