// Package paper 实现模拟成交网关。
// 行情取自真实公共接口，下单在本地按市价加滑点立即成交，不会向交易所发送任何订单。
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/exchange"
)

// Quoter 行情来源
type Quoter interface {
	// MarketPrice 最新成交价；ok=false 表示暂无价格
	MarketPrice(ctx context.Context, symbol string) (float64, bool, error)
}

// holding 模拟持仓（净持仓，正数为多头）
type holding struct {
	// contracts 带符号张数
	contracts int64
	// avgPx 持仓均价
	avgPx float64
}

// Gateway 模拟成交网关
// 每张合约保证金 = 成交价 / 杠杆；平仓时释放保证金并结算盈亏
type Gateway struct {
	// cfg 模拟成交配置
	cfg config.PaperConfig
	// quoter 行情来源
	quoter Quoter
	// logger 日志记录器
	logger *zap.Logger

	mu sync.Mutex
	// balance 交易账户可用余额
	balance float64
	// funding 资金账户余额
	funding float64
	// holdings 各合约净持仓
	holdings map[string]*holding
	// orders 尚未被查询的订单；查询一次后移除
	orders map[string]exchange.OrderFill
}

// NewGateway 创建模拟成交网关
// 参数 cfg: 模拟成交配置（初始余额、杠杆、滑点）
// 参数 quoter: 行情来源
// 参数 logger: 日志记录器
func NewGateway(cfg config.PaperConfig, quoter Quoter, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		quoter:   quoter,
		logger:   logger.Named("paper"),
		balance:  cfg.InitialBalance,
		holdings: make(map[string]*holding),
		orders:   make(map[string]exchange.OrderFill),
	}
}

// MarketPrice 实现 exchange.Gateway
func (g *Gateway) MarketPrice(ctx context.Context, symbol string) (float64, bool, error) {
	return g.quoter.MarketPrice(ctx, symbol)
}

// LastBarClose 实现 exchange.BarSource（行情来源支持时）
func (g *Gateway) LastBarClose(ctx context.Context, symbol string) (float64, bool, error) {
	if bs, ok := g.quoter.(exchange.BarSource); ok {
		return bs.LastBarClose(ctx, symbol)
	}
	return 0, false, nil
}

// Leverage 实现 exchange.Gateway
func (g *Gateway) Leverage(_ context.Context, _ string) (exchange.Leverage, error) {
	return exchange.Leverage{Long: g.cfg.Leverage, Short: g.cfg.Leverage}, nil
}

// TradeBalance 实现 exchange.Gateway
func (g *Gateway) TradeBalance(_ context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

// PlaceOrder 实现 exchange.Gateway
// 按最新价加不利滑点立即全部成交
func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	if req.Size <= 0 {
		return "", &exchange.APIError{Code: "51000", Msg: fmt.Sprintf("Parameter sz error: %d", req.Size)}
	}
	px, ok, err := g.quoter.MarketPrice(ctx, req.Symbol)
	if err != nil {
		return "", fmt.Errorf("模拟成交获取 %s 价格失败: %w", req.Symbol, err)
	}
	if !ok || px <= 0 {
		return "", fmt.Errorf("模拟成交 %s 暂无价格: %w", req.Symbol, exchange.ErrTransient)
	}

	fillPx := g.fillPrice(req.Side, px)
	delta := req.Size
	if req.Side == model.OrderSell {
		delta = -delta
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h := g.holdings[req.Symbol]
	if h == nil {
		h = &holding{}
	}

	if req.ReduceOnly {
		// 只减仓：方向必须与持仓相反，且不超过持仓
		if h.contracts == 0 || sign(delta) == sign(h.contracts) || abs(delta) > abs(h.contracts) {
			return "", &exchange.APIError{Code: "51169", Msg: "Order failed because you don't have any positions to reduce"}
		}
		qty := abs(delta)
		released := float64(qty) * h.avgPx / g.cfg.Leverage
		pnl := float64(qty) * (fillPx - h.avgPx) * float64(sign(h.contracts))
		g.balance += released + pnl
		h.contracts += delta
		if h.contracts == 0 {
			delete(g.holdings, req.Symbol)
		}
	} else {
		if h.contracts != 0 && sign(delta) != sign(h.contracts) {
			return "", &exchange.APIError{Code: "51000", Msg: "paper gateway does not support reversing positions"}
		}
		margin := float64(req.Size) * fillPx / g.cfg.Leverage
		if margin > g.balance {
			return "", &exchange.APIError{Code: "51008", Msg: "Order failed. Insufficient USDT margin in account"}
		}
		g.balance -= margin
		total := abs(h.contracts) + req.Size
		h.avgPx = (h.avgPx*float64(abs(h.contracts)) + fillPx*float64(req.Size)) / float64(total)
		h.contracts += delta
		g.holdings[req.Symbol] = h
	}

	id := uuid.NewString()
	g.orders[id] = exchange.OrderFill{State: exchange.StateFilled, FilledSize: req.Size}
	g.logger.Info("模拟成交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("size", req.Size),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.Float64("fill_px", fillPx),
		zap.Float64("balance", g.balance))
	return id, nil
}

// OrderStatus 实现 exchange.Gateway
// 模拟订单均为终态，查询后即从表中移除
func (g *Gateway) OrderStatus(_ context.Context, _ string, orderID string) (exchange.OrderFill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[orderID]
	if !ok {
		return exchange.OrderFill{State: exchange.StateUnknown}, &exchange.APIError{Code: "51603", Msg: "Order does not exist"}
	}
	delete(g.orders, orderID)
	return st, nil
}

// pendingOrders 尚未被查询的订单数
func (g *Gateway) pendingOrders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}

// Transfer 实现 exchange.Gateway
func (g *Gateway) Transfer(_ context.Context, amount float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !(amount > 0) || math.IsInf(amount, 0) {
		return fmt.Errorf("划转金额 %v 非正", amount)
	}
	if amount > g.balance {
		return &exchange.APIError{Code: "58350", Msg: "Insufficient balance"}
	}
	g.balance -= amount
	g.funding += amount
	g.logger.Info("模拟划转至资金账户", zap.Float64("amount", amount), zap.Float64("funding", g.funding))
	return nil
}

// Funding 资金账户余额
func (g *Gateway) Funding() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.funding
}

// Contracts 合约的净持仓张数（多头为正）
func (g *Gateway) Contracts(symbol string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h := g.holdings[symbol]; h != nil {
		return h.contracts
	}
	return 0
}

// fillPrice 买入上浮、卖出下浮
func (g *Gateway) fillPrice(side model.OrderSide, px float64) float64 {
	slip := g.cfg.SlippageBps / 10000
	if side == model.OrderBuy {
		return px * (1 + slip)
	}
	return px * (1 - slip)
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
