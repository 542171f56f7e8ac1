// Package order 实现下单协议：下单、确认成交、有限次重试与指数退避。
// 不读写持仓存储，只与交易所网关交互。
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/exchange"
	"position-lifecycle-engine/internal/util/backoff"
)

// Status 下单结果状态
type Status string

const (
	// StatusFilled 已确认完全或部分成交
	StatusFilled Status = "filled"
	// StatusRetryExhausted 重试耗尽
	StatusRetryExhausted Status = "retry_exhausted"
	// StatusAborted 保证金不足，本周期放弃
	StatusAborted Status = "aborted"
	// StatusFatal 鉴权失败等不可恢复错误
	StatusFatal Status = "fatal"
)

// Request 下单请求
type Request struct {
	// Symbol 合约 ID
	Symbol string
	// Side 下单方向
	Side model.OrderSide
	// Contracts 张数
	Contracts int64
	// ReduceOnly 是否只减仓
	ReduceOnly bool
}

// Result 下单结果
type Result struct {
	// Status 结果状态
	Status Status
	// OrderID 成交订单 ID（仅 Filled）
	OrderID string
	// State 最后一次查询到的订单状态
	State exchange.OrderState
	// FilledSize 交易所返回的累计成交张数；0 表示未知
	FilledSize int64
	// Attempts 实际尝试次数
	Attempts int
	// Err 最后一次失败原因
	Err error
}

// Filled 是否成交
func (r Result) Filled() bool {
	return r.Status == StatusFilled
}

// FilledContracts 实际成交张数
// 交易所返回的成交量在 (0, requested) 内时以其为准，否则视为全部成交
func (r Result) FilledContracts(requested int64) int64 {
	if r.FilledSize > 0 && r.FilledSize < requested {
		return r.FilledSize
	}
	return requested
}

// Reason 失败原因描述
func (r Result) Reason() string {
	if r.Err == nil {
		return string(r.Status)
	}
	return fmt.Sprintf("%s: %v", r.Status, r.Err)
}

// Observer 下单过程观察者（指标上报）
type Observer interface {
	// ObserveAttempt 每次尝试结束时调用
	ObserveAttempt(symbol string, err error)
	// ObserveResult 协议结束时调用
	ObserveResult(symbol string, side model.OrderSide, status Status)
}

// Submitter 下单协议执行器
type Submitter struct {
	// gw 交易所网关
	gw exchange.Gateway
	// cfg 配置提供者
	cfg config.Provider
	// logger 日志记录器
	logger *zap.Logger
	// observer 可选观察者
	observer Observer
	// sleep 等待函数（测试可替换）
	sleep func(time.Duration)
	// newClientID 客户端订单 ID 生成器
	newClientID func() string
}

// NewSubmitter 创建下单协议执行器
// 参数 gw: 交易所网关
// 参数 cfg: 配置提供者（每次 Submit 读取 order 段）
// 参数 logger: 日志记录器
func NewSubmitter(gw exchange.Gateway, cfg config.Provider, logger *zap.Logger) *Submitter {
	return &Submitter{
		gw:          gw,
		cfg:         cfg,
		logger:      logger.Named("order"),
		sleep:       time.Sleep,
		newClientID: newClientOrderID,
	}
}

// WithObserver 设置观察者
func (s *Submitter) WithObserver(o Observer) *Submitter {
	s.observer = o
	return s
}

// SetSleep 替换等待函数
func (s *Submitter) SetSleep(fn func(time.Duration)) {
	s.sleep = fn
}

// newClientOrderID 生成 32 位字母数字的 clOrdId
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Submit 下单并确认成交
// 最多尝试 order.max_retry_on_failure 次，失败之间按指数退避等待；
// 鉴权错误立即返回 Fatal，保证金不足立即返回 Aborted。
// 协议本身不响应 ctx 取消，ctx 只透传给网关调用。
func (s *Submitter) Submit(ctx context.Context, req Request) Result {
	oc := s.cfg.Current().Order
	bo := backoff.NewOrderRetry(oc.BackoffBaseMs, oc.BackoffMaxMs)
	pollDelay := time.Duration(oc.StatusPollDelayMs) * time.Millisecond

	logger := s.logger.With(
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("contracts", req.Contracts),
		zap.Bool("reduce_only", req.ReduceOnly),
	)

	if req.Contracts <= 0 {
		return s.finish(req, Result{Status: StatusAborted, Err: fmt.Errorf("张数 %d 非正", req.Contracts)})
	}

	var res Result
	for attempt := 1; attempt <= oc.MaxRetryOnFailure; attempt++ {
		res.Attempts = attempt

		orderID, fill, err := s.attempt(ctx, req, pollDelay)
		res.State = fill.State
		res.FilledSize = fill.FilledSize
		if s.observer != nil {
			s.observer.ObserveAttempt(req.Symbol, err)
		}
		if err == nil {
			res.Status = StatusFilled
			res.OrderID = orderID
			res.Err = nil
			logger.Info("下单成交", zap.String("order_id", orderID), zap.String("state", string(fill.State)), zap.Int64("filled", res.FilledContracts(req.Contracts)), zap.Int("attempt", attempt))
			return s.finish(req, res)
		}
		res.Err = err

		switch {
		case errors.Is(err, exchange.ErrAuth):
			res.Status = StatusFatal
			logger.Error("下单鉴权失败，停止重试", zap.Error(err))
			return s.finish(req, res)
		case errors.Is(err, exchange.ErrInsufficientMargin):
			res.Status = StatusAborted
			logger.Warn("保证金不足，放弃本次下单", zap.Error(err))
			return s.finish(req, res)
		}

		if attempt < oc.MaxRetryOnFailure {
			delay := bo.Next()
			logger.Warn("下单失败，等待重试", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			s.sleep(delay)
		} else {
			logger.Warn("下单失败", zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	res.Status = StatusRetryExhausted
	logger.Error("下单重试耗尽", zap.Int("attempts", res.Attempts), zap.Error(res.Err))
	return s.finish(req, res)
}

// attempt 单次尝试：下单 → 短暂等待 → 查询状态
// 返回: 订单 ID、订单状态与成交量；未确认成交时返回错误
func (s *Submitter) attempt(ctx context.Context, req Request, pollDelay time.Duration) (string, exchange.OrderFill, error) {
	orderID, err := s.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Contracts,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: s.newClientID(),
	})
	if err != nil {
		return "", exchange.OrderFill{State: exchange.StateUnknown}, fmt.Errorf("下单请求失败: %w", err)
	}
	if orderID == "" {
		return "", exchange.OrderFill{State: exchange.StateUnknown}, fmt.Errorf("下单响应缺少订单 ID: %w", exchange.ErrMalformedResponse)
	}

	if pollDelay > 0 {
		s.sleep(pollDelay)
	}

	fill, err := s.gw.OrderStatus(ctx, req.Symbol, orderID)
	if err != nil {
		return orderID, exchange.OrderFill{State: exchange.StateUnknown}, fmt.Errorf("查询订单 %s 状态失败: %w", orderID, err)
	}
	if !fill.State.Accepted() {
		return orderID, fill, fmt.Errorf("订单 %s 未成交，状态 %s: %w", orderID, fill.State, exchange.ErrTransient)
	}
	return orderID, fill, nil
}

// finish 上报结果
func (s *Submitter) finish(req Request, res Result) Result {
	if s.observer != nil {
		s.observer.ObserveResult(req.Symbol, req.Side, res.Status)
	}
	return res
}
