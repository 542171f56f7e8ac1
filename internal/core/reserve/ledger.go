// Package reserve 实现利润储备账本。
// 已实现盈利的一部分计入储备，储备达到阈值后划转到资金账户；
// 只有划转确认成功才清零，失败时保持原值等待下个周期重试。
package reserve

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// reserveKey 元数据表中的储备键
const reserveKey = "profit_reserve"

// Backend 储备持久化后端
type Backend interface {
	// GetMetadata 读取键值，不存在时返回空字符串
	GetMetadata(ctx context.Context, key string) (string, error)
	// UpsertMetadata 写入键值
	UpsertMetadata(ctx context.Context, key, value string) error
}

// TransferFunc 划转函数，返回 nil 表示划转已确认成功
type TransferFunc func(ctx context.Context, amount float64) error

// SweepResult 划转结果
type SweepResult struct {
	// Attempted 是否达到阈值并尝试了划转
	Attempted bool
	// Swept 是否划转成功并清零
	Swept bool
	// Amount 划转（或尝试划转）的金额
	Amount float64
}

// Ledger 利润储备账本
// 所有操作串行执行
type Ledger struct {
	mu      sync.Mutex
	backend Backend
	logger  *zap.Logger
}

// NewLedger 创建利润储备账本
func NewLedger(backend Backend, logger *zap.Logger) *Ledger {
	return &Ledger{
		backend: backend,
		logger:  logger.Named("reserve"),
	}
}

// AddProfit 增加储备
// amount <= 0 时不做任何事
// 返回: 增加后的储备
func (l *Ledger) AddProfit(ctx context.Context, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	if !(amount > 0) || math.IsInf(amount, 0) {
		return cur.InexactFloat64(), nil
	}

	next := cur.Add(decimal.NewFromFloat(amount))
	if err := l.save(ctx, next); err != nil {
		return cur.InexactFloat64(), err
	}
	l.logger.Info("利润计入储备", zap.Float64("amount", amount), zap.String("reserved", next.String()))
	return next.InexactFloat64(), nil
}

// Reserved 当前储备
func (l *Ledger) Reserved(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	return cur.InexactFloat64(), nil
}

// TrySweep 储备达到阈值时尝试划转
// 参数 threshold: 划转阈值（储备 >= 阈值才划转）
// 参数 transfer: 划转函数
// 返回: 划转结果；划转失败不作为错误返回，只有存储故障才返回错误
func (l *Ledger) TrySweep(ctx context.Context, threshold float64, transfer TransferFunc) (SweepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.load(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	if cur.Sign() <= 0 || cur.LessThan(decimal.NewFromFloat(threshold)) {
		return SweepResult{Amount: cur.InexactFloat64()}, nil
	}

	// 交易所金额精度为 1e-8，截断避免超额划转
	amount := cur.Truncate(8).InexactFloat64()
	res := SweepResult{Attempted: true, Amount: amount}
	if err := transfer(ctx, amount); err != nil {
		l.logger.Warn("储备划转失败，保留储备待下次重试", zap.Float64("amount", amount), zap.Error(err))
		return res, nil
	}

	if err := l.save(ctx, decimal.Zero); err != nil {
		// 划转已成功但清零失败：下次可能重复划转，需人工核对
		l.logger.Error("储备划转成功但清零失败", zap.Float64("amount", amount), zap.Error(err))
		return res, err
	}
	res.Swept = true
	l.logger.Info("储备划转成功", zap.Float64("amount", amount))
	return res, nil
}

// load 读取储备；无法解析时按 0 处理并修复
func (l *Ledger) load(ctx context.Context) (decimal.Decimal, error) {
	raw, err := l.backend.GetMetadata(ctx, reserveKey)
	if err != nil {
		return decimal.Zero, fmt.Errorf("读取储备失败: %w", err)
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || v.Sign() < 0 {
		l.logger.Warn("储备记录损坏，重置为 0", zap.String("raw", raw), zap.Error(err))
		if err := l.save(ctx, decimal.Zero); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, nil
	}
	return v, nil
}

// save 写入储备
func (l *Ledger) save(ctx context.Context, v decimal.Decimal) error {
	if err := l.backend.UpsertMetadata(ctx, reserveKey, v.String()); err != nil {
		return fmt.Errorf("写入储备失败: %w", err)
	}
	return nil
}
