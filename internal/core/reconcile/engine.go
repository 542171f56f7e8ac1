package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/allocator"
	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/core/order"
	"position-lifecycle-engine/internal/core/reserve"
	"position-lifecycle-engine/internal/core/store"
	"position-lifecycle-engine/internal/exchange"
	"position-lifecycle-engine/internal/selection"
	"position-lifecycle-engine/internal/util/keymu"
)

// Notifier 成交通知
type Notifier interface {
	// Notify 异步输出一条成交日志，不得阻塞
	Notify(e model.TradeLogEntry)
}

// Recorder 指标上报
type Recorder interface {
	// ObserveOutcome 单个合约处理结果
	ObserveOutcome(cycle string, o Outcome)
	// ObserveCycle 周期结束
	ObserveCycle(cycle string, failed bool, elapsed time.Duration)
	// ObserveRealized 已实现盈亏
	ObserveRealized(symbol string, pnl, ratio float64)
	// SetReserve 当前利润储备
	SetReserve(v float64)
	// SetOpenPositions 当前持仓数
	SetOpenPositions(n int)
}

// Deps 引擎依赖
type Deps struct {
	// Config 配置提供者
	Config config.Provider
	// Gateway 交易所网关
	Gateway exchange.Gateway
	// Source 选币信号源
	Source selection.Source
	// Positions 持仓存储
	Positions *store.PositionStore
	// Trades 成交日志
	Trades *store.TradeLog
	// Ledger 利润储备账本
	Ledger *reserve.Ledger
	// Submitter 下单协议执行器
	Submitter *order.Submitter
}

// Engine 对账引擎
// 同一合约的判断、下单、落库在引擎级互斥锁内串行完成
type Engine struct {
	deps   Deps
	logger *zap.Logger

	// bars 可选 K 线来源（闪崩规则）
	bars exchange.BarSource
	// notifier 可选成交通知
	notifier Notifier
	// recorder 可选指标上报
	recorder Recorder

	// locks 按合约的互斥锁
	locks *keymu.Map
	// now 时间函数（测试可替换）
	now func() time.Time

	mu          sync.Mutex
	lastBatchID string
}

// NewEngine 创建对账引擎
func NewEngine(deps Deps, logger *zap.Logger) *Engine {
	return &Engine{
		deps:   deps,
		logger: logger.Named("reconcile"),
		locks:  keymu.New(),
		now:    time.Now,
	}
}

// WithBarSource 设置 K 线来源
func (e *Engine) WithBarSource(b exchange.BarSource) *Engine {
	e.bars = b
	return e
}

// WithNotifier 设置成交通知
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithRecorder 设置指标上报
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

// SetClock 替换时间函数
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// task 单个合约的对账任务
type task struct {
	cycle  string
	symbol string
	signal *model.Signal
	// exits 是否评估周期性退出规则
	exits bool
	// signalRules 是否评估信号驱动的规则
	signalRules bool
}

// RunOrderExecutionCycle 下单周期
// 读取最新信号批次：名单内合约逐个对账，已持仓但不在名单中的合约按信号消失处理。
// 同一批次全部处理完毕后不会重复执行。
func (e *Engine) RunOrderExecutionCycle(ctx context.Context) CycleReport {
	start := e.now()
	rep := CycleReport{Cycle: CycleOrder}
	defer e.finishCycle(ctx, &rep, start)

	batch, err := e.deps.Source.Latest(ctx)
	if err != nil {
		rep.Err = fmt.Errorf("读取选币信号失败: %w", err)
		e.logger.Warn("读取选币信号失败，跳过下单周期", zap.Error(err))
		return rep
	}
	rep.BatchID = batch.ID

	e.mu.Lock()
	dup := batch.ID != "" && batch.ID == e.lastBatchID
	e.mu.Unlock()
	if dup {
		rep.Duplicate = true
		e.logger.Debug("信号批次已处理，跳过", zap.String("batch", batch.ID))
		return rep
	}

	held, err := e.deps.Positions.List(ctx)
	if err != nil {
		rep.Err = fmt.Errorf("读取持仓失败: %w", err)
		e.logger.Error("读取持仓失败，跳过下单周期", zap.Error(err))
		return rep
	}

	listed := make(map[string]bool, len(batch.Signals))
	for i := range batch.Signals {
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			return rep
		}
		s := batch.Signals[i]
		listed[s.Symbol] = true
		rep.Outcomes = append(rep.Outcomes, e.reconcileSymbol(ctx, task{
			cycle: CycleOrder, symbol: s.Symbol, signal: &s, signalRules: true,
		}))
	}
	for _, p := range held {
		if listed[p.Symbol] {
			continue
		}
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			return rep
		}
		rep.Outcomes = append(rep.Outcomes, e.reconcileSymbol(ctx, task{
			cycle: CycleOrder, symbol: p.Symbol, signalRules: true,
		}))
	}

	if rep.settled() {
		e.mu.Lock()
		e.lastBatchID = batch.ID
		e.mu.Unlock()
	}
	return rep
}

// RunPositionMonitorCycle 持仓监控周期
// 对每个持仓先评估周期性退出规则，未触发时再按最新信号对账；
// 信号源不可读时只评估退出规则，并将周期标记为失败。
func (e *Engine) RunPositionMonitorCycle(ctx context.Context) CycleReport {
	start := e.now()
	rep := CycleReport{Cycle: CycleMonitor}
	defer e.finishCycle(ctx, &rep, start)

	held, err := e.deps.Positions.List(ctx)
	if err != nil {
		rep.Err = fmt.Errorf("读取持仓失败: %w", err)
		e.logger.Error("读取持仓失败，跳过监控周期", zap.Error(err))
		return rep
	}
	if len(held) == 0 {
		return rep
	}

	batch, srcErr := e.deps.Source.Latest(ctx)
	if srcErr != nil {
		rep.Err = fmt.Errorf("读取选币信号失败: %w", srcErr)
		e.logger.Warn("读取选币信号失败，本周期只评估退出规则", zap.Error(srcErr))
	} else {
		rep.BatchID = batch.ID
	}

	for _, p := range held {
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			return rep
		}
		t := task{cycle: CycleMonitor, symbol: p.Symbol, exits: true, signalRules: srcErr == nil}
		if srcErr == nil {
			t.signal = batch.Lookup(p.Symbol)
		}
		rep.Outcomes = append(rep.Outcomes, e.reconcileSymbol(ctx, t))
	}
	return rep
}

// finishCycle 周期结束时的汇总日志与指标
func (e *Engine) finishCycle(ctx context.Context, rep *CycleReport, start time.Time) {
	elapsed := e.now().Sub(start)
	if applied := rep.Count(StatusApplied); applied > 0 || rep.Failed() {
		e.logger.Info("周期结束",
			zap.String("cycle", rep.Cycle),
			zap.String("batch", rep.BatchID),
			zap.Int("applied", applied),
			zap.Int("retry_later", rep.Count(StatusRetryLater)),
			zap.Int("rejected", rep.Count(StatusRejected)),
			zap.Int("fatal", rep.Count(StatusFatal)),
			zap.Duration("elapsed", elapsed),
			zap.Error(rep.Err),
		)
	}
	if e.recorder == nil {
		return
	}
	for _, o := range rep.Outcomes {
		e.recorder.ObserveOutcome(rep.Cycle, o)
	}
	e.recorder.ObserveCycle(rep.Cycle, rep.Failed(), elapsed)
	if held, err := e.deps.Positions.List(ctx); err == nil {
		e.recorder.SetOpenPositions(len(held))
	}
}

// reconcileSymbol 对单个合约对账并执行
// panic 被转换为 Fatal 结果，不会传出周期
func (e *Engine) reconcileSymbol(ctx context.Context, t task) (out Outcome) {
	out = Outcome{Symbol: t.symbol}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("对账过程 panic", zap.String("symbol", t.symbol), zap.Any("panic", r), zap.Stack("stack"))
			out = Outcome{Symbol: t.symbol, Op: out.Op, Status: StatusFatal, Reason: "panic", Err: fmt.Errorf("对账 panic: %v", r)}
		}
	}()

	unlock := e.locks.Lock(t.symbol)
	defer unlock()

	now := e.now()
	cfg := e.deps.Config.Current()

	p, err := e.deps.Positions.Get(ctx, t.symbol)
	if err != nil {
		return e.fail(out, StatusRetryLater, "store_read_failed", err)
	}
	// 监控周期只管理已有持仓；列表之后被平掉的合约不在此重新开仓
	if p == nil && t.cycle == CycleMonitor {
		out.Status = StatusSkipped
		out.Reason = "position_gone"
		return out
	}

	var (
		price float64
		d     Decision
	)
	if p != nil {
		px, ok, err := e.deps.Gateway.MarketPrice(ctx, t.symbol)
		if err != nil {
			return e.fail(out, gatewayStatus(err), "price_unavailable", err)
		}
		if !ok {
			out.Status = StatusSkipped
			out.Reason = "no_price"
			return out
		}
		price = px
		out.Price = price

		if t.exits {
			p = e.observePrice(ctx, p, price)
			if p == nil {
				out.Status = StatusSkipped
				out.Reason = "position_gone"
				return out
			}
			d = EvaluateExit(p, ExitInput{
				Price:        price,
				PrevBarClose: e.prevBarClose(ctx, p, cfg.Monitor),
				Now:          now,
			}, cfg.Monitor)
		}
	}
	if d.None() && t.signalRules {
		d = Decide(p, t.signal, price, cfg.Risk, now)
	}

	if t.signal != nil && t.signal.Operation != "" && t.signal.Operation != d.Op {
		e.logger.Debug("上游建议操作与对账决策不一致",
			zap.String("symbol", t.symbol),
			zap.String("suggested", string(t.signal.Operation)),
			zap.String("decided", string(d.Op)))
	}

	if d.None() {
		out.Status = StatusSkipped
		out.Reason = d.Reason
		return out
	}
	out.Op = d.Op
	out.Reason = d.Reason

	switch d.Op {
	case model.OpOpen:
		return e.applyOpen(ctx, out, t.signal, cfg)
	case model.OpAdd:
		return e.applyAdd(ctx, out, p, t.signal, price, cfg)
	default:
		return e.applyExit(ctx, out, p, d, price, cfg)
	}
}

// observePrice 更新水位线，有变化时持久化
// 返回: 最新持仓（已不存在时为 nil）
func (e *Engine) observePrice(ctx context.Context, p *model.Position, price float64) *model.Position {
	next := p.Clone()
	if !next.ObservePrice(price) {
		return p
	}
	updated, err := e.deps.Positions.Upsert(ctx, p.Symbol, func(cur *model.Position) (*model.Position, error) {
		if cur == nil {
			return nil, nil
		}
		cur.ObservePrice(price)
		return cur, nil
	})
	if err != nil {
		e.logger.Warn("水位线写入失败，使用内存值继续", zap.String("symbol", p.Symbol), zap.Error(err))
		return next
	}
	return updated
}

// prevBarClose 闪崩规则需要的上一根 K 线收盘价
func (e *Engine) prevBarClose(ctx context.Context, p *model.Position, mc config.MonitorConfig) float64 {
	if e.bars == nil || p.Side != model.SideLong || mc.FlashCrashRatio <= 0 {
		return 0
	}
	px, ok, err := e.bars.LastBarClose(ctx, p.Symbol)
	if err != nil {
		e.logger.Warn("读取 K 线失败，跳过闪崩规则", zap.String("symbol", p.Symbol), zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	return px
}

// applyOpen 开仓
// 持仓数量与方向冲突检查在任何网关调用之前完成
func (e *Engine) applyOpen(ctx context.Context, out Outcome, s *model.Signal, cfg *config.Config) Outcome {
	rc := cfg.Risk
	held, err := e.deps.Positions.List(ctx)
	if err != nil {
		return e.fail(out, StatusRetryLater, "store_read_failed", err)
	}
	if err := allocator.CheckOpenLimits(s.Symbol, s.Side, held, rc); err != nil {
		return e.fail(out, StatusRejected, "risk_limit", err)
	}

	price, ok, err := e.deps.Gateway.MarketPrice(ctx, s.Symbol)
	if err != nil {
		return e.fail(out, gatewayStatus(err), "price_unavailable", err)
	}
	if !ok {
		out.Status = StatusSkipped
		out.Reason = "no_price"
		return out
	}
	out.Price = price

	alloc, bad := e.allocate(ctx, &out, s.Symbol, s.Side, s.Confidence, price, 0, rc)
	if bad {
		return out
	}

	res := e.deps.Submitter.Submit(ctx, order.Request{
		Symbol:    s.Symbol,
		Side:      s.Side.EntryOrderSide(),
		Contracts: alloc.Contracts,
	})
	if !res.Filled() {
		return e.submitFailed(out, res)
	}
	out.OrderID = res.OrderID
	filled := res.FilledContracts(alloc.Contracts)
	out.Contracts = filled

	now := e.now()
	_, err = e.deps.Positions.Upsert(ctx, s.Symbol, func(*model.Position) (*model.Position, error) {
		np := &model.Position{
			Symbol:     s.Symbol,
			Side:       s.Side,
			Size:       filled,
			EntryPrice: price,
			Confidence: s.Confidence,
			Leverage:   alloc.Leverage,
			OpenedAt:   now,
		}
		np.ObservePrice(price)
		return np, nil
	})
	if err != nil {
		return e.storeFailed(out, err)
	}

	e.logger.Info("开仓成功",
		zap.String("symbol", s.Symbol),
		zap.String("side", string(s.Side)),
		zap.Int64("contracts", filled),
		zap.Float64("price", price),
		zap.Float64("confidence", s.Confidence),
		zap.Float64("leverage", alloc.Leverage),
		zap.String("order_id", res.OrderID))

	e.record(ctx, model.TradeLogEntry{
		Symbol:     s.Symbol,
		Operation:  model.OpOpen,
		Side:       s.Side,
		Price:      price,
		Size:       filled,
		Confidence: s.Confidence,
		OrderID:    res.OrderID,
		Reason:     out.Reason,
	})
	out.Status = StatusApplied
	return out
}

// applyAdd 加仓
// 加仓张数按新置信度重新分配；开仓价取加权均价，置信度提升为信号值
func (e *Engine) applyAdd(ctx context.Context, out Outcome, p *model.Position, s *model.Signal, price float64, cfg *config.Config) Outcome {
	rc := cfg.Risk
	alloc, bad := e.allocate(ctx, &out, p.Symbol, p.Side, s.Confidence, price, p.Size, rc)
	if bad {
		return out
	}

	res := e.deps.Submitter.Submit(ctx, order.Request{
		Symbol:    p.Symbol,
		Side:      p.Side.EntryOrderSide(),
		Contracts: alloc.Contracts,
	})
	if !res.Filled() {
		return e.submitFailed(out, res)
	}
	out.OrderID = res.OrderID
	filled := res.FilledContracts(alloc.Contracts)
	out.Contracts = filled

	updated, err := e.deps.Positions.Upsert(ctx, p.Symbol, func(cur *model.Position) (*model.Position, error) {
		base := cur
		if base == nil {
			base = p.Clone()
		}
		total := base.Size + filled
		base.EntryPrice = (base.EntryPrice*float64(base.Size) + price*float64(filled)) / float64(total)
		base.Size = total
		base.AddTimes++
		if s.Confidence > base.Confidence {
			base.Confidence = s.Confidence
		}
		base.ObservePrice(price)
		return base, nil
	})
	if err != nil {
		return e.storeFailed(out, err)
	}

	e.logger.Info("加仓成功",
		zap.String("symbol", p.Symbol),
		zap.Int64("contracts", filled),
		zap.Int64("size", updated.Size),
		zap.Int("add_times", updated.AddTimes),
		zap.Float64("entry_price", updated.EntryPrice),
		zap.String("order_id", res.OrderID))

	e.record(ctx, model.TradeLogEntry{
		Symbol:     p.Symbol,
		Operation:  model.OpAdd,
		Side:       p.Side,
		Price:      price,
		Size:       filled,
		Confidence: s.Confidence,
		OrderID:    res.OrderID,
		Reason:     out.Reason,
	})
	out.Status = StatusApplied
	return out
}

// applyExit 减仓或平仓
// 以反方向 reduce-only 下单；成交后计算已实现盈亏并计入利润储备
func (e *Engine) applyExit(ctx context.Context, out Outcome, p *model.Position, d Decision, price float64, cfg *config.Config) Outcome {
	qty := d.Size
	if qty <= 0 || qty > p.Size {
		qty = p.Size
	}

	res := e.deps.Submitter.Submit(ctx, order.Request{
		Symbol:     p.Symbol,
		Side:       p.Side.ExitOrderSide(),
		Contracts:  qty,
		ReduceOnly: true,
	})
	if !res.Filled() {
		return e.submitFailed(out, res)
	}
	out.OrderID = res.OrderID
	filled := res.FilledContracts(qty)
	out.Contracts = filled

	pnl := model.PnL(p.Side, p.EntryPrice, price, filled)
	out.RealizedPnL = pnl
	now := e.now()

	_, err := e.deps.Positions.Upsert(ctx, p.Symbol, func(cur *model.Position) (*model.Position, error) {
		base := cur
		if base == nil {
			base = p.Clone()
		}
		// 平仓部分成交时保留剩余张数
		if base.Size-filled <= 0 || (d.Op == model.OpClose && filled >= qty) {
			return nil, nil
		}
		base.Size -= filled
		base.ReduceTimes++
		base.LastReduceAt = now
		return base, nil
	})
	if err != nil {
		return e.storeFailed(out, err)
	}

	e.logger.Info("退出成交",
		zap.String("symbol", p.Symbol),
		zap.String("op", string(d.Op)),
		zap.String("reason", d.Reason),
		zap.Int64("contracts", filled),
		zap.Float64("entry_price", p.EntryPrice),
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
		zap.String("order_id", res.OrderID))

	e.record(ctx, model.TradeLogEntry{
		Symbol:      p.Symbol,
		Operation:   d.Op,
		Side:        p.Side,
		Price:       price,
		Size:        filled,
		Confidence:  p.Confidence,
		RealizedPnL: &pnl,
		OrderID:     res.OrderID,
		Reason:      d.Reason,
	})
	if e.recorder != nil {
		ratio := 0.0
		if cost := p.EntryPrice * float64(filled); cost > 0 {
			ratio = pnl / cost
		}
		e.recorder.ObserveRealized(p.Symbol, pnl, ratio)
	}
	e.settleProfit(ctx, pnl, cfg.Reserve)

	out.Status = StatusApplied
	return out
}

// allocate 查询杠杆与余额并计算张数，同时检查单币种保证金占比
// 返回: 分配结果；失败时已填好 out 并返回 true
func (e *Engine) allocate(ctx context.Context, out *Outcome, symbol string, side model.Side, confidence, price float64, existing int64, rc config.RiskConfig) (allocator.Allocation, bool) {
	lev, err := e.deps.Gateway.Leverage(ctx, symbol)
	if err != nil {
		*out = e.fail(*out, gatewayStatus(err), "leverage_unavailable", err)
		return allocator.Allocation{}, true
	}
	balance, err := e.deps.Gateway.TradeBalance(ctx)
	if err != nil {
		*out = e.fail(*out, gatewayStatus(err), "balance_unavailable", err)
		return allocator.Allocation{}, true
	}

	alloc, err := allocator.Allocate(allocator.Input{
		Symbol:        symbol,
		Side:          side,
		Confidence:    confidence,
		Balance:       balance,
		Price:         price,
		LongLeverage:  lev.Long,
		ShortLeverage: lev.Short,
	}, rc)
	if err != nil {
		*out = e.fail(*out, StatusRejected, "allocation", err)
		return alloc, true
	}
	if err := allocator.CheckExposure(symbol, alloc, existing, balance, rc); err != nil {
		*out = e.fail(*out, StatusRejected, "risk_limit", err)
		return alloc, true
	}

	e.logger.Debug("资金分配",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("confidence", confidence),
		zap.Float64("balance", balance),
		zap.Float64("reserved", alloc.Reserved),
		zap.Float64("budget", alloc.Budget),
		zap.Float64("margin_per_contract", alloc.MarginPerContract),
		zap.Int64("contracts", alloc.Contracts))
	return alloc, false
}

// settleProfit 盈利计入储备并尝试划转
func (e *Engine) settleProfit(ctx context.Context, pnl float64, rc config.ReserveConfig) {
	if pnl <= 0 {
		return
	}
	if _, err := e.deps.Ledger.AddProfit(ctx, pnl*rc.ReserveProfitRatio); err != nil {
		e.logger.Warn("利润计入储备失败", zap.Float64("pnl", pnl), zap.Error(err))
		return
	}
	if _, err := e.deps.Ledger.TrySweep(ctx, rc.MinProfitToReserve, e.deps.Gateway.Transfer); err != nil {
		e.logger.Warn("储备划转处理失败", zap.Error(err))
	}
	if e.recorder != nil {
		if v, err := e.deps.Ledger.Reserved(ctx); err == nil {
			e.recorder.SetReserve(v)
		}
	}
}

// record 追加成交日志并发送通知
// 成交日志写入失败只记录告警，持仓已落库
func (e *Engine) record(ctx context.Context, entry model.TradeLogEntry) {
	entry.Timestamp = e.now()
	saved, err := e.deps.Trades.Append(ctx, entry)
	if err != nil {
		e.logger.Warn("成交日志写入失败", zap.String("symbol", entry.Symbol), zap.Error(err))
	}
	if e.notifier != nil {
		e.notifier.Notify(saved)
	}
}

// submitFailed 下单协议结果映射为对账结果
func (e *Engine) submitFailed(out Outcome, res order.Result) Outcome {
	switch res.Status {
	case order.StatusFatal:
		return e.fail(out, StatusFatal, string(res.Status), res.Err)
	case order.StatusAborted:
		return e.fail(out, StatusSkipped, string(res.Status), res.Err)
	default:
		return e.fail(out, StatusRetryLater, string(res.Status), res.Err)
	}
}

// storeFailed 已成交但持仓写入失败
// 交易所与本地状态不一致，需要人工核对
func (e *Engine) storeFailed(out Outcome, err error) Outcome {
	e.logger.Error("订单已成交但持仓写入失败",
		zap.String("symbol", out.Symbol),
		zap.String("op", string(out.Op)),
		zap.String("order_id", out.OrderID),
		zap.Int64("contracts", out.Contracts),
		zap.Error(err))
	return e.fail(out, StatusFatal, "store_write_failed", err)
}

// fail 填充失败结果
func (e *Engine) fail(out Outcome, st Status, reason string, err error) Outcome {
	out.Status = st
	out.Reason = reason
	out.Err = err
	if st == StatusRejected || st == StatusSkipped {
		e.logger.Info("本周期不执行", zap.String("symbol", out.Symbol), zap.String("op", string(out.Op)), zap.String("reason", reason), zap.Error(err))
	} else {
		e.logger.Warn("对账执行失败", zap.String("symbol", out.Symbol), zap.String("op", string(out.Op)), zap.String("status", string(st)), zap.String("reason", reason), zap.Error(err))
	}
	return out
}

// gatewayStatus 网关错误映射：鉴权失败为 Fatal，其余稍后重试
func gatewayStatus(err error) Status {
	if errors.Is(err, exchange.ErrAuth) {
		return StatusFatal
	}
	return StatusRetryLater
}
