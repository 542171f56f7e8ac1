package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/core/order"
	"position-lifecycle-engine/internal/core/reserve"
	"position-lifecycle-engine/internal/core/store"
	"position-lifecycle-engine/internal/exchange"
	"position-lifecycle-engine/internal/exchange/exchangetest"
	"position-lifecycle-engine/internal/selection"
)

const symX = "X-USDT-SWAP"

// harness 引擎测试装配：网关替身 + 真实 SQLite 存储
type harness struct {
	cfg       *config.Config
	gw        *exchangetest.Gateway
	src       *selection.StaticSource
	positions *store.PositionStore
	trades    *store.TradeLog
	ledger    *reserve.Ledger
	engine    *Engine
	notes     *captureNotifier
	now       time.Time
}

type captureNotifier struct {
	mu      sync.Mutex
	entries []model.TradeLogEntry
}

func (c *captureNotifier) Notify(e model.TradeLogEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Risk.MaxSinglePositionRatio = 0.15
	cfg.Order.StatusPollDelayMs = 0

	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	provider := config.NewStaticProvider(cfg)
	gw := exchangetest.New()
	sub := order.NewSubmitter(gw, provider, zap.NewNop())
	sub.SetSleep(func(time.Duration) {})

	h := &harness{
		cfg:       cfg,
		gw:        gw,
		src:       &selection.StaticSource{},
		positions: store.NewPositionStore(db, 0, zap.NewNop()),
		trades:    store.NewTradeLog(db),
		ledger:    reserve.NewLedger(db, zap.NewNop()),
		notes:     &captureNotifier{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = NewEngine(Deps{
		Config:    provider,
		Gateway:   gw,
		Source:    h.src,
		Positions: h.positions,
		Trades:    h.trades,
		Ledger:    h.ledger,
		Submitter: sub,
	}, zap.NewNop()).WithBarSource(gw).WithNotifier(h.notes)
	h.engine.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) signals(id string, sigs ...model.Signal) {
	h.src.Batch = selection.Batch{ID: id, Signals: sigs}
	h.src.Err = nil
}

func (h *harness) seed(t *testing.T, p model.Position) {
	t.Helper()
	if p.HighWatermark == 0 {
		p.HighWatermark = p.EntryPrice
		p.LowWatermark = p.EntryPrice
	}
	_, err := h.positions.Upsert(context.Background(), p.Symbol, func(*model.Position) (*model.Position, error) {
		cp := p
		return &cp, nil
	})
	if err != nil {
		t.Fatalf("写入持仓失败: %v", err)
	}
}

func (h *harness) position(t *testing.T, symbol string) *model.Position {
	t.Helper()
	p, err := h.positions.Get(context.Background(), symbol)
	if err != nil {
		t.Fatalf("读取持仓失败: %v", err)
	}
	return p
}

func (h *harness) tradeLog(t *testing.T) []model.TradeLogEntry {
	t.Helper()
	entries, err := h.trades.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("读取成交日志失败: %v", err)
	}
	return entries
}

func onlyOutcome(t *testing.T, rep CycleReport, symbol string) Outcome {
	t.Helper()
	for _, o := range rep.Outcomes {
		if o.Symbol == symbol {
			return o
		}
	}
	t.Fatalf("周期结果中没有 %s: %+v", symbol, rep.Outcomes)
	return Outcome{}
}

func TestEngine_OpenEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 85, Rank: 1})

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	o := onlyOutcome(t, rep, symX)
	if o.Status != StatusApplied || o.Op != model.OpOpen {
		t.Fatalf("应开仓成功: %+v", o)
	}
	// 0.85×0.15=0.1275；900×0.1275=114.75；100/5×1.1=22；floor(114.75/22)=5
	if o.Contracts != 5 {
		t.Fatalf("contracts = %d, want 5", o.Contracts)
	}

	if len(h.gw.Orders) != 1 {
		t.Fatalf("下单次数 = %d, want 1", len(h.gw.Orders))
	}
	req := h.gw.Orders[0]
	if req.Side != model.OrderBuy || req.ReduceOnly || req.Size != 5 || len(req.ClientOrderID) != 32 {
		t.Fatalf("下单参数错误: %+v", req)
	}

	p := h.position(t, symX)
	if p == nil || p.Size != 5 || p.EntryPrice != 100 || p.Confidence != 85 || p.Side != model.SideLong {
		t.Fatalf("持仓错误: %+v", p)
	}
	if !p.OpenedAt.Equal(h.now) || p.HighWatermark != 100 || p.LowWatermark != 100 {
		t.Fatalf("开仓时间或水位线错误: %+v", p)
	}

	logs := h.tradeLog(t)
	if len(logs) != 1 || logs[0].Operation != model.OpOpen || logs[0].HasPnL() {
		t.Fatalf("成交日志错误: %+v", logs)
	}
	if len(h.notes.entries) != 1 || h.notes.entries[0].ID != logs[0].ID {
		t.Fatalf("通知应与成交日志一致: %+v", h.notes.entries)
	}
}

func TestEngine_BelowThresholdNoOp(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 69.99})

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	if o := onlyOutcome(t, rep, symX); o.Status != StatusSkipped || o.Op != "" {
		t.Fatalf("低于阈值不应操作: %+v", o)
	}
	if h.gw.OrderCount() != 0 || h.position(t, symX) != nil {
		t.Fatal("低于阈值不应下单或写入持仓")
	}
}

func TestEngine_AddPath(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 5, EntryPrice: 100, Confidence: 80, Leverage: 5})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 90})

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	o := onlyOutcome(t, rep, symX)
	if o.Status != StatusApplied || o.Op != model.OpAdd {
		t.Fatalf("应加仓: %+v", o)
	}

	p := h.position(t, symX)
	if p.Size != 5+o.Contracts || p.AddTimes != 1 || p.Confidence != 90 {
		t.Fatalf("加仓后持仓错误: %+v (added %d)", p, o.Contracts)
	}
	if req := h.gw.Orders[0]; req.Side != model.OrderBuy || req.ReduceOnly {
		t.Fatalf("加仓下单参数错误: %+v", req)
	}
}

func TestEngine_AddWeightedEntryPrice(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 110)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 5, EntryPrice: 100, Confidence: 80, Leverage: 5})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 90})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpAdd || o.Status != StatusApplied {
		t.Fatalf("应加仓: %+v", o)
	}
	p := h.position(t, symX)
	want := (100*5 + 110*float64(o.Contracts)) / float64(5+o.Contracts)
	if diff := p.EntryPrice - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("加权均价 = %f, want %f", p.EntryPrice, want)
	}
}

func TestEngine_AddLimitCloses(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 5, EntryPrice: 100, Confidence: 80, AddTimes: h.cfg.Risk.MaxAddTimes})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 95})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpClose || o.Reason != ReasonAddLimit || o.Status != StatusApplied {
		t.Fatalf("加仓次数用尽应平仓: %+v", o)
	}
	if h.position(t, symX) != nil {
		t.Fatal("平仓后持仓应删除")
	}
	if req := h.gw.Orders[0]; req.Side != model.OrderSell || !req.ReduceOnly || req.Size != 5 {
		t.Fatalf("平仓下单参数错误: %+v", req)
	}
}

func TestEngine_StopLossAtReduceLimitCloses(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 94)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 4, EntryPrice: 100, Confidence: 80, ReduceTimes: h.cfg.Risk.MaxReduceTimes})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 80})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpClose || o.Status != StatusApplied {
		t.Fatalf("-6%% 且减仓次数用尽应平仓: %+v", o)
	}
	logs := h.tradeLog(t)
	if len(logs) != 1 || !logs[0].HasPnL() || *logs[0].RealizedPnL != -24 {
		t.Fatalf("平仓日志错误: %+v", logs)
	}
	if r, _ := h.ledger.Reserved(context.Background()); r != 0 {
		t.Fatalf("亏损不应计入储备, reserved = %f", r)
	}
}

func TestEngine_StopLossReduces(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 94)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 4, EntryPrice: 100, Confidence: 80})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 80})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpReduce || o.Contracts != 2 || o.Status != StatusApplied {
		t.Fatalf("应减仓一半: %+v", o)
	}
	p := h.position(t, symX)
	if p.Size != 2 || p.ReduceTimes != 1 || !p.LastReduceAt.Equal(h.now) {
		t.Fatalf("减仓后持仓错误: %+v", p)
	}
	if req := h.gw.Orders[0]; req.Side != model.OrderSell || !req.ReduceOnly {
		t.Fatalf("减仓下单参数错误: %+v", req)
	}
}

func TestEngine_ShortNeverReduced(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 106)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideShort, Size: 4, EntryPrice: 100, Confidence: 80})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideShort, Confidence: 80})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpClose || o.Contracts != 4 {
		t.Fatalf("空头应整体平仓: %+v", o)
	}
	if req := h.gw.Orders[0]; req.Side != model.OrderBuy || !req.ReduceOnly {
		t.Fatalf("空头平仓应买入 reduce-only: %+v", req)
	}
}

func TestEngine_RetryExhaustionLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	for i := 0; i < h.cfg.Order.MaxRetryOnFailure; i++ {
		h.gw.PlaceQueue = append(h.gw.PlaceQueue, exchangetest.PlaceResult{})
	}
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 85})

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	o := onlyOutcome(t, rep, symX)
	if o.Status != StatusRetryLater || o.Reason != string(order.StatusRetryExhausted) {
		t.Fatalf("重试耗尽应稍后重试: %+v", o)
	}
	if !errors.Is(o.Err, exchange.ErrMalformedResponse) {
		t.Fatalf("错误应为格式错误, got %v", o.Err)
	}
	if h.position(t, symX) != nil || len(h.tradeLog(t)) != 0 {
		t.Fatal("重试耗尽不应修改存储")
	}
	if rep.Failed() {
		t.Fatal("RetryLater 不应算作周期失败")
	}

	// 同一批次未处理完，下个周期重放
	rep = h.engine.RunOrderExecutionCycle(context.Background())
	if rep.Duplicate || onlyOutcome(t, rep, symX).Status != StatusApplied {
		t.Fatalf("未完成的批次应重放: %+v", rep)
	}
}

func TestEngine_DuplicateBatchSkipped(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 85})

	h.engine.RunOrderExecutionCycle(context.Background())
	rep := h.engine.RunOrderExecutionCycle(context.Background())
	if !rep.Duplicate || len(rep.Outcomes) != 0 {
		t.Fatalf("已处理的批次应跳过: %+v", rep)
	}
	if h.gw.OrderCount() != 1 {
		t.Fatalf("下单次数 = %d, want 1", h.gw.OrderCount())
	}
}

func TestEngine_SignalLostClosesProfitable(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100.01)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 5, EntryPrice: 100, Confidence: 80})
	h.signals("b1")

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpClose || o.Reason != ReasonSignalLost {
		t.Fatalf("信号消失且盈利应平仓: %+v", o)
	}
}

func TestEngine_OpenRejectedBeforeGatewayCall(t *testing.T) {
	h := newHarness(t)
	h.cfg.Risk.MaxHoldingSymbols = 1
	h.gw.SetPrice(symX, 100)
	h.gw.SetPrice("Y-USDT-SWAP", 100)
	h.seed(t, model.Position{Symbol: "Y-USDT-SWAP", Side: model.SideLong, Size: 1, EntryPrice: 100, Confidence: 80})
	h.signals("b1",
		model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 85, Rank: 1},
		model.Signal{Symbol: "Y-USDT-SWAP", Side: model.SideLong, Confidence: 80, Rank: 2},
	)

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	if o := onlyOutcome(t, rep, symX); o.Status != StatusRejected || o.Op != model.OpOpen {
		t.Fatalf("超过持仓数应拒绝: %+v", o)
	}
	if h.gw.OrderCount() != 0 {
		t.Fatal("风控拒绝不应下单")
	}
}

func TestEngine_OppositeSignalRejected(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideShort, Confidence: 90})
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 2, EntryPrice: 100, Confidence: 80})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != "" || h.gw.OrderCount() != 0 {
		t.Fatalf("反向信号不应翻仓: %+v", o)
	}
}

func TestEngine_AuthErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.gw.PlaceQueue = []exchangetest.PlaceResult{{Err: &exchange.APIError{Code: "50111", Msg: "Invalid OK-ACCESS-KEY"}}}
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 85})

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	if o := onlyOutcome(t, rep, symX); o.Status != StatusFatal {
		t.Fatalf("鉴权失败应为 Fatal: %+v", o)
	}
	if !rep.Failed() || h.gw.OrderCount() != 1 {
		t.Fatalf("鉴权失败应只尝试一次且周期失败: orders=%d", h.gw.OrderCount())
	}
}

func TestEngine_InsufficientMarginSkipped(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.gw.PlaceQueue = []exchangetest.PlaceResult{{Err: &exchange.APIError{Code: "51008", Msg: "Order failed. Insufficient USDT margin"}}}
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 85})

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	if o := onlyOutcome(t, rep, symX); o.Status != StatusSkipped || o.Reason != string(order.StatusAborted) {
		t.Fatalf("保证金不足应放弃本周期: %+v", o)
	}
	if rep.Failed() {
		t.Fatal("保证金不足不应算作周期失败")
	}
}

func TestEngine_SourceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.src.Err = selection.ErrUnavailable

	rep := h.engine.RunOrderExecutionCycle(context.Background())
	if rep.Err == nil || !rep.Failed() {
		t.Fatalf("信号源不可读应使周期失败: %+v", rep)
	}
}

func TestEngine_MonitorIdempotent(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 99.5)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 4, EntryPrice: 100, Confidence: 80})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 50})

	first := h.engine.RunPositionMonitorCycle(context.Background())
	if o := onlyOutcome(t, first, symX); o.Op != model.OpReduce || o.Status != StatusApplied {
		t.Fatalf("信号减弱且未盈利应减仓: %+v", o)
	}

	second := h.engine.RunPositionMonitorCycle(context.Background())
	if o := onlyOutcome(t, second, symX); o.Op != "" {
		t.Fatalf("价格与信号不变时第二次监控不应操作: %+v", o)
	}
	if h.gw.OrderCount() != 1 || len(h.tradeLog(t)) != 1 {
		t.Fatalf("应只有一次操作: orders=%d", h.gw.OrderCount())
	}
}

func TestEngine_MonitorNoActionTwice(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100.5)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 1, EntryPrice: 100, Confidence: 80})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 80})
	h.cfg.Risk.TakeProfitValue = 10

	for i := 0; i < 2; i++ {
		rep := h.engine.RunPositionMonitorCycle(context.Background())
		if o := onlyOutcome(t, rep, symX); o.Op != "" {
			t.Fatalf("第 %d 次监控不应操作: %+v", i+1, o)
		}
	}
	if p := h.position(t, symX); p.HighWatermark != 100.5 {
		t.Fatalf("水位线应更新为 100.5: %+v", p)
	}
}

func TestEngine_MonitorExitsRunWithoutSignals(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 94)
	h.gw.BarCloses[symX] = 100
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 3, EntryPrice: 95, Confidence: 80, HighWatermark: 100, LowWatermark: 95})
	h.src.Err = selection.ErrUnavailable

	rep := h.engine.RunPositionMonitorCycle(context.Background())
	o := onlyOutcome(t, rep, symX)
	if o.Op != model.OpClose || o.Reason != ReasonFlashCrash {
		t.Fatalf("闪崩应强制平仓: %+v", o)
	}
	if rep.Err == nil {
		t.Fatal("信号源不可读应记录周期错误")
	}
}

func TestEngine_ProfitReservedAndSwept(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 102)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 10, EntryPrice: 100, Confidence: 80})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 80})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpClose || o.RealizedPnL != 20 {
		t.Fatalf("浮盈达标应平仓: %+v", o)
	}
	// 20 × 0.5 = 10 >= 5，划转后清零
	if len(h.gw.Transfers) != 1 || h.gw.Transfers[0] != 10 {
		t.Fatalf("划转金额错误: %v", h.gw.Transfers)
	}
	if r, _ := h.ledger.Reserved(context.Background()); r != 0 {
		t.Fatalf("划转成功后储备应为 0, got %f", r)
	}
}

func TestEngine_ProfitKeptOnTransferFailure(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 102)
	h.gw.TransferErrs = []error{errors.New("funding account locked")}
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 10, EntryPrice: 100, Confidence: 80})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 80})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Status != StatusApplied {
		t.Fatalf("划转失败不影响平仓结果: %+v", o)
	}
	if r, _ := h.ledger.Reserved(context.Background()); r != 10 {
		t.Fatalf("划转失败储备应保持 10, got %f", r)
	}
}

// panicGateway 查询价格时 panic
type panicGateway struct {
	*exchangetest.Gateway
}

func (panicGateway) MarketPrice(context.Context, string) (float64, bool, error) {
	panic("boom")
}

func TestEngine_PanicContained(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 1, EntryPrice: 100, Confidence: 80})
	h.signals("b1")
	h.engine.deps.Gateway = panicGateway{h.gw}

	rep := h.engine.RunPositionMonitorCycle(context.Background())
	o := onlyOutcome(t, rep, symX)
	if o.Status != StatusFatal || o.Reason != "panic" {
		t.Fatalf("panic 应转换为 Fatal: %+v", o)
	}
	if h.position(t, symX) == nil {
		t.Fatal("panic 不应修改持仓")
	}
}

// hookGateway 下单成功后执行回调，用于模拟周期中途的外部状态变化
type hookGateway struct {
	*exchangetest.Gateway
	afterPlace func(exchange.OrderRequest)
}

func (g hookGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	id, err := g.Gateway.PlaceOrder(ctx, req)
	if err == nil && g.afterPlace != nil {
		g.afterPlace(req)
	}
	return id, err
}

func TestEngine_MonitorDoesNotOpenRemovedSymbol(t *testing.T) {
	const symA, symB = "A-USDT-SWAP", "B-USDT-SWAP"
	h := newHarness(t)
	h.gw.SetPrice(symA, 200)
	h.gw.SetPrice(symB, 100)
	h.seed(t, model.Position{Symbol: symA, Side: model.SideLong, Size: 5, EntryPrice: 100, Confidence: 90})
	h.seed(t, model.Position{Symbol: symB, Side: model.SideLong, Size: 5, EntryPrice: 100, Confidence: 90})
	h.signals("b1",
		model.Signal{Symbol: symA, Side: model.SideLong, Confidence: 90},
		model.Signal{Symbol: symB, Side: model.SideLong, Confidence: 90},
	)

	// A 平仓成交时 B 被其他流程平掉
	wrapped := hookGateway{Gateway: h.gw, afterPlace: func(req exchange.OrderRequest) {
		if req.Symbol == symA && req.ReduceOnly {
			if err := h.positions.Delete(context.Background(), symB); err != nil {
				t.Errorf("删除 B 失败: %v", err)
			}
		}
	}}
	sub := order.NewSubmitter(wrapped, config.NewStaticProvider(h.cfg), zap.NewNop())
	sub.SetSleep(func(time.Duration) {})
	h.engine.deps.Gateway = wrapped
	h.engine.deps.Submitter = sub

	rep := h.engine.RunPositionMonitorCycle(context.Background())
	if o := onlyOutcome(t, rep, symA); o.Op != model.OpClose || o.Status != StatusApplied {
		t.Fatalf("A 应止盈平仓: %+v", o)
	}
	if o := onlyOutcome(t, rep, symB); o.Status != StatusSkipped || o.Reason != "position_gone" || o.Op != "" {
		t.Fatalf("监控周期不应为已消失的持仓开仓: %+v", o)
	}
	if h.gw.OrderCount() != 1 {
		t.Fatalf("下单次数 = %d, want 1: %+v", h.gw.OrderCount(), h.gw.Orders)
	}
	if h.position(t, symB) != nil {
		t.Fatal("B 不应被重新开仓")
	}
	if logs := h.tradeLog(t); len(logs) != 1 || logs[0].Symbol != symA {
		t.Fatalf("成交日志应只有 A 的平仓: %+v", logs)
	}
}

func TestEngine_ConcurrentCyclesSingleOperation(t *testing.T) {
	for round := 0; round < 10; round++ {
		h := newHarness(t)
		h.gw.SetPrice(symX, 99.5)
		h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 4, EntryPrice: 100, Confidence: 80})
		h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 50})

		var (
			wg       sync.WaitGroup
			orderRep CycleReport
			monRep   CycleReport
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			orderRep = h.engine.RunOrderExecutionCycle(context.Background())
		}()
		go func() {
			defer wg.Done()
			monRep = h.engine.RunPositionMonitorCycle(context.Background())
		}()
		wg.Wait()

		applied := orderRep.Count(StatusApplied) + monRep.Count(StatusApplied)
		if applied != 1 {
			t.Fatalf("第 %d 轮: 两个周期合计应只执行一次操作, order=%+v monitor=%+v", round, orderRep.Outcomes, monRep.Outcomes)
		}
		logs := h.tradeLog(t)
		if len(logs) != applied || h.gw.OrderCount() != applied {
			t.Fatalf("第 %d 轮: 成交日志 %d 条, 下单 %d 次, 执行 %d 次", round, len(logs), h.gw.OrderCount(), applied)
		}
		if logs[0].Operation != model.OpReduce || logs[0].Size != 2 {
			t.Fatalf("第 %d 轮: 成交日志错误: %+v", round, logs[0])
		}
		p := h.position(t, symX)
		if p == nil || p.Size != 2 || p.ReduceTimes != 1 {
			t.Fatalf("第 %d 轮: 持仓与成交日志不一致: %+v", round, p)
		}
		h.notes.mu.Lock()
		notified := len(h.notes.entries)
		h.notes.mu.Unlock()
		if notified != applied {
			t.Fatalf("第 %d 轮: 通知 %d 条, want %d", round, notified, applied)
		}
	}
}

func TestEngine_PartialFillOpenPersistsFilledSize(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 100)
	h.gw.StatusQueue = []exchange.OrderFill{{State: exchange.StatePartiallyFilled, FilledSize: 2}}
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 85})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Status != StatusApplied || o.Contracts != 2 {
		t.Fatalf("部分成交应按成交量记录: %+v", o)
	}
	if req := h.gw.Orders[0]; req.Size != 5 {
		t.Fatalf("下单张数 = %d, want 5", req.Size)
	}
	if p := h.position(t, symX); p == nil || p.Size != 2 {
		t.Fatalf("持仓应为实际成交 2 张: %+v", p)
	}
	if logs := h.tradeLog(t); len(logs) != 1 || logs[0].Size != 2 {
		t.Fatalf("成交日志张数错误: %+v", logs)
	}
}

func TestEngine_PartialFillCloseKeepsRemainder(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPrice(symX, 102)
	h.gw.StatusQueue = []exchange.OrderFill{{State: exchange.StatePartiallyFilled, FilledSize: 3}}
	h.seed(t, model.Position{Symbol: symX, Side: model.SideLong, Size: 5, EntryPrice: 100, Confidence: 80})
	h.signals("b1", model.Signal{Symbol: symX, Side: model.SideLong, Confidence: 80})

	o := onlyOutcome(t, h.engine.RunOrderExecutionCycle(context.Background()), symX)
	if o.Op != model.OpClose || o.Contracts != 3 || o.RealizedPnL != 6 {
		t.Fatalf("部分平仓结果错误: %+v", o)
	}
	if p := h.position(t, symX); p == nil || p.Size != 2 {
		t.Fatalf("未成交的 2 张应保留: %+v", p)
	}
}
