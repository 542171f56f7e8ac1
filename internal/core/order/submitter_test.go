package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/exchange"
	"position-lifecycle-engine/internal/exchange/exchangetest"
)

// newTestSubmitter 创建记录等待时间的执行器
func newTestSubmitter(gw exchange.Gateway) (*Submitter, *[]time.Duration) {
	cfg := config.Default()
	s := NewSubmitter(gw, config.NewStaticProvider(cfg), zap.NewNop())
	var sleeps []time.Duration
	s.SetSleep(func(d time.Duration) { sleeps = append(sleeps, d) })
	return s, &sleeps
}

var buyReq = Request{Symbol: "BTC-USDT-SWAP", Side: model.OrderBuy, Contracts: 3}

func TestSubmit_FilledFirstAttempt(t *testing.T) {
	gw := exchangetest.New()
	s, sleeps := newTestSubmitter(gw)

	res := s.Submit(context.Background(), buyReq)
	if !res.Filled() || res.OrderID != "ord-1" || res.Attempts != 1 {
		t.Fatalf("期望首次成交，实际 %+v", res)
	}
	// 仅有一次状态查询前的等待
	if len(*sleeps) != 1 || (*sleeps)[0] != 800*time.Millisecond {
		t.Fatalf("等待序列 = %v", *sleeps)
	}
	if gw.Orders[0].ClientOrderID == "" || len(gw.Orders[0].ClientOrderID) != 32 {
		t.Fatalf("clOrdId 应为 32 位: %q", gw.Orders[0].ClientOrderID)
	}
	if gw.Orders[0].Size != 3 || gw.Orders[0].ReduceOnly {
		t.Fatalf("下单参数错误: %+v", gw.Orders[0])
	}
}

func TestSubmit_PartialFillAccepted(t *testing.T) {
	gw := exchangetest.New()
	gw.StatusQueue = []exchange.OrderFill{{State: exchange.StatePartiallyFilled, FilledSize: 2}}
	s, _ := newTestSubmitter(gw)

	res := s.Submit(context.Background(), buyReq)
	if !res.Filled() || res.State != exchange.StatePartiallyFilled {
		t.Fatalf("部分成交应被接受，实际 %+v", res)
	}
	if got := res.FilledContracts(buyReq.Contracts); got != 2 {
		t.Fatalf("成交张数 = %d, want 2", got)
	}
}

func TestResult_FilledContracts(t *testing.T) {
	cases := []struct {
		filled, requested, want int64
	}{
		{0, 5, 5},
		{2, 5, 2},
		{5, 5, 5},
		{7, 5, 5},
	}
	for _, c := range cases {
		r := Result{Status: StatusFilled, FilledSize: c.filled}
		if got := r.FilledContracts(c.requested); got != c.want {
			t.Fatalf("FilledContracts(%d) with filled=%d = %d, want %d", c.requested, c.filled, got, c.want)
		}
	}
}

func TestSubmit_MalformedResponsesExhaustRetries(t *testing.T) {
	gw := exchangetest.New()
	gw.PlaceQueue = []exchangetest.PlaceResult{
		{Err: fmt.Errorf("bad json: %w", exchange.ErrMalformedResponse)},
		{OrderID: ""},
		{Err: fmt.Errorf("bad json: %w", exchange.ErrMalformedResponse)},
	}
	s, sleeps := newTestSubmitter(gw)

	res := s.Submit(context.Background(), buyReq)
	if res.Status != StatusRetryExhausted {
		t.Fatalf("期望 retry_exhausted，实际 %+v", res)
	}
	if res.Attempts != 3 || len(gw.Orders) != 3 {
		t.Fatalf("尝试次数 = %d, 下单次数 = %d, want 3", res.Attempts, len(gw.Orders))
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("等待序列 = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Fatalf("等待序列 = %v, want %v", *sleeps, want)
		}
	}
	if gw.StatusCalls != 0 {
		t.Fatalf("无订单 ID 时不应查询状态, StatusCalls = %d", gw.StatusCalls)
	}
}

func TestSubmit_UnfilledStatusRetried(t *testing.T) {
	gw := exchangetest.New()
	gw.StatusQueue = []exchange.OrderFill{{State: exchange.StateLive}, {State: exchange.StateCanceled}, {State: exchange.StateFilled}}
	s, _ := newTestSubmitter(gw)

	res := s.Submit(context.Background(), buyReq)
	if !res.Filled() || res.Attempts != 3 || res.OrderID != "ord-3" {
		t.Fatalf("第三次应成交，实际 %+v", res)
	}
}

func TestSubmit_AuthErrorIsFatal(t *testing.T) {
	gw := exchangetest.New()
	gw.PlaceQueue = []exchangetest.PlaceResult{{Err: &exchange.APIError{Code: "50113", Msg: "Invalid Sign"}}}
	s, sleeps := newTestSubmitter(gw)

	res := s.Submit(context.Background(), buyReq)
	if res.Status != StatusFatal || res.Attempts != 1 {
		t.Fatalf("鉴权错误应立即 fatal，实际 %+v", res)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("鉴权错误不应等待: %v", *sleeps)
	}
}

func TestSubmit_InsufficientMarginAborts(t *testing.T) {
	gw := exchangetest.New()
	gw.PlaceQueue = []exchangetest.PlaceResult{{Err: &exchange.APIError{Code: "1", Msg: "Insufficient USDT margin in account"}}}
	s, _ := newTestSubmitter(gw)

	res := s.Submit(context.Background(), buyReq)
	if res.Status != StatusAborted || len(gw.Orders) != 1 {
		t.Fatalf("保证金不足应中止且不重试，实际 %+v, orders=%d", res, len(gw.Orders))
	}
}

func TestSubmit_BackoffCapped(t *testing.T) {
	gw := exchangetest.New()
	cfg := config.Default()
	cfg.Order.MaxRetryOnFailure = 7
	for i := 0; i < 7; i++ {
		gw.PlaceQueue = append(gw.PlaceQueue, exchangetest.PlaceResult{Err: exchange.ErrTransient})
	}
	s := NewSubmitter(gw, config.NewStaticProvider(cfg), zap.NewNop())
	var sleeps []time.Duration
	s.SetSleep(func(d time.Duration) { sleeps = append(sleeps, d) })

	res := s.Submit(context.Background(), buyReq)
	if res.Status != StatusRetryExhausted {
		t.Fatalf("期望 retry_exhausted，实际 %+v", res)
	}
	want := []time.Duration{1, 2, 4, 8, 8, 8}
	if len(sleeps) != len(want) {
		t.Fatalf("等待序列 = %v", sleeps)
	}
	for i, w := range want {
		if sleeps[i] != w*time.Second {
			t.Fatalf("等待序列 = %v", sleeps)
		}
	}
}

type recordingObserver struct {
	attempts int
	statuses []Status
}

func (o *recordingObserver) ObserveAttempt(string, error) { o.attempts++ }
func (o *recordingObserver) ObserveResult(_ string, _ model.OrderSide, st Status) {
	o.statuses = append(o.statuses, st)
}

func TestSubmit_ObserverNotified(t *testing.T) {
	gw := exchangetest.New()
	gw.StatusQueue = []exchange.OrderFill{{State: exchange.StateLive}}
	s, _ := newTestSubmitter(gw)
	obs := &recordingObserver{}
	s.WithObserver(obs)

	s.Submit(context.Background(), buyReq)
	if obs.attempts != 2 || len(obs.statuses) != 1 || obs.statuses[0] != StatusFilled {
		t.Fatalf("观察者记录错误: %+v", obs)
	}
}
