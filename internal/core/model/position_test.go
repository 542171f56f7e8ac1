package model

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestParseSide(t *testing.T) {
	cases := []struct {
		in      string
		want    Side
		wantErr bool
	}{
		{"long", SideLong, false},
		{" BUY ", SideLong, false},
		{"Short", SideShort, false},
		{"sell", SideShort, false},
		{"", "", true},
		{"flat", "", true},
	}
	for _, tc := range cases {
		got, err := ParseSide(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseSide(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestSide_OrderSides(t *testing.T) {
	if SideLong.EntryOrderSide() != OrderBuy || SideLong.ExitOrderSide() != OrderSell {
		t.Fatal("多头: 开仓买入，平仓卖出")
	}
	if SideShort.EntryOrderSide() != OrderSell || SideShort.ExitOrderSide() != OrderBuy {
		t.Fatal("空头: 开仓卖出，平仓买入")
	}
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Fatal("Opposite 错误")
	}
}

func TestPosition_PnL(t *testing.T) {
	long := &Position{Symbol: "BTC-USDT-SWAP", Side: SideLong, Size: 10, EntryPrice: 100}
	if got := long.UnrealizedPnL(110); !approx(got, 100) {
		t.Fatalf("多头浮盈 = %v, want 100", got)
	}
	if got := long.PnLRatio(95); !approx(got, -0.05) {
		t.Fatalf("多头浮亏比例 = %v, want -0.05", got)
	}

	short := &Position{Symbol: "ETH-USDT-SWAP", Side: SideShort, Size: 4, EntryPrice: 50}
	if got := short.UnrealizedPnL(40); !approx(got, 40) {
		t.Fatalf("空头浮盈 = %v, want 40", got)
	}

	empty := &Position{Side: SideLong}
	if empty.PnLRatio(10) != 0 {
		t.Fatal("成本为 0 时比例应为 0")
	}
}

func TestPosition_Watermarks(t *testing.T) {
	p := &Position{Side: SideLong, Size: 1, EntryPrice: 100}
	if !p.ObservePrice(100) {
		t.Fatal("首次观察应设置水位线")
	}
	if p.ObservePrice(100) {
		t.Fatal("价格不变时水位线不应变化")
	}
	p.ObservePrice(120)
	p.ObservePrice(90)
	if p.ObservePrice(0) {
		t.Fatal("非正价格应忽略")
	}
	if p.HighWatermark != 120 || p.LowWatermark != 90 {
		t.Fatalf("水位线 = %v/%v", p.HighWatermark, p.LowWatermark)
	}
	if got := p.PeakGainRatio(); !approx(got, 0.2) {
		t.Fatalf("多头峰值浮盈 = %v, want 0.2", got)
	}

	p.Side = SideShort
	if got := p.PeakGainRatio(); !approx(got, 0.1) {
		t.Fatalf("空头峰值浮盈 = %v, want 0.1", got)
	}
}

func TestPosition_CloneAndHold(t *testing.T) {
	var nilPos *Position
	if nilPos.Clone() != nil {
		t.Fatal("nil Clone 应为 nil")
	}
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Position{Symbol: "BTC-USDT-SWAP", Size: 3, OpenedAt: opened}
	cp := p.Clone()
	cp.Size = 1
	if p.Size != 3 {
		t.Fatal("Clone 应返回独立副本")
	}
	if d := p.HoldDuration(opened.Add(90 * time.Minute)); d != 90*time.Minute {
		t.Fatalf("HoldDuration = %v", d)
	}
}

// **Feature: position-lifecycle-engine, Property 11: PnL Direction Symmetry**

func TestPnL_Symmetry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("同价格下多空盈亏互为相反数", prop.ForAll(
		func(entry, exit float64, qty int64) bool {
			return approx(PnL(SideLong, entry, exit, qty), -PnL(SideShort, entry, exit, qty))
		},
		gen.Float64Range(0.01, 10000),
		gen.Float64Range(0.01, 10000),
		gen.Int64Range(1, 1000),
	))

	properties.Property("价格上涨时多头盈利", prop.ForAll(
		func(entry, pct float64, qty int64) bool {
			return PnL(SideLong, entry, entry*(1+pct), qty) > 0
		},
		gen.Float64Range(1, 10000),
		gen.Float64Range(0.001, 1),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}
