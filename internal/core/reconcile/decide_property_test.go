package reconcile

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/model"
)

// **Feature: position-lifecycle-engine, Property 5: Reconciliation Decision Rules**

func testRisk() config.RiskConfig {
	return config.Default().Risk
}

func genSide() gopter.Gen {
	return gen.OneConstOf(model.SideLong, model.SideShort)
}

// TestDecide_OpenThreshold 测试开仓阈值
func TestDecide_OpenThreshold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	rc := testRisk()
	now := time.Now()

	properties.Property("无持仓且置信度 >= 阈值时开仓", prop.ForAll(
		func(conf float64, side model.Side) bool {
			d := Decide(nil, &model.Signal{Symbol: "X", Side: side, Confidence: conf}, 0, rc, now)
			return d.Op == model.OpOpen
		},
		gen.Float64Range(rc.OpenThreshold, 100),
		genSide(),
	))

	properties.Property("无持仓且置信度低于阈值时不操作", prop.ForAll(
		func(conf float64, side model.Side) bool {
			d := Decide(nil, &model.Signal{Symbol: "X", Side: side, Confidence: conf}, 0, rc, now)
			return d.None()
		},
		gen.Float64Range(0, rc.OpenThreshold-1e-9),
		genSide(),
	))

	properties.TestingRun(t)
}

// TestDecide_ShortNeverReduced 测试空头不减仓
func TestDecide_ShortNeverReduced(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	rc := testRisk()
	now := time.Now()

	properties.Property("空头持仓的决策永远不是 reduce", prop.ForAll(
		func(size int64, price, conf float64, reduceTimes int, hasSignal bool) bool {
			p := &model.Position{Symbol: "X", Side: model.SideShort, Size: size, EntryPrice: 100, Confidence: 80, ReduceTimes: reduceTimes}
			var s *model.Signal
			if hasSignal {
				s = &model.Signal{Symbol: "X", Side: model.SideShort, Confidence: conf}
			}
			d := Decide(p, s, price, rc, now)
			if d.Op == model.OpClose && d.Size != size {
				return false
			}
			return d.Op != model.OpReduce
		},
		gen.Int64Range(1, 1000),
		gen.Float64Range(50, 150),
		gen.Float64Range(0, 100),
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestDecide_ReduceSizeBounds 测试减仓张数
func TestDecide_ReduceSizeBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	rc := testRisk()
	now := time.Now()

	properties.Property("多头减仓张数在 [1, size) 内", prop.ForAll(
		func(size int64, price float64) bool {
			p := &model.Position{Symbol: "X", Side: model.SideLong, Size: size, EntryPrice: 100, Confidence: 80}
			d := Decide(p, nil, price, rc, now)
			switch d.Op {
			case model.OpReduce:
				return d.Size >= 1 && d.Size < size
			case model.OpClose:
				return d.Size == size
			}
			return true
		},
		gen.Int64Range(1, 10000),
		gen.Float64Range(80, 100),
	))

	properties.Property("止损且减仓次数用尽时平仓", prop.ForAll(
		func(size int64, drop float64) bool {
			p := &model.Position{Symbol: "X", Side: model.SideLong, Size: size, EntryPrice: 100, Confidence: 80, ReduceTimes: rc.MaxReduceTimes}
			s := &model.Signal{Symbol: "X", Side: model.SideLong, Confidence: 80}
			d := Decide(p, s, 100*(1-drop), rc, now)
			return d.Op == model.OpClose && d.Reason == ReasonStopLoss
		},
		gen.Int64Range(1, 1000),
		gen.Float64Range(0.051, 0.5),
	))

	properties.TestingRun(t)
}
