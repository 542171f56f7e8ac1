// Package metrics 提供 Prometheus 指标与 /metrics HTTP 服务。
//
// 指标列表:
//   - ple_outcomes_total{cycle,op,status}       每个合约的处理结果
//   - ple_cycles_total{cycle,result}            周期执行次数（ok|failed）
//   - ple_cycle_duration_seconds{cycle}         周期耗时
//   - ple_order_attempts_total{result}          下单尝试（ok|error）
//   - ple_orders_total{side,status}             下单协议结果
//   - ple_realized_pnl_usdt_total{result}       已实现盈亏累计（win|loss，绝对值）
//   - ple_pnl_win_rate / ple_pnl_expectancy_usdt 滚动窗口统计
//   - ple_profit_reserve_usdt                   当前利润储备
//   - ple_open_positions                        当前持仓数
//   - ple_feed_*                                行情连接质量
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/core/order"
	"position-lifecycle-engine/internal/core/reconcile"
	"position-lifecycle-engine/internal/exchange/okx"
	"position-lifecycle-engine/internal/stats/pnl"
)

const namespace = "ple"

// FeedSource 行情连接指标来源
type FeedSource interface {
	Metrics() okx.FeedMetrics
}

// Registry 引擎指标集合
// 实现 reconcile.Recorder 与 order.Observer
type Registry struct {
	reg *prometheus.Registry
	// pnl 滚动盈亏统计
	pnl *pnl.Calculator

	outcomes      *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	orders        *prometheus.CounterVec
	realized      *prometheus.CounterVec
	winRate       prometheus.Gauge
	expectancy    prometheus.Gauge
	reserve       prometheus.Gauge
	openPositions prometheus.Gauge
}

// NewRegistry 创建并注册全部指标
// 参数 pnlWindow: 盈亏统计窗口大小
func NewRegistry(pnlWindow int) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		pnl: pnl.NewCalculator(pnlWindow),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Per-symbol reconciliation outcomes",
		}, []string{"cycle", "op", "status"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed cycles by result",
		}, []string{"cycle", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Cycle wall time",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"cycle"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_attempts_total",
			Help:      "Order submission attempts",
		}, []string{"result"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order protocol results",
		}, []string{"side", "status"}),
		realized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_pnl_usdt_total",
			Help:      "Absolute realized PnL split by win/loss",
		}, []string{"result"}),
		winRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pnl_win_rate",
			Help:      "Rolling win rate of realized exits",
		}),
		expectancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pnl_expectancy_usdt",
			Help:      "Rolling expectancy per realized exit",
		}),
		reserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profit_reserve_usdt",
			Help:      "Profit reserve not yet swept",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Tracked open positions",
		}),
	}

	r.reg.MustRegister(
		r.outcomes, r.cycles, r.cycleDuration,
		r.attempts, r.orders,
		r.realized, r.winRate, r.expectancy,
		r.reserve, r.openPositions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// WatchFeed 注册行情连接指标（采集时读取）
func (r *Registry) WatchFeed(src FeedSource) {
	gauge := func(name, help string, fn func(okx.FeedMetrics) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(src.Metrics()) })
	}
	r.reg.MustRegister(
		gauge("feed_reconnects", "Ticker feed reconnect count", func(m okx.FeedMetrics) float64 { return float64(m.ReconnectCount) }),
		gauge("feed_parse_errors", "Ticker feed parse errors", func(m okx.FeedMetrics) float64 { return float64(m.ParseErrorCount) }),
		gauge("feed_tracked_symbols", "Symbols subscribed on the ticker feed", func(m okx.FeedMetrics) float64 { return float64(m.Tracked) }),
		gauge("feed_last_message_age_ms", "Milliseconds since the last feed message", func(m okx.FeedMetrics) float64 { return float64(m.LastMessageAgeMs) }),
		gauge("feed_rtt_ms", "Websocket ping round trip", func(m okx.FeedMetrics) float64 { return float64(m.WsRttMs) }),
	)
}

// ObserveOutcome 实现 reconcile.Recorder
func (r *Registry) ObserveOutcome(cycle string, o reconcile.Outcome) {
	op := string(o.Op)
	if op == "" {
		op = "none"
	}
	r.outcomes.WithLabelValues(cycle, op, string(o.Status)).Inc()
}

// ObserveCycle 实现 reconcile.Recorder
func (r *Registry) ObserveCycle(cycle string, failed bool, elapsed time.Duration) {
	result := "ok"
	if failed {
		result = "failed"
	}
	r.cycles.WithLabelValues(cycle, result).Inc()
	r.cycleDuration.WithLabelValues(cycle).Observe(elapsed.Seconds())
}

// ObserveRealized 实现 reconcile.Recorder
func (r *Registry) ObserveRealized(_ string, v, ratio float64) {
	if v > 0 {
		r.realized.WithLabelValues("win").Add(v)
	} else {
		r.realized.WithLabelValues("loss").Add(-v)
	}
	r.pnl.Add(v, ratio)
	s := r.pnl.Stats()
	r.winRate.Set(s.WinRate)
	r.expectancy.Set(s.Expectancy)
}

// SetReserve 实现 reconcile.Recorder
func (r *Registry) SetReserve(v float64) { r.reserve.Set(v) }

// SetOpenPositions 实现 reconcile.Recorder
func (r *Registry) SetOpenPositions(n int) { r.openPositions.Set(float64(n)) }

// ObserveAttempt 实现 order.Observer
func (r *Registry) ObserveAttempt(_ string, err error) {
	if err != nil {
		r.attempts.WithLabelValues("error").Inc()
		return
	}
	r.attempts.WithLabelValues("ok").Inc()
}

// ObserveResult 实现 order.Observer
func (r *Registry) ObserveResult(_ string, side model.OrderSide, status order.Status) {
	r.orders.WithLabelValues(string(side), string(status)).Inc()
}

// PnLStats 当前滚动盈亏统计
func (r *Registry) PnLStats() pnl.Stats {
	return r.pnl.Stats()
}

// Handler 返回 /metrics 处理器
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve 启动 /metrics 与 /healthz 服务，ctx 取消后优雅关闭
func (r *Registry) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("指标服务已启动", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var (
	_ reconcile.Recorder = (*Registry)(nil)
	_ order.Observer     = (*Registry)(nil)
)
