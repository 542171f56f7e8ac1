// Package main 是持仓生命周期引擎的入口。
// 按选币信号开仓、加仓、减仓、平仓，并在持仓期间按退出规则监控；
// 已实现盈利按比例计入储备，达到阈值后划转到资金账户。
//
// mode=paper 时只读取公共行情并在本地模拟成交，不会向交易所下单。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/order"
	"position-lifecycle-engine/internal/core/reconcile"
	"position-lifecycle-engine/internal/core/reserve"
	"position-lifecycle-engine/internal/core/store"
	"position-lifecycle-engine/internal/exchange"
	"position-lifecycle-engine/internal/exchange/okx"
	"position-lifecycle-engine/internal/exchange/paper"
	"position-lifecycle-engine/internal/metadata"
	"position-lifecycle-engine/internal/metrics"
	"position-lifecycle-engine/internal/output/jsonl"
	"position-lifecycle-engine/internal/scheduler"
	"position-lifecycle-engine/internal/selection"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.StringVar(&envPath, "env", ".env", "环境变量文件（交易所密钥）")
	flag.Parse()

	if err := loadEnv(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "加载环境变量失败: %v\n", err)
		os.Exit(1)
	}

	bootLogger := newLogger("info")
	provider, err := config.NewFileProvider(configPath, bootLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := provider.Current()

	logger := newLogger(cfg.App.LogLevel).Named(cfg.App.Name)
	defer logger.Sync()

	if err := run(provider, logger); err != nil {
		logger.Error("引擎退出", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run 组装组件并运行到收到退出信号或连续失败
func run(provider config.Provider, logger *zap.Logger) error {
	cfg := provider.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	positions := store.NewPositionStore(db, time.Duration(cfg.Storage.ListCacheMs)*time.Millisecond, logger)
	trades := store.NewTradeLog(db)
	ledger := reserve.NewLedger(db, logger)

	// 行情: WebSocket tickers 缓存 + REST 回退
	feed := okx.NewTickerFeed(cfg.Exchange, logger)
	rest := okx.NewClient(cfg.Exchange, logger).WithPriceCache(feed)
	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := feed.Connect(startCtx); err != nil {
		// 连接失败不阻止启动，读取循环会按退避重连，期间价格走 REST
		logger.Warn("OKX 行情连接失败，稍后重连", zap.Error(err))
	}
	startCancel()
	go feed.Run(ctx)

	var gw exchange.Gateway = rest
	if cfg.Exchange.Mode == config.ModePaper {
		gw = paper.NewGateway(cfg.Exchange.Paper, rest, logger)
		logger.Warn("paper 模式：订单在本地模拟成交", zap.Float64("initial_balance", cfg.Exchange.Paper.InitialBalance))
	}

	registry := metrics.NewRegistry(cfg.Metrics.PnLWindow)
	registry.WatchFeed(feed)

	// 选币结果按 OKX 合约目录与黑名单过滤
	var source selection.Source = selection.NewFileSource(cfg.Signal.Path, logger)
	if !cfg.Signal.SkipInstrumentCheck {
		catalog := metadata.NewCatalog(
			metadata.NewHTTPFetcher(cfg.Exchange.BaseURL, cfg.Exchange.TimeoutMs),
			time.Duration(cfg.Signal.InstrumentRefreshMs)*time.Millisecond,
			logger)
		source = metadata.NewFilteredSource(source, catalog, cfg.Signal.BlockedSymbols, logger)
	}

	submitter := order.NewSubmitter(gw, provider, logger).WithObserver(registry)
	engine := reconcile.NewEngine(reconcile.Deps{
		Config:    provider,
		Gateway:   gw,
		Source:    source,
		Positions: positions,
		Trades:    trades,
		Ledger:    ledger,
		Submitter: submitter,
	}, logger).WithRecorder(registry)
	if bs, ok := gw.(exchange.BarSource); ok {
		engine.WithBarSource(bs)
	}

	var sink *jsonl.NotificationSink
	if cfg.Output.NotificationsEnabled {
		sink, err = jsonl.NewNotificationSink(cfg.Output.Dir, cfg.Output.BufferSize, logger)
		if err != nil {
			return fmt.Errorf("创建成交通知输出失败: %w", err)
		}
		engine.WithNotifier(sink)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := registry.Serve(ctx, cfg.Metrics.ListenAddr, logger); err != nil {
				logger.Error("指标服务退出", zap.Error(err))
			}
		}()
	}

	logger.Info("引擎启动",
		zap.String("mode", cfg.Exchange.Mode),
		zap.String("signal_path", cfg.Signal.Path),
		zap.Int("order_interval_ms", cfg.Scheduler.OrderIntervalMs),
		zap.Int("monitor_interval_ms", cfg.Scheduler.MonitorIntervalMs))

	runErr := scheduler.New(provider, engine, logger).Run(ctx)
	cancel()

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Close()
		if sink != nil {
			_ = sink.Close()
		}
		if err := db.Close(); err != nil {
			logger.Warn("关闭数据库失败", zap.Error(err))
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
	return runErr
}

// loadEnv 加载 .env；文件不存在时忽略
func loadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
