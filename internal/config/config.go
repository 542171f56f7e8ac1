// Package config 负责加载和验证 YAML 配置文件。
// 提供引擎所需的所有配置项，包括交易所连接、风控参数、下单协议、监控退出规则等。
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Exchange 交易所连接配置
	Exchange ExchangeConfig `yaml:"exchange"`
	// Storage 持久化存储配置
	Storage StorageConfig `yaml:"storage"`
	// Signal 选币信号源配置
	Signal SignalConfig `yaml:"signal"`
	// Risk 仓位与风控参数
	Risk RiskConfig `yaml:"risk"`
	// Order 下单协议配置
	Order OrderConfig `yaml:"order"`
	// Monitor 持仓监控退出规则
	Monitor MonitorConfig `yaml:"monitor"`
	// Reserve 利润储备配置
	Reserve ReserveConfig `yaml:"reserve"`
	// Scheduler 周期调度配置
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
	// ConfigRefreshMs 配置缓存有效期（毫秒），过期后重新读取文件
	ConfigRefreshMs int `yaml:"config_refresh_ms"`
}

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	// Mode 运行模式: live（真实下单）或 paper（模拟成交）
	Mode string `yaml:"mode"`
	// BaseURL OKX REST 地址
	BaseURL string `yaml:"base_url"`
	// WSURL OKX 公共 WebSocket 地址（tickers 行情）
	WSURL string `yaml:"ws_url"`
	// APIKey API Key（通常来自环境变量 OKX_API_KEY）
	APIKey string `yaml:"api_key"`
	// SecretKey Secret Key（通常来自环境变量 OKX_SECRET_KEY）
	SecretKey string `yaml:"secret_key"`
	// Passphrase API 口令（通常来自环境变量 OKX_PASSPHRASE）
	Passphrase string `yaml:"passphrase"`
	// Simulated 是否使用 OKX 模拟盘（x-simulated-trading: 1）
	Simulated bool `yaml:"simulated"`
	// TdMode 保证金模式: cross 或 isolated
	TdMode string `yaml:"td_mode"`
	// TimeoutMs 单次 HTTP 请求超时（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
	// PriceMaxAgeMs WebSocket 行情缓存最大有效期（毫秒），超过则回退 REST
	PriceMaxAgeMs int `yaml:"price_max_age_ms"`
	// PingIntervalMs WebSocket 心跳间隔（毫秒）
	PingIntervalMs int `yaml:"ping_interval_ms"`
	// PongTimeoutMs WebSocket 心跳响应超时（毫秒）
	PongTimeoutMs int `yaml:"pong_timeout_ms"`
	// Paper 模拟成交配置（mode=paper 时使用）
	Paper PaperConfig `yaml:"paper"`
}

// PaperConfig 模拟成交配置
type PaperConfig struct {
	// InitialBalance 初始可用 USDT
	InitialBalance float64 `yaml:"initial_balance"`
	// Leverage 模拟杠杆（多空相同）
	Leverage float64 `yaml:"leverage"`
	// SlippageBps 滑点（基点），成交价额外不利偏移
	SlippageBps float64 `yaml:"slippage_bps"`
}

// StorageConfig 持久化存储配置
type StorageConfig struct {
	// Path SQLite 数据库文件路径
	Path string `yaml:"path"`
	// ListCacheMs 持仓列表读缓存有效期（毫秒）
	ListCacheMs int `yaml:"list_cache_ms"`
}

// SignalConfig 选币信号源配置
type SignalConfig struct {
	// Path 选币结果 JSON 文件路径
	Path string `yaml:"path"`
	// SkipInstrumentCheck 为 true 时不按 OKX 合约目录过滤信号
	SkipInstrumentCheck bool `yaml:"skip_instrument_check"`
	// InstrumentRefreshMs 合约目录刷新间隔（毫秒）
	InstrumentRefreshMs int `yaml:"instrument_refresh_ms"`
	// BlockedSymbols 禁止交易的合约，任意写法（如 LUNA-USDT）
	BlockedSymbols []string `yaml:"blocked_symbols"`
}

// RiskConfig 仓位与风控参数
// 置信度统一使用 0-100 刻度
type RiskConfig struct {
	// OpenThreshold 开仓置信度阈值
	OpenThreshold float64 `yaml:"open_threshold"`
	// RequireProfitToClose 信号消失时是否要求盈利才平仓
	RequireProfitToClose bool `yaml:"require_profit_to_close"`
	// MaxAddTimes 最大加仓次数
	MaxAddTimes int `yaml:"max_add_times"`
	// MaxReduceTimes 最大减仓次数
	MaxReduceTimes int `yaml:"max_reduce_times"`
	// TakeProfitValue 浮盈达到该绝对值（USDT）时平仓
	TakeProfitValue float64 `yaml:"take_profit_value"`
	// StopLossRatio 浮亏比例阈值（负数），低于等于时减仓或平仓
	StopLossRatio float64 `yaml:"stop_loss_ratio"`
	// MaxSinglePositionRatio 单仓最大资金比例
	MaxSinglePositionRatio float64 `yaml:"max_single_position_ratio"`
	// MinSinglePositionRatio 单仓最小资金比例
	MinSinglePositionRatio float64 `yaml:"min_single_position_ratio"`
	// CapitalBufferRatio 资金缓冲比例，计算可投资金额前先扣除
	CapitalBufferRatio float64 `yaml:"capital_buffer_ratio"`
	// OrderMarginBuffer 每张合约保证金放大系数（>1，吸收滑点与手续费）
	OrderMarginBuffer float64 `yaml:"order_margin_buffer"`
	// MaxLeverageLimit 杠杆上限
	MaxLeverageLimit float64 `yaml:"max_leverage_limit"`
	// MaxContractsPerOrder 单笔最大合约张数
	MaxContractsPerOrder int `yaml:"max_contracts_per_order"`
	// MaxHoldingSymbols 最大同时持仓币种数
	MaxHoldingSymbols int `yaml:"max_holding_symbols"`
	// MaxSymbolExposureRatio 单币种保证金占余额的最大比例
	MaxSymbolExposureRatio float64 `yaml:"max_symbol_exposure_ratio"`
	// ReduceCooldownMs 同一币种两次减仓的最小间隔（毫秒）
	ReduceCooldownMs int `yaml:"reduce_cooldown_ms"`
}

// OrderConfig 下单协议配置
type OrderConfig struct {
	// MaxRetryOnFailure 最大下单尝试次数
	MaxRetryOnFailure int `yaml:"max_retry_on_failure"`
	// BackoffBaseMs 重试退避起始时间（毫秒）
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	// BackoffMaxMs 重试退避上限（毫秒）
	BackoffMaxMs int `yaml:"backoff_max_ms"`
	// StatusPollDelayMs 下单后查询订单状态前的等待时间（毫秒）
	StatusPollDelayMs int `yaml:"status_poll_delay_ms"`
}

// MonitorConfig 持仓监控退出规则
// 比例为 0 表示关闭对应规则
type MonitorConfig struct {
	// TakeProfitRatio 相对开仓价的止盈比例
	TakeProfitRatio float64 `yaml:"take_profit_ratio"`
	// TrailingStopRatio 相对水位线的回撤止损比例
	TrailingStopRatio float64 `yaml:"trailing_stop_ratio"`
	// FlashCrashRatio 闪崩比例（仅多头），相对上一根 1m K 线收盘价
	FlashCrashRatio float64 `yaml:"flash_crash_ratio"`
	// RetraceProfitRatio 峰值浮盈比例达到该值后启用回撤规则
	RetraceProfitRatio float64 `yaml:"retrace_profit_ratio"`
	// RetraceDropRatio 从峰值浮盈回撤超过该比例时退出
	RetraceDropRatio float64 `yaml:"retrace_drop_ratio"`
	// MaxLossRatio 最大浮亏比例（正数），超过时强制平仓
	MaxLossRatio float64 `yaml:"max_loss_ratio"`
	// PositionTimeoutMin 最长持仓时间（分钟）
	PositionTimeoutMin int `yaml:"position_timeout_min"`
}

// ReserveConfig 利润储备配置
type ReserveConfig struct {
	// ReserveProfitRatio 已实现盈利中计入储备的比例
	ReserveProfitRatio float64 `yaml:"reserve_profit_ratio"`
	// MinProfitToReserve 储备达到该金额后划转到资金账户
	MinProfitToReserve float64 `yaml:"min_profit_to_reserve"`
}

// SchedulerConfig 周期调度配置
type SchedulerConfig struct {
	// OrderIntervalMs 下单周期间隔（毫秒）
	OrderIntervalMs int `yaml:"order_interval_ms"`
	// MonitorIntervalMs 持仓监控周期间隔（毫秒）
	MonitorIntervalMs int `yaml:"monitor_interval_ms"`
	// MaxConsecutiveFailures 连续失败周期上限，达到后停止进程
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// NotificationsEnabled 是否输出成交通知文件
	NotificationsEnabled bool `yaml:"notifications_enabled"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// Enabled 是否启动 /metrics HTTP 服务
	Enabled bool `yaml:"enabled"`
	// ListenAddr 监听地址，如 :9100
	ListenAddr string `yaml:"listen_addr"`
	// PnLWindow 盈亏统计滚动窗口大小
	PnLWindow int `yaml:"pnl_window"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容并验证
// 环境变量中的交易所密钥优先于文件内容
func Parse(data []byte) (*Config, error) {
	// 布尔值与可关闭的监控比例无法用零值判断是否配置，解析前预置默认值
	cfg := presets()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// Default 返回全部取默认值的配置（paper 模式）
func Default() *Config {
	cfg := presets()
	cfg.Exchange.Mode = ModePaper
	cfg.setDefaults()
	return &cfg
}

// presets 返回解析前预置的配置
// 显式写 0 的监控比例会关闭对应规则
func presets() Config {
	return Config{
		Risk: RiskConfig{RequireProfitToClose: true},
		Monitor: MonitorConfig{
			TakeProfitRatio:    0.02,
			TrailingStopRatio:  0.01,
			FlashCrashRatio:    0.05,
			RetraceProfitRatio: 0.05,
			RetraceDropRatio:   0.01,
		},
	}
}

// 运行模式
const (
	// ModeLive 真实下单
	ModeLive = "live"
	// ModePaper 模拟成交
	ModePaper = "paper"
)

// applyEnv 读取环境变量中的交易所密钥
func (c *Config) applyEnv() {
	if v := os.Getenv("OKX_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("OKX_SECRET_KEY"); v != "" {
		c.Exchange.SecretKey = v
	}
	if v := os.Getenv("OKX_PASSPHRASE"); v != "" {
		c.Exchange.Passphrase = v
	}
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "position-lifecycle-engine"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.ConfigRefreshMs == 0 {
		c.App.ConfigRefreshMs = 5000 // 5 秒
	}

	// 交易所默认值
	if c.Exchange.Mode == "" {
		c.Exchange.Mode = ModeLive
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://www.okx.com"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://ws.okx.com:8443/ws/v5/public"
	}
	if c.Exchange.TdMode == "" {
		c.Exchange.TdMode = "cross"
	}
	if c.Exchange.TimeoutMs == 0 {
		c.Exchange.TimeoutMs = 10000 // 10 秒
	}
	if c.Exchange.PriceMaxAgeMs == 0 {
		c.Exchange.PriceMaxAgeMs = 5000
	}
	if c.Exchange.PingIntervalMs == 0 {
		c.Exchange.PingIntervalMs = 25000 // 25 秒
	}
	if c.Exchange.PongTimeoutMs == 0 {
		c.Exchange.PongTimeoutMs = 10000 // 10 秒
	}
	if c.Exchange.Paper.InitialBalance == 0 {
		c.Exchange.Paper.InitialBalance = 1000
	}
	if c.Exchange.Paper.Leverage == 0 {
		c.Exchange.Paper.Leverage = 5
	}

	// 存储默认值
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/engine.db"
	}
	if c.Storage.ListCacheMs == 0 {
		c.Storage.ListCacheMs = 3000 // 3 秒
	}
	if c.Signal.Path == "" {
		c.Signal.Path = "./data/latest_selection.json"
	}
	if c.Signal.InstrumentRefreshMs == 0 {
		c.Signal.InstrumentRefreshMs = 3600000 // 1 小时
	}

	// 风控默认值
	r := &c.Risk
	if r.OpenThreshold == 0 {
		r.OpenThreshold = 70
	}
	if r.MaxAddTimes == 0 {
		r.MaxAddTimes = 3
	}
	if r.MaxReduceTimes == 0 {
		r.MaxReduceTimes = 2
	}
	if r.TakeProfitValue == 0 {
		r.TakeProfitValue = 0.2
	}
	if r.StopLossRatio == 0 {
		r.StopLossRatio = -0.05
	}
	if r.MaxSinglePositionRatio == 0 {
		r.MaxSinglePositionRatio = 0.075
	}
	if r.MinSinglePositionRatio == 0 {
		r.MinSinglePositionRatio = 0.01
	}
	if r.CapitalBufferRatio == 0 {
		r.CapitalBufferRatio = 0.10
	}
	if r.OrderMarginBuffer == 0 {
		r.OrderMarginBuffer = 1.10
	}
	if r.MaxLeverageLimit == 0 {
		r.MaxLeverageLimit = 10
	}
	if r.MaxContractsPerOrder == 0 {
		r.MaxContractsPerOrder = 6000
	}
	if r.MaxHoldingSymbols == 0 {
		r.MaxHoldingSymbols = 6
	}
	if r.MaxSymbolExposureRatio == 0 {
		r.MaxSymbolExposureRatio = 0.5
	}
	if r.ReduceCooldownMs == 0 {
		r.ReduceCooldownMs = 60000 // 1 分钟
	}

	// 下单协议默认值
	if c.Order.MaxRetryOnFailure == 0 {
		c.Order.MaxRetryOnFailure = 3
	}
	if c.Order.BackoffBaseMs == 0 {
		c.Order.BackoffBaseMs = 1000
	}
	if c.Order.BackoffMaxMs == 0 {
		c.Order.BackoffMaxMs = 8000
	}
	if c.Order.StatusPollDelayMs == 0 {
		c.Order.StatusPollDelayMs = 800
	}

	// 利润储备默认值
	if c.Reserve.ReserveProfitRatio == 0 {
		c.Reserve.ReserveProfitRatio = 0.5
	}
	if c.Reserve.MinProfitToReserve == 0 {
		c.Reserve.MinProfitToReserve = 5.0
	}

	// 调度默认值
	if c.Scheduler.OrderIntervalMs == 0 {
		c.Scheduler.OrderIntervalMs = 45000 // 45 秒
	}
	if c.Scheduler.MonitorIntervalMs == 0 {
		c.Scheduler.MonitorIntervalMs = 15000 // 15 秒
	}
	if c.Scheduler.MaxConsecutiveFailures == 0 {
		c.Scheduler.MaxConsecutiveFailures = 5
	}

	// 输出默认值
	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9100"
	}
	if c.Metrics.PnLWindow == 0 {
		c.Metrics.PnLWindow = 200
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	// 交易所
	switch c.Exchange.Mode {
	case ModeLive:
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" || c.Exchange.Passphrase == "" {
			errs = append(errs, "exchange: live 模式需要 api_key/secret_key/passphrase（或 OKX_* 环境变量）")
		}
		if c.Exchange.BaseURL == "" {
			errs = append(errs, "exchange.base_url: REST 地址不能为空")
		}
	case ModePaper:
		if c.Exchange.Paper.InitialBalance < 0 {
			errs = append(errs, "exchange.paper.initial_balance: 初始余额不能为负数")
		}
		if c.Exchange.Paper.Leverage <= 0 {
			errs = append(errs, "exchange.paper.leverage: 杠杆必须为正数")
		}
		if c.Exchange.Paper.SlippageBps < 0 {
			errs = append(errs, "exchange.paper.slippage_bps: 滑点不能为负数")
		}
	default:
		errs = append(errs, fmt.Sprintf("exchange.mode: 无效的运行模式 '%s'，有效值: live, paper", c.Exchange.Mode))
	}
	if c.Exchange.TdMode != "cross" && c.Exchange.TdMode != "isolated" {
		errs = append(errs, fmt.Sprintf("exchange.td_mode: 无效的保证金模式 '%s'", c.Exchange.TdMode))
	}
	if c.Exchange.TimeoutMs <= 0 {
		errs = append(errs, "exchange.timeout_ms: 超时时间必须为正数")
	}

	// 风控
	r := c.Risk
	if r.OpenThreshold < 0 || r.OpenThreshold > 100 {
		errs = append(errs, "risk.open_threshold: 开仓阈值必须在 0-100 之间")
	}
	if r.MaxAddTimes < 0 {
		errs = append(errs, "risk.max_add_times: 加仓次数不能为负数")
	}
	if r.MaxReduceTimes < 0 {
		errs = append(errs, "risk.max_reduce_times: 减仓次数不能为负数")
	}
	if r.StopLossRatio >= 0 {
		errs = append(errs, "risk.stop_loss_ratio: 止损比例必须为负数")
	}
	if err := validateRatio(r.MinSinglePositionRatio, "risk.min_single_position_ratio"); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRatio(r.MaxSinglePositionRatio, "risk.max_single_position_ratio"); err != nil {
		errs = append(errs, err.Error())
	}
	if r.MinSinglePositionRatio > r.MaxSinglePositionRatio {
		errs = append(errs, "risk.min_single_position_ratio: 不能大于 max_single_position_ratio")
	}
	if r.CapitalBufferRatio < 0 || r.CapitalBufferRatio >= 1 {
		errs = append(errs, "risk.capital_buffer_ratio: 资金缓冲比例必须在 [0, 1) 之间")
	}
	if r.OrderMarginBuffer < 1 {
		errs = append(errs, "risk.order_margin_buffer: 保证金放大系数不能小于 1")
	}
	if r.MaxLeverageLimit < 1 {
		errs = append(errs, "risk.max_leverage_limit: 杠杆上限不能小于 1")
	}
	if r.MaxContractsPerOrder < 1 {
		errs = append(errs, "risk.max_contracts_per_order: 单笔最大张数必须为正数")
	}
	if r.MaxHoldingSymbols < 1 {
		errs = append(errs, "risk.max_holding_symbols: 最大持仓币种数必须为正数")
	}
	if err := validateRatio(r.MaxSymbolExposureRatio, "risk.max_symbol_exposure_ratio"); err != nil {
		errs = append(errs, err.Error())
	}
	if r.ReduceCooldownMs < 0 {
		errs = append(errs, "risk.reduce_cooldown_ms: 冷却时间不能为负数")
	}

	// 下单协议
	if c.Order.MaxRetryOnFailure < 1 {
		errs = append(errs, "order.max_retry_on_failure: 下单尝试次数至少为 1")
	}
	if c.Order.BackoffBaseMs <= 0 || c.Order.BackoffMaxMs < c.Order.BackoffBaseMs {
		errs = append(errs, "order.backoff_*: 退避参数需满足 0 < base <= max")
	}
	if c.Order.StatusPollDelayMs < 0 {
		errs = append(errs, "order.status_poll_delay_ms: 等待时间不能为负数")
	}

	// 监控
	m := c.Monitor
	for field, v := range map[string]float64{
		"monitor.take_profit_ratio":    m.TakeProfitRatio,
		"monitor.trailing_stop_ratio":  m.TrailingStopRatio,
		"monitor.flash_crash_ratio":    m.FlashCrashRatio,
		"monitor.retrace_profit_ratio": m.RetraceProfitRatio,
		"monitor.retrace_drop_ratio":   m.RetraceDropRatio,
		"monitor.max_loss_ratio":       m.MaxLossRatio,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s: 比例必须在 0-1 之间，当前值: %f", field, v))
		}
	}
	if m.PositionTimeoutMin < 0 {
		errs = append(errs, "monitor.position_timeout_min: 超时时间不能为负数")
	}

	// 利润储备
	if err := validateRatio(c.Reserve.ReserveProfitRatio, "reserve.reserve_profit_ratio"); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Reserve.MinProfitToReserve <= 0 {
		errs = append(errs, "reserve.min_profit_to_reserve: 划转阈值必须为正数")
	}

	// 调度
	if c.Scheduler.OrderIntervalMs <= 0 || c.Scheduler.MonitorIntervalMs <= 0 {
		errs = append(errs, "scheduler: 周期间隔必须为正数")
	}
	if c.Scheduler.MaxConsecutiveFailures < 1 {
		errs = append(errs, "scheduler.max_consecutive_failures: 至少为 1")
	}

	if c.Storage.Path == "" {
		errs = append(errs, "storage.path: 数据库路径不能为空")
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validateRatio 验证比例范围
// 参数 v: 比例值
// 参数 field: 字段名称，用于错误消息
// 返回: 若比例不在 (0, 1] 内则返回错误
func validateRatio(v float64, field string) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s: 比例必须在 (0, 1] 之间，当前值: %f", field, v)
	}
	return nil
}
