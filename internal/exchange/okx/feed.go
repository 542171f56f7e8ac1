package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/util/backoff"
	"position-lifecycle-engine/internal/util/timeutil"
)

// quote 缓存的最新价
type quote struct {
	price float64
	// recvNs 本地接收时间（单调纳秒）
	recvNs int64
}

// TickerFeed OKX tickers 频道行情缓存
// 连接地址: wss://ws.okx.com:8443/ws/v5/public
// 心跳: 文本 ping/pong
// 合约通过 Track 动态加入，重连后自动重新订阅全部已跟踪合约
type TickerFeed struct {
	// url WebSocket 地址
	url string
	// pingInterval 心跳间隔
	pingInterval time.Duration
	// pongTimeout 心跳响应超时
	pongTimeout time.Duration
	// maxAge 价格最大有效期
	maxAge time.Duration
	// logger 日志记录器
	logger *zap.Logger

	// conn WebSocket 连接
	conn *websocket.Conn
	// connMu 连接锁，同时串行化写入
	connMu sync.Mutex
	// backoff 重连退避
	backoff *backoff.Backoff

	// quotesMu 保护 quotes 与 tracked
	quotesMu sync.RWMutex
	quotes   map[string]quote
	tracked  map[string]bool

	// metrics 连接指标
	metrics   FeedMetrics
	metricsMu sync.RWMutex

	lastMsgNs      int64
	lastPingSentNs int64
	lastPongRecvNs int64
	closed         int32

	// parseErrSampleCount 解析错误计数（采样日志）
	parseErrSampleCount uint64
	lastParseErrLogNs   int64
}

// NewTickerFeed 创建行情缓存
// 参数 cfg: 交易所配置（ws_url、心跳与价格有效期）
// 参数 logger: 日志记录器
func NewTickerFeed(cfg config.ExchangeConfig, logger *zap.Logger) *TickerFeed {
	return &TickerFeed{
		url:          cfg.WSURL,
		pingInterval: time.Duration(cfg.PingIntervalMs) * time.Millisecond,
		pongTimeout:  time.Duration(cfg.PongTimeoutMs) * time.Millisecond,
		maxAge:       time.Duration(cfg.PriceMaxAgeMs) * time.Millisecond,
		logger:       logger.Named("okx_feed"),
		backoff:      backoff.NewDefault(),
		quotes:       make(map[string]quote),
		tracked:      make(map[string]bool),
	}
}

// Connect 建立 WebSocket 连接
func (f *TickerFeed) Connect(ctx context.Context) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	header := http.Header{}
	header.Set("Origin", "https://www.okx.com")
	header.Set("User-Agent", "position-lifecycle-engine/1.0")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("连接 OKX WebSocket 失败: %w", err)
	}

	f.conn = conn
	f.backoff.Reset()
	f.logger.Info("OKX WebSocket 连接成功", zap.String("url", f.url))
	return nil
}

// Track 跟踪合约行情，已连接时立即订阅
func (f *TickerFeed) Track(instId string) error {
	f.quotesMu.Lock()
	if f.tracked[instId] {
		f.quotesMu.Unlock()
		return nil
	}
	f.tracked[instId] = true
	f.quotesMu.Unlock()

	return f.send([]string{instId})
}

// Price 实现 PriceCache
// 未跟踪的合约自动加入订阅，本次返回 ok=false
func (f *TickerFeed) Price(instId string) (float64, bool) {
	f.quotesMu.RLock()
	q, ok := f.quotes[instId]
	tracked := f.tracked[instId]
	f.quotesMu.RUnlock()

	if !tracked {
		if err := f.Track(instId); err != nil {
			f.logger.Debug("订阅行情失败，稍后重连时补订", zap.String("instId", instId), zap.Error(err))
		}
		return 0, false
	}
	if !ok || !timeutil.Fresh(q.recvNs, f.maxAge) {
		return 0, false
	}
	return q.price, true
}

// subscribeAll 重新订阅全部已跟踪合约
func (f *TickerFeed) subscribeAll() error {
	f.quotesMu.RLock()
	ids := make([]string, 0, len(f.tracked))
	for id := range f.tracked {
		ids = append(ids, id)
	}
	f.quotesMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.send(ids)
}

// send 发送 tickers 订阅请求
func (f *TickerFeed) send(ids []string) error {
	args := make([]SubscribeArg, 0, len(ids))
	for _, id := range ids {
		args = append(args, SubscribeArg{Channel: "tickers", InstId: id})
	}
	data, err := json.Marshal(SubscribeRequest{Op: "subscribe", Args: args})
	if err != nil {
		return fmt.Errorf("序列化订阅请求失败: %w", err)
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("WebSocket 未连接")
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送订阅请求失败: %w", err)
	}
	f.logger.Info("OKX 订阅请求已发送", zap.Int("symbols", len(args)))
	return nil
}

// Run 启动读取循环与心跳循环，ctx 取消后返回
func (f *TickerFeed) Run(ctx context.Context) {
	go f.heartbeatLoop(ctx)
	f.readLoop(ctx)
}

// readLoop 读取循环
func (f *TickerFeed) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if atomic.LoadInt32(&f.closed) == 1 {
			return
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			f.reconnect(ctx)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&f.closed) == 1 || ctx.Err() != nil {
				return
			}
			f.logger.Warn("读取 OKX 消息失败", zap.Error(err))
			f.incrementReconnectCount()
			f.reconnect(ctx)
			continue
		}

		nowNs := timeutil.NowNano()
		atomic.StoreInt64(&f.lastMsgNs, nowNs)

		if IsPong(data) {
			atomic.StoreInt64(&f.lastPongRecvNs, nowNs)
			if lastPing := atomic.LoadInt64(&f.lastPingSentNs); lastPing > 0 {
				f.metricsMu.Lock()
				f.metrics.WsRttMs = (nowNs - lastPing) / int64(time.Millisecond)
				f.metricsMu.Unlock()
			}
			continue
		}
		if IsSubscribeResponse(data) {
			f.logger.Debug("收到订阅响应", zap.ByteString("data", data))
			continue
		}

		ticks, err := ParseTickers(data)
		if err != nil {
			f.incrementParseErrorCount()
			f.maybeLogParseError(err, data)
			continue
		}
		f.apply(ticks, nowNs)
	}
}

// apply 写入行情缓存
func (f *TickerFeed) apply(ticks []Tick, recvNs int64) {
	if len(ticks) == 0 {
		return
	}
	f.quotesMu.Lock()
	for _, t := range ticks {
		f.quotes[t.InstId] = quote{price: t.Price, recvNs: recvNs}
	}
	f.quotesMu.Unlock()
}

// heartbeatLoop 心跳循环
// 按间隔发送 ping，超时未收到 pong 时关闭连接，由读取循环重连
func (f *TickerFeed) heartbeatLoop(ctx context.Context) {
	if f.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&f.closed) == 1 {
				return
			}

			// 上一次 ping 是否超时
			lastPing := atomic.LoadInt64(&f.lastPingSentNs)
			lastPong := atomic.LoadInt64(&f.lastPongRecvNs)
			if lastPing > 0 && lastPong < lastPing && timeutil.NowNano()-lastPing > int64(f.pongTimeout) {
				f.logger.Warn("OKX 心跳超时，触发重连")
				f.incrementReconnectCount()
				f.closeConn()
				continue
			}

			f.connMu.Lock()
			conn := f.conn
			if conn == nil {
				f.connMu.Unlock()
				continue
			}
			pingNs := timeutil.NowNano()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			f.connMu.Unlock()
			if err != nil {
				f.logger.Warn("发送 OKX ping 失败", zap.Error(err))
				continue
			}
			atomic.StoreInt64(&f.lastPingSentNs, pingNs)
		}
	}
}

// reconnect 退避后重连并重新订阅
func (f *TickerFeed) reconnect(ctx context.Context) {
	f.closeConn()

	delay := f.backoff.Next()
	f.logger.Info("OKX 准备重连", zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := f.Connect(ctx); err != nil {
		f.logger.Error("OKX 重连失败", zap.Error(err))
		return
	}
	atomic.StoreInt64(&f.lastPingSentNs, 0)
	atomic.StoreInt64(&f.lastPongRecvNs, 0)
	if err := f.subscribeAll(); err != nil {
		f.logger.Error("OKX 重新订阅失败", zap.Error(err))
	}
}

// closeConn 关闭连接
func (f *TickerFeed) closeConn() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// Close 关闭行情连接
func (f *TickerFeed) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	f.closeConn()
	f.logger.Info("OKX 行情连接已关闭")
	return nil
}

// Metrics 获取连接指标
func (f *TickerFeed) Metrics() FeedMetrics {
	f.quotesMu.RLock()
	tracked := len(f.tracked)
	f.quotesMu.RUnlock()

	f.metricsMu.RLock()
	m := f.metrics
	f.metricsMu.RUnlock()

	m.Tracked = tracked
	m.LastMessageAgeMs = timeutil.AgeMs(atomic.LoadInt64(&f.lastMsgNs))
	return m
}

func (f *TickerFeed) incrementReconnectCount() {
	f.metricsMu.Lock()
	f.metrics.ReconnectCount++
	f.metricsMu.Unlock()
}

func (f *TickerFeed) incrementParseErrorCount() {
	f.metricsMu.Lock()
	f.metrics.ParseErrorCount++
	f.metricsMu.Unlock()
}

// maybeLogParseError 采样记录解析错误：每 100 次记录 1 条，且至少间隔 1 分钟
func (f *TickerFeed) maybeLogParseError(err error, data []byte) {
	count := atomic.AddUint64(&f.parseErrSampleCount, 1)
	if count%100 != 1 {
		return
	}
	nowNs := timeutil.NowNano()
	last := atomic.LoadInt64(&f.lastParseErrLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&f.lastParseErrLogNs, nowNs)

	sample := data
	if len(sample) > 200 {
		sample = sample[:200]
	}
	f.logger.Warn("解析 OKX 消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
