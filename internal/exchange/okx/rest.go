// Package okx 实现 OKX v5 REST 网关与 tickers 行情推送。
// 私有接口使用 HMAC-SHA256 签名: base64(hmac(secret, ts + method + requestPath + body))
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/exchange"
)

// 划转账户类型
const (
	accountTrading = "18"
	accountFunding = "6"
)

// maxBodyBytes 响应体读取上限
const maxBodyBytes = 1 << 20

// PriceCache 行情缓存
type PriceCache interface {
	// Price 返回合约的最新价格，缓存过期或不存在时 ok 为 false
	Price(instId string) (float64, bool)
}

// Client OKX REST 网关
// 实现 exchange.Gateway 与 exchange.BarSource
type Client struct {
	// baseURL REST 地址
	baseURL string
	// apiKey API Key
	apiKey string
	// secretKey Secret Key
	secretKey string
	// passphrase API 口令
	passphrase string
	// simulated 是否使用模拟盘
	simulated bool
	// tdMode 保证金模式
	tdMode string
	// httpClient HTTP 客户端
	httpClient *http.Client
	// prices 可选行情缓存，命中时不再请求 REST ticker
	prices PriceCache
	// logger 日志记录器
	logger *zap.Logger
	// now 时间函数（测试可替换）
	now func() time.Time
}

// NewClient 创建 OKX REST 网关
// 参数 cfg: 交易所配置（密钥、地址、超时）
// 参数 logger: 日志记录器
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		passphrase: cfg.Passphrase,
		simulated:  cfg.Simulated,
		tdMode:     cfg.TdMode,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		logger:     logger.Named("okx"),
		now:        time.Now,
	}
}

// WithPriceCache 设置行情缓存
func (c *Client) WithPriceCache(p PriceCache) *Client {
	c.prices = p
	return c
}

// Sign 计算请求签名
func Sign(secret, prehash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// MarketPrice 实现 exchange.Gateway
// 优先使用 WebSocket 行情缓存，过期时回退 REST ticker
func (c *Client) MarketPrice(ctx context.Context, symbol string) (float64, bool, error) {
	if c.prices != nil {
		if px, ok := c.prices.Price(symbol); ok {
			return px, true, nil
		}
	}

	var data []TickerData
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/ticker", url.Values{"instId": {symbol}}, nil, &data); err != nil {
		return 0, false, err
	}
	if len(data) == 0 {
		return 0, false, nil
	}
	px, ok := parseNumber(data[0].Last)
	if !ok || !px.IsPositive() {
		return 0, false, fmt.Errorf("%s 最新价 %q 无效: %w", symbol, data[0].Last, exchange.ErrMalformedResponse)
	}
	return px.InexactFloat64(), true, nil
}

// LastBarClose 实现 exchange.BarSource
// candles 第一根为未完成 K 线，取第二根的收盘价
func (c *Client) LastBarClose(ctx context.Context, symbol string) (float64, bool, error) {
	var rows [][]string
	q := url.Values{"instId": {symbol}, "bar": {"1m"}, "limit": {"2"}}
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/candles", q, nil, &rows); err != nil {
		return 0, false, err
	}
	if len(rows) < 2 || len(rows[1]) < 5 {
		return 0, false, nil
	}
	px, ok := parseNumber(rows[1][4])
	if !ok || !px.IsPositive() {
		return 0, false, fmt.Errorf("%s K 线收盘价 %q 无效: %w", symbol, rows[1][4], exchange.ErrMalformedResponse)
	}
	return px.InexactFloat64(), true, nil
}

// Leverage 实现 exchange.Gateway
// 单向持仓（posSide=net）时多空使用同一杠杆
func (c *Client) Leverage(ctx context.Context, symbol string) (exchange.Leverage, error) {
	var data []LeverageData
	q := url.Values{"instId": {symbol}, "mgnMode": {c.tdMode}}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/leverage-info", q, nil, &data); err != nil {
		return exchange.Leverage{}, err
	}

	var lev exchange.Leverage
	for _, d := range data {
		v, ok := parseNumber(d.Lever)
		if !ok {
			continue
		}
		f := v.InexactFloat64()
		switch d.PosSide {
		case "long":
			lev.Long = f
		case "short":
			lev.Short = f
		default:
			lev.Long, lev.Short = f, f
		}
	}
	if lev.Long <= 0 && lev.Short <= 0 {
		return lev, fmt.Errorf("%s 杠杆信息缺失: %w", symbol, exchange.ErrMalformedResponse)
	}
	return lev, nil
}

// TradeBalance 实现 exchange.Gateway
// 返回交易账户 USDT 可用余额
func (c *Client) TradeBalance(ctx context.Context) (float64, error) {
	var data []BalanceData
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/balance", url.Values{"ccy": {"USDT"}}, nil, &data); err != nil {
		return 0, err
	}
	for _, acct := range data {
		for _, d := range acct.Details {
			if d.Ccy != "" && d.Ccy != "USDT" {
				continue
			}
			if v, ok := parseNumber(d.AvailBal); ok {
				return v.InexactFloat64(), nil
			}
			if v, ok := parseNumber(d.AvailEq); ok {
				return v.InexactFloat64(), nil
			}
		}
	}
	return 0, fmt.Errorf("余额响应缺少 USDT 明细: %w", exchange.ErrMalformedResponse)
}

// PlaceOrder 实现 exchange.Gateway
// 市价单；单向持仓模式不带 posSide
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	body := PlaceOrderRequest{
		InstId:     req.Symbol,
		TdMode:     c.tdMode,
		Side:       string(req.Side),
		OrdType:    "market",
		Sz:         strconv.FormatInt(req.Size, 10),
		ReduceOnly: req.ReduceOnly,
		ClOrdId:    req.ClientOrderID,
	}
	var acks []OrderAck
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, &acks); err != nil {
		return "", err
	}
	if len(acks) == 0 {
		return "", nil
	}
	ack := acks[0]
	if ack.SCode != "" && ack.SCode != "0" {
		return "", &exchange.APIError{Code: ack.SCode, Msg: ack.SMsg}
	}
	return ack.OrdId, nil
}

// OrderStatus 实现 exchange.Gateway
// accFillSz 缺失或无法解析时 FilledSize 为 0
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderFill, error) {
	var data []OrderData
	q := url.Values{"instId": {symbol}, "ordId": {orderID}}
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, &data); err != nil {
		return exchange.OrderFill{State: exchange.StateUnknown}, err
	}
	if len(data) == 0 || data[0].State == "" {
		return exchange.OrderFill{State: exchange.StateUnknown}, fmt.Errorf("订单 %s 状态缺失: %w", orderID, exchange.ErrMalformedResponse)
	}
	fill := exchange.OrderFill{State: exchange.ParseOrderState(data[0].State)}
	if sz, ok := parseNumber(data[0].AccFillSz); ok {
		fill.FilledSize = sz.IntPart()
	}
	return fill, nil
}

// Transfer 实现 exchange.Gateway
// 交易账户 → 资金账户，金额截断到 8 位小数
func (c *Client) Transfer(ctx context.Context, amount float64) error {
	amt := decimal.NewFromFloat(amount).Truncate(8)
	if !amt.IsPositive() {
		return fmt.Errorf("划转金额 %v 非正", amount)
	}
	body := TransferRequest{
		Ccy:  "USDT",
		Amt:  amt.String(),
		From: accountTrading,
		To:   accountFunding,
		Type: "0",
	}
	var data []json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/v5/asset/transfer", nil, body, &data); err != nil {
		return err
	}
	c.logger.Info("利润已划转至资金账户", zap.String("amount", amt.String()))
	return nil
}

// do 发送签名请求并解析响应
// 网络错误与 5xx 归为 ErrTransient；响应无法解析归为 ErrMalformedResponse；
// code 非 0 时返回 *exchange.APIError
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// 未配置密钥时只能访问公共行情接口（paper 模式）
	if c.apiKey != "" {
		ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", Sign(c.secretKey, ts+method+requestPath+string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	}
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 %s 失败: %w: %w", path, exchange.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("读取 %s 响应失败: %w: %w", path, exchange.ErrTransient, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s 返回 HTTP %d: %w", path, resp.StatusCode, exchange.ErrTransient)
		}
		return fmt.Errorf("解析 %s 响应失败 (HTTP %d): %w", path, resp.StatusCode, exchange.ErrMalformedResponse)
	}

	if env.Code != "0" {
		if env.Code == "" {
			return fmt.Errorf("%s 响应缺少 code (HTTP %d): %w", path, resp.StatusCode, exchange.ErrMalformedResponse)
		}
		apiErr := &exchange.APIError{Code: env.Code, Msg: env.Msg}
		// 批量类接口的具体原因在 data[].sCode
		var acks []OrderAck
		if json.Unmarshal(env.Data, &acks) == nil {
			for _, a := range acks {
				if a.SCode != "" && a.SCode != "0" {
					apiErr = &exchange.APIError{Code: a.SCode, Msg: a.SMsg}
					break
				}
			}
		}
		c.logger.Warn("OKX 返回错误", zap.String("path", path), zap.String("code", apiErr.Code), zap.String("msg", apiErr.Msg))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		env.Data = []byte("[]")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("解析 %s 数据失败: %w", path, exchange.ErrMalformedResponse)
	}
	return nil
}
