package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher 合约元数据获取器
type Fetcher interface {
	// FetchOKX 获取 OKX 永续合约列表
	FetchOKX(ctx context.Context) ([]OKXInstrument, error)
}

// HTTPFetcher 通过公共 REST 接口获取合约元数据
type HTTPFetcher struct {
	// baseURL REST 根地址，如 https://www.okx.com
	baseURL string
	// client HTTP 客户端
	client *http.Client
}

// NewHTTPFetcher 创建 HTTP 元数据获取器
// 参数 baseURL: REST 根地址
// 参数 timeoutMs: HTTP 请求超时时间（毫秒）
func NewHTTPFetcher(baseURL string, timeoutMs int) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
		},
	}
}

// FetchOKX 获取 OKX 永续合约元数据
// 返回: 全部 SWAP 合约（含非 USDT 与非 live）
func (f *HTTPFetcher) FetchOKX(ctx context.Context) ([]OKXInstrument, error) {
	body, err := f.doRequest(ctx, f.baseURL+"/api/v5/public/instruments?instType=SWAP")
	if err != nil {
		return nil, fmt.Errorf("请求 OKX 元数据失败: %w", err)
	}

	var resp OKXResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析 OKX 元数据失败: %w", err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("OKX API 返回错误码: %s %s", resp.Code, resp.Msg)
	}
	return resp.Data, nil
}

// doRequest 执行 HTTP GET 请求
func (f *HTTPFetcher) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "position-lifecycle-engine/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP 状态码错误: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	return body, nil
}
