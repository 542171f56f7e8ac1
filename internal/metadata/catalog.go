package metadata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/selection"
)

// Catalog OKX USDT 正向永续合约目录
// 按 ttl 懒刷新；刷新失败时沿用上一次的结果
type Catalog struct {
	// fetcher 元数据获取器
	fetcher Fetcher
	// ttl 目录有效期
	ttl time.Duration
	// logger 日志记录器
	logger *zap.Logger
	// now 时间函数（测试可替换）
	now func() time.Time

	mu sync.RWMutex
	// byCanon key 为标准化交易对（如 BTCUSDT）
	byCanon     map[string]OKXInstrument
	refreshedAt time.Time
}

// NewCatalog 创建合约目录
// 参数 fetcher: 元数据获取器
// 参数 ttl: 目录有效期，非正数时取 1 小时
// 参数 logger: 日志记录器
func NewCatalog(fetcher Fetcher, ttl time.Duration, logger *zap.Logger) *Catalog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Catalog{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger.Named("metadata"),
		now:     time.Now,
	}
}

// Refresh 重新获取合约列表
// 只索引 USDT 正向永续；非 live 状态的合约也保留，由调用方判断是否可交易
func (c *Catalog) Refresh(ctx context.Context) error {
	insts, err := c.fetcher.FetchOKX(ctx)
	if err != nil {
		return err
	}

	index := make(map[string]OKXInstrument, len(insts))
	live := 0
	for i := range insts {
		inst := insts[i]
		if !inst.IsUSDTLinearSwap() {
			continue
		}
		index[normalizeSymbol(inst.InstId)] = inst
		if inst.Tradable() {
			live++
		}
	}
	if len(index) == 0 {
		return fmt.Errorf("OKX 元数据中没有 USDT 正向永续合约")
	}

	c.mu.Lock()
	c.byCanon = index
	c.refreshedAt = c.now()
	c.mu.Unlock()

	c.logger.Info("合约目录已刷新", zap.Int("usdt_swaps", len(index)), zap.Int("live", live))
	return nil
}

// ensureFresh 目录过期时刷新
// 刷新失败且已有旧目录时只告警；从未成功加载时返回错误
func (c *Catalog) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.byCanon != nil
	stale := !loaded || c.now().Sub(c.refreshedAt) >= c.ttl
	c.mu.RUnlock()
	if !stale {
		return nil
	}

	err := c.Refresh(ctx)
	if err == nil {
		return nil
	}
	if loaded {
		c.logger.Warn("刷新合约目录失败，沿用旧目录", zap.Error(err))
		return nil
	}
	return fmt.Errorf("加载合约目录失败: %w", err)
}

// Resolve 按任意写法查找合约
// 返回: 合约信息；目录中不存在时 ok=false
func (c *Catalog) Resolve(symbol string) (OKXInstrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byCanon[normalizeSymbol(symbol)]
	return inst, ok
}

// Size 目录中的合约数
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byCanon)
}

// normalizeSymbol 标准化交易对格式
// 移除分隔符与 SWAP 后缀，转为大写
// 例如: BTC-USDT-SWAP -> BTCUSDT, btc_usdt -> BTCUSDT
func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "/", "")
	return strings.TrimSuffix(s, "SWAP")
}

// FilteredSource 按合约目录过滤信号的信号源
// 信号中的交易对改写为 instId；黑名单、不在目录或非 live 的合约被丢弃
type FilteredSource struct {
	inner   selection.Source
	catalog *Catalog
	// blocked 标准化后的黑名单
	blocked map[string]bool
	logger  *zap.Logger
}

// NewFilteredSource 包装信号源
// 参数 blocked: 禁止交易的合约，任意写法
func NewFilteredSource(inner selection.Source, catalog *Catalog, blocked []string, logger *zap.Logger) *FilteredSource {
	set := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		set[normalizeSymbol(b)] = true
	}
	return &FilteredSource{
		inner:   inner,
		catalog: catalog,
		blocked: set,
		logger:  logger.Named("instrument_filter"),
	}
}

// Latest 实现 selection.Source
// 目录从未加载成功时原样返回批次
func (s *FilteredSource) Latest(ctx context.Context) (selection.Batch, error) {
	batch, err := s.inner.Latest(ctx)
	if err != nil {
		return batch, err
	}
	if err := s.catalog.ensureFresh(ctx); err != nil {
		s.logger.Warn("合约目录不可用，只按黑名单过滤", zap.Error(err))
		batch.Signals = s.dropBlocked(batch.Signals)
		return batch, nil
	}

	// 输入已按 Rank 排序，同一合约的不同写法保留排名最前的一条
	seen := make(map[string]bool, len(batch.Signals))
	out := make([]model.Signal, 0, len(batch.Signals))
	for _, sig := range s.dropBlocked(batch.Signals) {
		inst, ok := s.catalog.Resolve(sig.Symbol)
		if !ok {
			s.logger.Warn("跳过未知合约", zap.String("symbol", sig.Symbol))
			continue
		}
		if !inst.Tradable() {
			s.logger.Warn("跳过不可交易合约", zap.String("symbol", sig.Symbol), zap.String("state", inst.State))
			continue
		}
		if seen[inst.InstId] {
			continue
		}
		seen[inst.InstId] = true
		sig.Symbol = inst.InstId
		out = append(out, sig)
	}
	batch.Signals = out
	return batch, nil
}

// dropBlocked 移除黑名单中的信号
func (s *FilteredSource) dropBlocked(in []model.Signal) []model.Signal {
	if len(s.blocked) == 0 {
		return in
	}
	out := make([]model.Signal, 0, len(in))
	for _, sig := range in {
		if s.blocked[normalizeSymbol(sig.Symbol)] {
			s.logger.Info("跳过黑名单合约", zap.String("symbol", sig.Symbol))
			continue
		}
		out = append(out, sig)
	}
	return out
}
