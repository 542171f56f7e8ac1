package config

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider 配置提供者
// 各组件持有 Provider 引用，每个周期通过 Current 读取最新配置
type Provider interface {
	// Current 返回当前生效的配置（只读，调用方不得修改）
	Current() *Config
	// Refresh 立即重新加载配置
	Refresh() error
	// LastFetch 最近一次成功加载的时间
	LastFetch() time.Time
}

// FileProvider 基于 YAML 文件的配置提供者
// 缓存超过 app.config_refresh_ms 后，下一次 Current 会重新读取文件；
// 新配置无效时保留旧配置并记录告警。
type FileProvider struct {
	// path 配置文件路径
	path string
	// logger 日志记录器
	logger *zap.Logger
	// now 时间函数（测试可替换）
	now func() time.Time

	mu        sync.RWMutex
	cfg       *Config
	lastFetch time.Time
}

// NewFileProvider 创建文件配置提供者并完成首次加载
// 参数 path: 配置文件路径
// 参数 logger: 日志记录器
// 返回: 首次加载失败时返回错误
func NewFileProvider(path string, logger *zap.Logger) (*FileProvider, error) {
	p := &FileProvider{
		path:   path,
		logger: logger.Named("config"),
		now:    time.Now,
	}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current 返回当前配置，缓存过期时尝试刷新
func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	cfg := p.cfg
	stale := p.now().Sub(p.lastFetch) >= time.Duration(cfg.App.ConfigRefreshMs)*time.Millisecond
	p.mu.RUnlock()

	if stale {
		if err := p.Refresh(); err != nil {
			p.logger.Warn("配置刷新失败，继续使用旧配置", zap.Error(err))
			// 避免每次调用都重读坏文件
			p.mu.Lock()
			p.lastFetch = p.now()
			p.mu.Unlock()
		}
		p.mu.RLock()
		cfg = p.cfg
		p.mu.RUnlock()
	}
	return cfg
}

// Refresh 重新读取并验证配置文件
func (p *FileProvider) Refresh() error {
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.lastFetch = p.now()
	p.mu.Unlock()
	return nil
}

// LastFetch 最近一次加载时间
func (p *FileProvider) LastFetch() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastFetch
}

// StaticProvider 固定配置提供者
type StaticProvider struct {
	cfg     *Config
	fetched time.Time
}

// NewStaticProvider 用给定配置创建提供者
func NewStaticProvider(cfg *Config) *StaticProvider {
	return &StaticProvider{cfg: cfg, fetched: time.Now()}
}

// Current 返回固定配置
func (p *StaticProvider) Current() *Config { return p.cfg }

// Refresh 无操作
func (p *StaticProvider) Refresh() error {
	p.fetched = time.Now()
	return nil
}

// LastFetch 创建或最近一次 Refresh 的时间
func (p *StaticProvider) LastFetch() time.Time { return p.fetched }
