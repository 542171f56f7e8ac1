package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/core/model"
	"position-lifecycle-engine/internal/util/keymu"
)

// MutateFunc 持仓读改写函数
// cur 为当前最新记录的副本（无持仓时为 nil）；
// 返回 nil 或 Size <= 0 的持仓表示删除记录，返回错误则放弃本次修改。
// fn 在事务内执行，不得再访问存储。
type MutateFunc func(cur *model.Position) (*model.Position, error)

// PositionStore 持仓存储
// 按 Symbol 互斥的原子读改写；List 结果可短暂缓存，Upsert 始终读取最新提交的记录
type PositionStore struct {
	// db 数据库句柄
	db *DB
	// locks 按 Symbol 的互斥锁
	locks *keymu.Map
	// cacheTTL 列表缓存有效期
	cacheTTL time.Duration
	// logger 日志记录器
	logger *zap.Logger
	// now 时间函数（测试可替换）
	now func() time.Time

	cacheMu     sync.Mutex
	cache       []*model.Position
	cacheExpiry time.Time
	// cacheGen 每次写入递增；查询期间发生过写入的结果不进缓存
	cacheGen uint64
}

// NewPositionStore 创建持仓存储
// 参数 db: 数据库句柄
// 参数 cacheTTL: List 缓存有效期，0 表示不缓存
// 参数 logger: 日志记录器
func NewPositionStore(db *DB, cacheTTL time.Duration, logger *zap.Logger) *PositionStore {
	return &PositionStore{
		db:       db,
		locks:    keymu.New(),
		cacheTTL: cacheTTL,
		logger:   logger.Named("positions"),
		now:      time.Now,
	}
}

// Get 读取持仓，无持仓或记录损坏时返回 nil
func (s *PositionStore) Get(ctx context.Context, symbol string) (*model.Position, error) {
	var payload string
	err := s.db.db.QueryRowContext(ctx, "SELECT payload FROM positions WHERE symbol = ?", symbol).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取持仓 %s 失败: %w", symbol, err)
	}

	p, err := decodePosition(symbol, payload)
	if err != nil {
		s.repair(ctx, symbol, payload, err)
		return nil, nil
	}
	return p, nil
}

// Upsert 原子读改写
// 参数 fn: 修改函数，在 Symbol 锁与数据库事务内执行
// 返回: 写入后的持仓（已删除时为 nil）
func (s *PositionStore) Upsert(ctx context.Context, symbol string, fn MutateFunc) (*model.Position, error) {
	unlock := s.locks.Lock(symbol)
	defer unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	var cur *model.Position
	var payload string
	err = tx.QueryRowContext(ctx, "SELECT payload FROM positions WHERE symbol = ?", symbol).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("读取持仓 %s 失败: %w", symbol, err)
	default:
		cur, err = decodePosition(symbol, payload)
		if err != nil {
			s.logger.Warn("持仓记录损坏，按无持仓处理", zap.String("symbol", symbol), zap.Error(err))
			cur = nil
		}
	}

	next, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}

	if next == nil || next.Size <= 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ?", symbol); err != nil {
			return nil, fmt.Errorf("删除持仓 %s 失败: %w", symbol, err)
		}
		next = nil
	} else {
		next.Symbol = symbol
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("序列化持仓 %s 失败: %w", symbol, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO positions (symbol, payload, updated_at) VALUES (?, ?, ?) ON CONFLICT(symbol) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at",
			symbol, string(data), s.now().UnixMilli(),
		)
		if err != nil {
			return nil, fmt.Errorf("写入持仓 %s 失败: %w", symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交持仓 %s 失败: %w", symbol, err)
	}
	s.invalidate()
	return next.Clone(), nil
}

// Delete 删除持仓
func (s *PositionStore) Delete(ctx context.Context, symbol string) error {
	_, err := s.Upsert(ctx, symbol, func(*model.Position) (*model.Position, error) { return nil, nil })
	return err
}

// List 返回全部持仓（按 Symbol 排序），可能来自短期缓存
func (s *PositionStore) List(ctx context.Context) ([]*model.Position, error) {
	s.cacheMu.Lock()
	if s.cache != nil && s.now().Before(s.cacheExpiry) {
		out := clonePositions(s.cache)
		s.cacheMu.Unlock()
		return out, nil
	}
	gen := s.cacheGen
	s.cacheMu.Unlock()

	out, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	s.storeCache(gen, out)
	return out, nil
}

// loadAll 从数据库读取全部持仓，顺带清除损坏记录
func (s *PositionStore) loadAll(ctx context.Context) ([]*model.Position, error) {
	rows, err := s.db.db.QueryContext(ctx, "SELECT symbol, payload FROM positions ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("查询持仓列表失败: %w", err)
	}

	var out []*model.Position
	corrupt := make(map[string]string)
	for rows.Next() {
		var symbol, payload string
		if err := rows.Scan(&symbol, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("读取持仓行失败: %w", err)
		}
		p, err := decodePosition(symbol, payload)
		if err != nil {
			corrupt[symbol] = payload
			continue
		}
		out = append(out, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("遍历持仓失败: %w", err)
	}

	// 单连接下必须先关闭 rows 才能执行修复
	for symbol, payload := range corrupt {
		s.repair(ctx, symbol, payload, ErrCorruptRecord)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// storeCache 写入列表缓存
// 参数 gen: 查询开始前的缓存代数，与当前不一致时丢弃结果
func (s *PositionStore) storeCache(gen uint64, out []*model.Position) {
	if s.cacheTTL <= 0 {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if gen != s.cacheGen {
		return
	}
	s.cache = clonePositions(out)
	s.cacheExpiry = s.now().Add(s.cacheTTL)
}

// repair 删除无法解析的记录
// 仅当记录仍是读到的那份坏数据时才删除，避免误删并发写入的新记录
func (s *PositionStore) repair(ctx context.Context, symbol, payload string, cause error) {
	s.logger.Warn("持仓记录损坏，已按无持仓处理并清除", zap.String("symbol", symbol), zap.Error(cause))

	unlock := s.locks.Lock(symbol)
	defer unlock()
	if _, err := s.db.db.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ? AND payload = ?", symbol, payload); err != nil {
		s.logger.Warn("清除损坏持仓记录失败", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	s.invalidate()
}

// invalidate 清空列表缓存
func (s *PositionStore) invalidate() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheGen++
	s.cacheMu.Unlock()
}

// decodePosition 解析并校验持仓记录
func decodePosition(symbol, payload string) (*model.Position, error) {
	var p model.Position
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if p.Symbol != symbol || !p.Side.Valid() || p.Size <= 0 || p.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: 字段不合法 %+v", ErrCorruptRecord, p)
	}
	return &p, nil
}

func clonePositions(in []*model.Position) []*model.Position {
	out := make([]*model.Position, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
