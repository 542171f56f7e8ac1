package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"position-lifecycle-engine/internal/core/model"
)

// TradeLog 只追加的成交日志
// 不提供修改或删除接口
type TradeLog struct {
	db *DB
}

// NewTradeLog 创建成交日志
func NewTradeLog(db *DB) *TradeLog {
	return &TradeLog{db: db}
}

// Append 追加一条日志
// ID 或 Timestamp 为空时自动填充；返回写入后的日志
func (l *TradeLog) Append(ctx context.Context, e model.TradeLogEntry) (model.TradeLogEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var pnl sql.NullFloat64
	if e.RealizedPnL != nil {
		pnl = sql.NullFloat64{Float64: *e.RealizedPnL, Valid: true}
	}

	_, err := l.db.db.ExecContext(ctx,
		`INSERT INTO trade_log (id, symbol, operation, direction, price, size, confidence, pnl, order_id, reason, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Symbol, string(e.Operation), string(e.Side), e.Price, e.Size, e.Confidence, pnl, e.OrderID, e.Reason, e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return e, fmt.Errorf("写入成交日志失败: %w", err)
	}
	return e, nil
}

// List 按写入顺序返回日志
// 参数 symbol: 为空时返回全部
// 参数 limit: <= 0 时不限制，否则返回最近 limit 条
func (l *TradeLog) List(ctx context.Context, symbol string, limit int) ([]model.TradeLogEntry, error) {
	query := "SELECT id, symbol, operation, direction, price, size, confidence, pnl, order_id, reason, ts FROM trade_log"
	var args []any
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询成交日志失败: %w", err)
	}
	defer rows.Close()

	var out []model.TradeLogEntry
	for rows.Next() {
		var e model.TradeLogEntry
		var op, side string
		var pnl sql.NullFloat64
		var ts int64
		if err := rows.Scan(&e.ID, &e.Symbol, &op, &side, &e.Price, &e.Size, &e.Confidence, &pnl, &e.OrderID, &e.Reason, &ts); err != nil {
			return nil, fmt.Errorf("读取成交日志失败: %w", err)
		}
		e.Operation = model.Operation(op)
		e.Side = model.Side(side)
		if pnl.Valid {
			v := pnl.Float64
			e.RealizedPnL = &v
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历成交日志失败: %w", err)
	}

	// 反转为写入顺序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
