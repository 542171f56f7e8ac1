// Package store 实现持仓存储、成交日志与元数据的持久化。
// 后端为 WAL 模式的 SQLite，单连接串行访问，进程重启后数据保留。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrCorruptRecord 存储记录无法解析
// 只在存储内部使用：读到坏记录时按"无持仓"处理并记录告警
var ErrCorruptRecord = errors.New("存储记录损坏")

// DB SQLite 数据库句柄
type DB struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并建表
// 参数 path: 数据库文件路径
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 sqlite 失败: %w", err)
	}
	// 单连接：写事务天然串行，PRAGMA 对唯一连接生效
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置 pragma %s 失败: %w", pragma, err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("建表失败: %w", err)
		}
	}

	return &DB{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS trade_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		operation TEXT NOT NULL,
		direction TEXT NOT NULL,
		price REAL NOT NULL,
		size INTEGER NOT NULL,
		confidence REAL NOT NULL,
		pnl REAL,
		order_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_trade_log_symbol ON trade_log(symbol, seq);`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
}

// Close 关闭数据库
func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertMetadata 写入键值
func (d *DB) UpsertMetadata(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入元数据 %s 失败: %w", key, err)
	}
	return nil
}

// GetMetadata 读取键值，不存在时返回空字符串
func (d *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("读取元数据 %s 失败: %w", key, err)
	}
	return value, nil
}
