// Package jsonl 实现异步 JSONL 追加写入，用于成交通知文件。
// 投递与文件 I/O 解耦：Write 只入队，编码与写盘在后台 goroutine 完成。
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/core/model"
)

// ErrClosed 写入器已关闭
var ErrClosed = errors.New("jsonl writer 已关闭")

// ErrQueueFull 写入队列已满，记录被丢弃
var ErrQueueFull = errors.New("jsonl 写入队列已满")

type opKind int

const (
	opWrite opKind = iota
	opFlush
	opClose
)

type request struct {
	kind opKind
	val  any
	done chan error
}

// Writer 异步 JSONL 写入器
type Writer struct {
	// path 输出文件路径
	path string
	// logger 日志记录器
	logger *zap.Logger
	// queue 写入队列
	queue chan request

	// sendMu 保证关闭后不再向 queue 发送
	sendMu  sync.RWMutex
	closed  bool
	dropped atomic.Int64
	written atomic.Int64

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewWriter 创建写入器，文件以追加模式打开
// 参数 path: 输出文件路径，目录不存在时自动创建
// 参数 bufferSize: 队列容量，非正数时取 256
// 参数 logger: 日志记录器
func NewWriter(path string, bufferSize int, logger *zap.Logger) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	w := &Writer{
		path:   path,
		logger: logger.Named("jsonl"),
		queue:  make(chan request, bufferSize),
	}
	w.wg.Add(1)
	go w.loop(f)
	return w, nil
}

// Write 投递一条记录；队列满时丢弃并返回 ErrQueueFull
func (w *Writer) Write(v any) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- request{kind: opWrite, val: v}:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// Flush 等待队列中已有记录写盘
func (w *Writer) Flush() error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	done := make(chan error, 1)
	w.queue <- request{kind: opFlush, done: done}
	return <-done
}

// Close 写完剩余记录后关闭文件，可重复调用
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.sendMu.Lock()
		w.closed = true
		done := make(chan error, 1)
		w.queue <- request{kind: opClose, done: done}
		w.closeErr = <-done
		close(w.queue)
		w.sendMu.Unlock()
	})
	w.wg.Wait()
	return w.closeErr
}

// Dropped 因队列满被丢弃的记录数
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Written 已写入的记录数
func (w *Writer) Written() int64 { return w.written.Load() }

func (w *Writer) loop(f *os.File) {
	defer w.wg.Done()
	defer f.Close()

	bw := bufio.NewWriterSize(f, 64<<10)
	for req := range w.queue {
		switch req.kind {
		case opWrite:
			b, err := json.Marshal(req.val)
			if err != nil {
				w.logger.Warn("编码记录失败", zap.Error(err))
				continue
			}
			b = append(b, '\n')
			if _, err := bw.Write(b); err != nil {
				w.logger.Warn("写入记录失败", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.written.Add(1)
		case opFlush:
			req.done <- bw.Flush()
		case opClose:
			req.done <- bw.Flush()
			return
		}
	}
}

// NotificationSink 成交通知输出
// 实现 reconcile.Notifier，每条成交日志写一行 JSON 并立即落盘
type NotificationSink struct {
	w      *Writer
	logger *zap.Logger
}

// NewNotificationSink 在 dir 下创建 order_notifications.jsonl
func NewNotificationSink(dir string, bufferSize int, logger *zap.Logger) (*NotificationSink, error) {
	w, err := NewWriter(filepath.Join(dir, "order_notifications.jsonl"), bufferSize, logger)
	if err != nil {
		return nil, err
	}
	return &NotificationSink{w: w, logger: logger.Named("notify")}, nil
}

// Notify 实现 reconcile.Notifier
// 写入失败只记录告警，不影响交易流程
func (s *NotificationSink) Notify(e model.TradeLogEntry) {
	if err := s.w.Write(e); err != nil {
		s.logger.Warn("成交通知写入失败",
			zap.String("symbol", e.Symbol),
			zap.String("operation", string(e.Operation)),
			zap.Error(err))
		return
	}
	if err := s.w.Flush(); err != nil {
		s.logger.Warn("成交通知落盘失败", zap.Error(err))
	}
}

// Close 关闭通知文件
func (s *NotificationSink) Close() error {
	return s.w.Close()
}
