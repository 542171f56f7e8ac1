// Package selection 读取上游选币结果。
// 选币本身（指标计算、排序）不在引擎内，这里只负责把结果文件解析为一批信号。
package selection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/core/model"
)

// ErrUnavailable 信号源暂时不可读
var ErrUnavailable = errors.New("信号源不可用")

// Batch 一批选币信号
type Batch struct {
	// ID 批次标识，内容不变时相同
	ID string
	// LoadedAt 读取时间
	LoadedAt time.Time
	// Signals 按 Rank 升序排列，同一 Symbol 只保留排名最前的一条
	Signals []model.Signal
}

// Lookup 查找某合约的信号，不在名单中返回 nil
func (b Batch) Lookup(symbol string) *model.Signal {
	for i := range b.Signals {
		if b.Signals[i].Symbol == symbol {
			s := b.Signals[i]
			return &s
		}
	}
	return nil
}

// Source 信号源
type Source interface {
	// Latest 返回最新一批信号
	Latest(ctx context.Context) (Batch, error)
}

// FileSource 基于 JSON 文件的信号源
// 文件内容为信号数组，或以合约为键的对象
type FileSource struct {
	// path 文件路径
	path string
	// logger 日志记录器
	logger *zap.Logger
	// now 时间函数（测试可替换）
	now func() time.Time
}

// NewFileSource 创建文件信号源
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{
		path:   path,
		logger: logger.Named("selection"),
		now:    time.Now,
	}
}

// rawSignal 文件中的单条记录
// confidence 兼容数字与字符串
type rawSignal struct {
	Symbol     string          `json:"symbol"`
	Direction  string          `json:"direction"`
	Confidence json.RawMessage `json:"confidence"`
	Operation  string          `json:"operation"`
	Rank       int             `json:"rank"`
}

// Latest 读取并解析结果文件
// 文件不存在或整体无法解析时返回 ErrUnavailable；单条无效记录跳过并告警
func (f *FileSource) Latest(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Batch{}, fmt.Errorf("读取选币结果 %s 失败: %w: %v", f.path, ErrUnavailable, err)
	}

	raws, err := decodeEntries(data)
	if err != nil {
		return Batch{}, fmt.Errorf("解析选币结果失败: %w: %v", ErrUnavailable, err)
	}

	sum := sha256.Sum256(data)
	batch := Batch{
		ID:       hex.EncodeToString(sum[:8]),
		LoadedAt: f.now(),
	}

	seen := make(map[string]bool, len(raws))
	for i, r := range raws {
		sig, err := r.toSignal()
		if err != nil {
			f.logger.Warn("跳过无效信号", zap.Int("index", i), zap.String("symbol", r.Symbol), zap.Error(err))
			continue
		}
		if sig.Rank == 0 {
			sig.Rank = i + 1
		}
		batch.Signals = append(batch.Signals, sig)
	}

	sort.SliceStable(batch.Signals, func(i, j int) bool {
		return batch.Signals[i].Rank < batch.Signals[j].Rank
	})
	out := batch.Signals[:0]
	for _, s := range batch.Signals {
		if seen[s.Symbol] {
			continue
		}
		seen[s.Symbol] = true
		out = append(out, s)
	}
	batch.Signals = out

	return batch, nil
}

// decodeEntries 兼容数组与对象两种格式
func decodeEntries(data []byte) ([]rawSignal, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []rawSignal
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var byKey map[string]rawSignal
	if err := json.Unmarshal(data, &byKey); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]rawSignal, 0, len(keys))
	for _, k := range keys {
		r := byKey[k]
		if r.Symbol == "" {
			r.Symbol = k
		}
		list = append(list, r)
	}
	return list, nil
}

// toSignal 校验并转换单条记录
func (r rawSignal) toSignal() (model.Signal, error) {
	if r.Symbol == "" {
		return model.Signal{}, errors.New("缺少 symbol")
	}
	side, err := model.ParseSide(r.Direction)
	if err != nil {
		return model.Signal{}, err
	}
	conf, err := parseConfidence(r.Confidence)
	if err != nil {
		return model.Signal{}, err
	}
	op := model.Operation(strings.ToLower(r.Operation))
	if op != "" && !op.Valid() {
		op = ""
	}
	return model.Signal{
		Symbol:     r.Symbol,
		Side:       side,
		Confidence: conf,
		Operation:  op,
		Rank:       r.Rank,
	}, nil
}

// parseConfidence 解析置信度（数字或数字字符串）
// 超出 0-100 的值截断到边界
func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errors.New("缺少 confidence")
	}
	s := strings.Trim(string(raw), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("confidence %s 无法解析: %w", raw, err)
	}
	if math.IsNaN(v) {
		return 0, fmt.Errorf("confidence %s 不是数字", raw)
	}
	return math.Max(0, math.Min(100, v)), nil
}

// StaticSource 固定批次信号源（测试与回放使用）
type StaticSource struct {
	// Batch 返回的批次
	Batch Batch
	// Err 返回的错误
	Err error
}

// Latest 实现 Source
func (s *StaticSource) Latest(context.Context) (Batch, error) {
	return s.Batch, s.Err
}
