// Package pnl 统计已实现盈亏的滚动窗口指标。
// Expectancy = p × R - (1 - p) × L
// p_required = L / (R + L)
package pnl

import "sync"

type sample struct {
	win   bool
	pnl   float64
	ratio float64
}

// Stats 滚动窗口统计
type Stats struct {
	// Count 样本数
	Count int64
	// WinCount 盈利笔数（pnl>0）
	WinCount int64
	// LossCount 亏损笔数（pnl<=0）
	LossCount int64

	// WinRate 胜率 p
	WinRate float64
	// AvgProfit 平均盈利 R（USDT）
	AvgProfit float64
	// AvgLoss 平均亏损 L（USDT，绝对值）
	AvgLoss float64
	// AvgRatio 平均盈亏比例
	AvgRatio float64
	// Total 窗口内盈亏合计
	Total float64

	// Expectancy 单笔期望（USDT）
	Expectancy float64
	// PRequired 盈亏平衡胜率
	PRequired float64
}

// Calculator 已实现盈亏统计（环形缓冲，并发安全）
type Calculator struct {
	mu         sync.Mutex
	windowSize int
	buf        []sample
	pos        int
	full       bool

	count     int64
	winCount  int64
	lossCount int64
	sumWin    float64
	sumLoss   float64
	sumRatio  float64
}

// NewCalculator 创建统计器
// 参数 windowSize: 滚动窗口大小，非正数时取 200
func NewCalculator(windowSize int) *Calculator {
	if windowSize <= 0 {
		windowSize = 200
	}
	return &Calculator{
		windowSize: windowSize,
		buf:        make([]sample, windowSize),
	}
}

// Add 记录一笔平仓或减仓的已实现盈亏
func (c *Calculator) Add(pnl, ratio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := sample{win: pnl > 0, pnl: pnl, ratio: ratio}

	// 窗口已满时先剔除最旧样本
	if c.full {
		c.remove(c.buf[c.pos])
	}

	c.buf[c.pos] = s
	c.pos++
	if c.pos >= c.windowSize {
		c.pos = 0
		c.full = true
	}

	c.count++
	if s.win {
		c.winCount++
		c.sumWin += s.pnl
	} else {
		c.lossCount++
		c.sumLoss += -s.pnl
	}
	c.sumRatio += s.ratio
}

func (c *Calculator) remove(old sample) {
	c.count--
	if old.win {
		c.winCount--
		c.sumWin -= old.pnl
	} else {
		c.lossCount--
		c.sumLoss -= -old.pnl
	}
	c.sumRatio -= old.ratio
}

// Stats 返回当前统计快照
func (c *Calculator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{
		Count:     c.count,
		WinCount:  c.winCount,
		LossCount: c.lossCount,
		Total:     c.sumWin - c.sumLoss,
	}
	if c.count <= 0 {
		return out
	}

	out.WinRate = float64(c.winCount) / float64(c.count)
	out.AvgRatio = c.sumRatio / float64(c.count)
	if c.winCount > 0 {
		out.AvgProfit = c.sumWin / float64(c.winCount)
	}
	if c.lossCount > 0 {
		out.AvgLoss = c.sumLoss / float64(c.lossCount)
	}

	p, R, L := out.WinRate, out.AvgProfit, out.AvgLoss
	out.Expectancy = p*R - (1-p)*L
	if den := R + L; den > 0 {
		out.PRequired = L / den
	} else {
		out.PRequired = 1
	}
	return out
}
