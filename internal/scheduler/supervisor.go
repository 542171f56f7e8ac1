// Package scheduler 按配置间隔驱动下单周期与持仓监控周期。
// 两个周期各自独立运行；任一周期连续失败达到上限时停止全部周期。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-lifecycle-engine/internal/config"
	"position-lifecycle-engine/internal/core/reconcile"
)

// ErrTooManyFailures 连续失败周期达到上限
var ErrTooManyFailures = errors.New("连续失败周期达到上限")

// Cycles 被调度的两个周期
// *reconcile.Engine 实现该接口
type Cycles interface {
	RunOrderExecutionCycle(ctx context.Context) reconcile.CycleReport
	RunPositionMonitorCycle(ctx context.Context) reconcile.CycleReport
}

// driver 单个周期的调度状态
type driver struct {
	name     string
	run      func(ctx context.Context) reconcile.CycleReport
	interval func(config.SchedulerConfig) time.Duration
	// failures 连续失败次数
	failures int
}

// Supervisor 周期调度器
type Supervisor struct {
	// cfg 配置提供者（每次等待前读取间隔）
	cfg config.Provider
	// logger 日志记录器
	logger *zap.Logger
	// drivers 下单与监控两个周期
	drivers []*driver
	// after 计时函数（测试可替换）
	after func(time.Duration) <-chan time.Time
}

// New 创建调度器
// 参数 cfg: 配置提供者
// 参数 cycles: 周期实现
// 参数 logger: 日志记录器
func New(cfg config.Provider, cycles Cycles, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.Named("scheduler"),
		drivers: []*driver{
			{
				name:     reconcile.CycleOrder,
				run:      cycles.RunOrderExecutionCycle,
				interval: func(c config.SchedulerConfig) time.Duration { return time.Duration(c.OrderIntervalMs) * time.Millisecond },
			},
			{
				name:     reconcile.CycleMonitor,
				run:      cycles.RunPositionMonitorCycle,
				interval: func(c config.SchedulerConfig) time.Duration { return time.Duration(c.MonitorIntervalMs) * time.Millisecond },
			},
		},
		after: time.After,
	}
}

// Run 启动两个周期，首轮立即执行
// ctx 取消时返回 nil；任一周期连续失败达到上限时返回 ErrTooManyFailures
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, d := range s.drivers {
		wg.Add(1)
		go func(d *driver) {
			defer wg.Done()
			if err := s.loop(ctx, d); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(d)
	}
	wg.Wait()
	return firstErr
}

// loop 单个周期的执行循环
func (s *Supervisor) loop(ctx context.Context, d *driver) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		rep := d.run(ctx)
		if err := s.settle(d, rep); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(d.interval(s.cfg.Current().Scheduler)):
		}
	}
}

// settle 更新连续失败计数，达到上限时返回错误
func (s *Supervisor) settle(d *driver, rep reconcile.CycleReport) error {
	if !rep.Failed() {
		if d.failures > 0 {
			s.logger.Info("周期恢复", zap.String("cycle", d.name), zap.Int("previous_failures", d.failures))
		}
		d.failures = 0
		return nil
	}

	d.failures++
	limit := s.cfg.Current().Scheduler.MaxConsecutiveFailures
	s.logger.Warn("周期失败",
		zap.String("cycle", d.name),
		zap.Int("consecutive", d.failures),
		zap.Int("limit", limit),
		zap.Error(rep.Err))
	if limit > 0 && d.failures >= limit {
		s.logger.Error("连续失败达到上限，停止调度", zap.String("cycle", d.name), zap.Int("consecutive", d.failures))
		return fmt.Errorf("%s 周期连续失败 %d 次: %w", d.name, d.failures, ErrTooManyFailures)
	}
	return nil
}
