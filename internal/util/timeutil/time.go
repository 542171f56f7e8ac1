// Package timeutil 提供单调时间戳工具，用于行情新鲜度与心跳计时。
package timeutil

import (
	"time"
)

var (
	// baseTime 进程启动时间（包含单调时钟读数）
	baseTime = time.Now()
	// baseUnixNs 启动时间对应的 Unix 纳秒
	baseUnixNs = baseTime.UnixNano()
)

// NowNano 当前 Unix 纳秒时间戳
// 基于单调时钟推算，系统时间跳变不影响时间差
func NowNano() int64 {
	return baseUnixNs + time.Since(baseTime).Nanoseconds()
}

// AgeMs 距 ns 时间点经过的毫秒数；ns 为 0 时返回 -1
func AgeMs(ns int64) int64 {
	if ns <= 0 {
		return -1
	}
	return (NowNano() - ns) / int64(time.Millisecond)
}

// Fresh 判断 ns 时间点是否在 maxAge 之内
func Fresh(ns int64, maxAge time.Duration) bool {
	return ns > 0 && NowNano()-ns <= int64(maxAge)
}
