package cache

import (
	"fmt"

	"go.uber.org/atomic"
)

// Statistics 是 Engine 对外暴露的只读统计快照。
type Statistics struct {
	HitRate             float64 `json:"hit_rate"`
	TotalRequests       int64   `json:"total_requests"`
	CurrentSizeEstimate int64   `json:"current_size_estimate"`
	FormattedSize       string  `json:"formatted_size"`
	PreloadRequestCount int64   `json:"preload_request_count"`
	UnderPressure       bool    `json:"under_pressure"`
	State               string  `json:"state"`
}

// statsCollector 聚合命中/未命中/预载计数，供内存层与 Engine 共用。
type statsCollector struct {
	hits     atomic.Int64
	misses   atomic.Int64
	preloads atomic.Int64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (sc *statsCollector) IncHit()     { sc.hits.Inc() }
func (sc *statsCollector) IncMiss()    { sc.misses.Inc() }
func (sc *statsCollector) IncPreload() { sc.preloads.Inc() }

// Reset 清零所有计数，仅由 clear 流程调用。
func (sc *statsCollector) Reset() {
	sc.hits.Store(0)
	sc.misses.Store(0)
	sc.preloads.Store(0)
}

// Totals 返回 (命中, 未命中, 预载) 计数。
func (sc *statsCollector) Totals() (hits, misses, preloads int64) {
	return sc.hits.Load(), sc.misses.Load(), sc.preloads.Load()
}

// HitRate 返回 [0,1] 的命中率，无请求时为 0。
func (sc *statsCollector) HitRate() float64 {
	hits := sc.hits.Load()
	total := hits + sc.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// formatBytes 输出人类可读的大小，供统计展示。
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
