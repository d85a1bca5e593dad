package cache

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/paperdrift/paperdrift/internal/config"
	"github.com/paperdrift/paperdrift/internal/imaging"
	"github.com/paperdrift/paperdrift/internal/logging"
)

// batchAbortBytes 是批量预载的硬红线：超过即拒绝整批或放弃剩余条目。
const batchAbortBytes = int64(150 * 1024 * 1024)

// Engine 是缓存引擎门面，组合内存层、磁盘层、元数据、压力监视与统计。
// 所有可变状态都由各组件自持锁保护；解码/编码/磁盘 IO 均在锁外进行。
type Engine struct {
	memory  *MemoryTier
	disk    *DiskStore
	monitor *Monitor
	stats   *statsCollector
	logger  *logrus.Logger
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   config.CacheConfig

	stopChan  chan struct{}
	closeOnce sync.Once

	timerMu       sync.Mutex
	recoveryTimer *time.Timer
}

// EngineOptions 允许注入内存采样器与时钟；零值取默认实现。
type EngineOptions struct {
	MemoryReader MemoryReader
	Clock        func() time.Time
	Monitor      MonitorOptions
}

// NewEngine 构建并启动缓存引擎。磁盘目录不可用时构建失败，
// 这是引擎唯一允许向上传播的错误。
func NewEngine(cfg config.CacheConfig, logger *logrus.Logger, opts EngineOptions) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MemoryReader == nil {
		reader, err := NewProcessMemoryReader()
		if err != nil {
			return nil, err
		}
		opts.MemoryReader = reader
	}
	if opts.Monitor.Clock == nil {
		opts.Monitor.Clock = opts.Clock
	}

	disk, err := NewDiskStore(cfg.CacheDir, logger, DiskStoreOptions{Clock: opts.Clock})
	if err != nil {
		return nil, err
	}

	budget := cfg.MemoryBudgetBytes()
	stats := newStatsCollector()
	meta := newMetadataStore(opts.Clock)
	monitor := NewMonitor(opts.MemoryReader, budget, opts.Monitor)
	memory := newMemoryTier(budget, meta, stats, logger, opts.Clock)

	e := &Engine{
		memory:   memory,
		disk:     disk,
		monitor:  monitor,
		stats:    stats,
		logger:   logger,
		cfg:      cfg,
		now:      opts.Clock,
		stopChan: make(chan struct{}),
	}

	memory.residentFn = monitor.Usage
	memory.putGate = monitor.UnderPressure
	memory.onOverPressure = e.AggressiveCleanup

	go e.runPeriodicTasks(cfg.OptimizeInterval.DurationValue(), cfg.StatsLogInterval.DurationValue())
	return e, nil
}

// Get 同步查询内存层，绝不触发加载。
func (e *Engine) Get(url string) image.Image {
	return e.memory.Get(MemoryKey(url))
}

// Preload 读通加载一张原图：内存命中直接返回，否则解码、按阈值等比缩小后
// 写入内存层。所有失败都表现为 nil 返回，读路径从不抛错。
func (e *Engine) Preload(ctx context.Context, url string) image.Image {
	e.stats.IncPreload()

	if img := e.memory.Get(MemoryKey(url)); img != nil {
		return img
	}
	if ctx.Err() != nil {
		return nil
	}

	img, err := imaging.Decode(url)
	if err != nil {
		e.logger.WithFields(logging.CacheFields("preload_decode_fail", url, false)).Debug(err.Error())
		return nil
	}

	img = imaging.Downsample(img, imaging.MaxPixels, imaging.MaxDimension)
	b := img.Bounds()
	priority := imaging.PriorityFor(filepath.Base(url), b.Dx(), b.Dy())
	e.memory.Put(MemoryKey(url), img, priority)
	return img
}

// PreloadBatch 串行预载一组壁纸。驻留内存超过红线时整批拒绝；
// 每加载一张后复查一次，超线则协作式放弃剩余条目（不打断进行中的解码）。
// 串行是有意的：壁纸轮换是慢速工作负载，内存安全优先于吞吐。
func (e *Engine) PreloadBatch(ctx context.Context, urls []string, priorityHint int) {
	batchID := uuid.NewString()
	fields := logrus.Fields{"action": "preload_batch", "batch_id": batchID, "count": len(urls)}

	if usage := e.monitor.Usage(); usage > batchAbortBytes {
		e.logger.WithFields(fields).WithField("usage_bytes", usage).Warn("驻留内存超过红线，整批拒绝")
		return
	}

	for i, url := range urls {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			if usage := e.monitor.Usage(); usage > batchAbortBytes {
				e.logger.WithFields(fields).WithFields(logrus.Fields{
					"usage_bytes": usage,
					"remaining":   len(urls) - i,
				}).Warn("中途超过内存红线，放弃剩余条目")
				return
			}
		}

		e.stats.IncPreload()
		if e.memory.Get(MemoryKey(url)) != nil {
			continue
		}
		img, err := imaging.Decode(url)
		if err != nil {
			continue
		}
		img = imaging.Downsample(img, imaging.MaxPixels, imaging.MaxDimension)
		b := img.Bounds()
		priority := imaging.PriorityFor(filepath.Base(url), b.Dx(), b.Dy()) + priorityHint
		e.memory.Put(MemoryKey(url), img, priority)
	}
}

// GetThumbnail 同步查询内存层中的默认尺寸缩略图。
func (e *Engine) GetThumbnail(url string) image.Image {
	return e.memory.Get(MemoryKeyWithDimension(url, ThumbnailDimension))
}

// LoadThumbnail 三级读通：内存 → 磁盘 → 现场生成并回写两层。
func (e *Engine) LoadThumbnail(ctx context.Context, url string, maxDim int) image.Image {
	if maxDim <= 0 {
		maxDim = ThumbnailDimension
	}
	key := MemoryKeyWithDimension(url, maxDim)

	if img := e.memory.Get(key); img != nil {
		return img
	}
	if ctx.Err() != nil {
		return nil
	}

	info, statErr := os.Stat(url)
	if statErr == nil {
		if img := e.disk.Get(url, info.ModTime()); img != nil {
			e.memory.PutThumbnail(key, img, 0)
			return img
		}
	}

	src, err := imaging.Decode(url)
	if err != nil {
		return nil
	}
	thumb := imaging.Thumbnail(src, maxDim)
	b := src.Bounds()
	priority := imaging.PriorityFor(filepath.Base(url), b.Dx(), b.Dy())
	e.memory.PutThumbnail(key, thumb, priority)
	if statErr == nil {
		e.disk.Put(thumb, url, info.ModTime())
	}
	return thumb
}

// CacheThumbnail 缓存一张外部生成的缩略图并回写磁盘层。
func (e *Engine) CacheThumbnail(img image.Image, url string, dim int) {
	if img == nil {
		return
	}
	if dim <= 0 {
		dim = ThumbnailDimension
	}
	e.memory.PutThumbnail(MemoryKeyWithDimension(url, dim), img, 0)
	if info, err := os.Stat(url); err == nil {
		e.disk.Put(img, url, info.ModTime())
	}
}

// PreloadThumbnails 为候选记录批量补齐磁盘缩略图，受固定并发窗口约束。
func (e *Engine) PreloadThumbnails(ctx context.Context, records []FileRecord) {
	e.cfgMu.RLock()
	workers := e.cfg.PreloadWorkers
	e.cfgMu.RUnlock()
	if workers <= 0 {
		workers = defaultPreloadWorkers
	}
	e.disk.PreloadBatch(ctx, records, workers, func(rec FileRecord) image.Image {
		src, err := imaging.Decode(rec.URL)
		if err != nil {
			return nil
		}
		return imaging.Thumbnail(src, ThumbnailDimension)
	})
}

// RemoveCachedImage 删除某个位置对应的全部内存条目（原图与各尺寸缩略图）。
func (e *Engine) RemoveCachedImage(url string) {
	prefix := url + "#"
	e.memory.RemoveMatching(func(key string) bool {
		return key == url || strings.HasPrefix(key, prefix)
	})
}

// ClearCache 清空内存层并无条件复位状态机与容量，磁盘条目交给清扫任务。
func (e *Engine) ClearCache() {
	e.cfgMu.RLock()
	budget := e.cfg.MemoryBudgetBytes()
	e.cfgMu.RUnlock()

	e.memory.Clear()
	e.memory.SetBudget(budget)
	e.monitor.Reset()
	e.cancelRecoveryTimer()
}

// Optimize 执行一次优化扫描：按当前压力档位淘汰最低分条目。
// 定期任务、退后台与压力事件都会走到这里。
func (e *Engine) Optimize() {
	usage, band := e.monitor.Sample()
	if band != BandNone {
		e.cfgMu.RLock()
		budget := e.cfg.MemoryBudgetBytes()
		e.cfgMu.RUnlock()
		e.logger.WithFields(logging.PressureFields(band.String(), usage, budget)).Info("检测到内存压力")
	}
	e.EvictFraction(band.EvictionFraction())

	if e.monitor.RecoveryDue() {
		e.memory.RestoreCapacity(RecoveryFraction)
		e.monitor.AcknowledgeRecovery()
	}
}

// EvictFraction 基于元数据快照打分排序，从最低分开始淘汰给定比例的条目。
// 扫描过程中新插入的条目不在本次快照之内。
func (e *Engine) EvictFraction(fraction float64) int {
	if fraction <= 0 {
		return 0
	}

	snapshot := e.memory.Snapshot()
	if len(snapshot) == 0 {
		return 0
	}

	ts := e.now()
	sort.Slice(snapshot, func(i, j int) bool {
		return Score(snapshot[i].Meta, ts) < Score(snapshot[j].Meta, ts)
	})

	victims := int(float64(len(snapshot)) * fraction)
	if fraction >= 1.0 {
		victims = len(snapshot)
	}
	for i := 0; i < victims; i++ {
		e.memory.Remove(snapshot[i].Key)
	}

	if victims > 0 {
		e.logger.WithFields(logrus.Fields{
			"action":  "eviction_scan",
			"evicted": victims,
			"scanned": len(snapshot),
		}).Debug("淘汰扫描完成")
	}
	return victims
}

// AggressiveCleanup 响应压力拒绝：淘汰半数最低分条目、压缩容量、
// 打开冷却闸门并安排部分恢复。
func (e *Engine) AggressiveCleanup() {
	e.EvictFraction(0.5)
	e.memory.SlashCapacity()
	e.monitor.MarkAggressiveCleanup()
	e.scheduleRecovery()
}

// UpdateConfig 运行时更新缓存配置，重新推导内存池与监视器预算。
func (e *Engine) UpdateConfig(cfg config.CacheConfig) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	budget := cfg.MemoryBudgetBytes()
	e.memory.SetBudget(budget)
	e.monitor.SetBudget(budget)
}

// Statistics 汇总对外统计快照。
func (e *Engine) Statistics() Statistics {
	hits, misses, preloads := e.stats.Totals()
	estimate := e.memory.SizeEstimate()
	return Statistics{
		HitRate:             e.stats.HitRate(),
		TotalRequests:       hits + misses,
		CurrentSizeEstimate: estimate,
		FormattedSize:       formatBytes(estimate),
		PreloadRequestCount: preloads,
		UnderPressure:       e.monitor.UnderPressure(),
		State:               e.monitor.State().String(),
	}
}

// Close 停止定期任务与后台协程；幂等。
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopChan)
		e.cancelRecoveryTimer()
		e.memory.Stop()
	})
}

// runPeriodicTasks 驱动周期优化与统计日志，Close 时退出。
func (e *Engine) runPeriodicTasks(optimizeEvery, statsEvery time.Duration) {
	if optimizeEvery <= 0 {
		optimizeEvery = 10 * time.Minute
	}
	if statsEvery <= 0 {
		statsEvery = 5 * time.Minute
	}
	optimize := time.NewTicker(optimizeEvery)
	statsLog := time.NewTicker(statsEvery)
	defer optimize.Stop()
	defer statsLog.Stop()

	for {
		select {
		case <-optimize.C:
			e.Optimize()
		case <-statsLog.C:
			st := e.Statistics()
			e.logger.WithFields(logrus.Fields{
				"action":        "stats",
				"hit_rate":      st.HitRate,
				"requests":      st.TotalRequests,
				"size_estimate": st.FormattedSize,
				"state":         st.State,
			}).Info("缓存统计")
		case <-e.stopChan:
			return
		}
	}
}

// scheduleRecovery 安排恢复定时器，重复触发时重置而不是叠加。
func (e *Engine) scheduleRecovery() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	delay := e.monitor.recoveryDelay
	if e.recoveryTimer != nil {
		e.recoveryTimer.Stop()
	}
	e.recoveryTimer = time.AfterFunc(delay, func() {
		select {
		case <-e.stopChan:
			return
		default:
		}
		e.memory.RestoreCapacity(RecoveryFraction)
		e.monitor.AcknowledgeRecovery()
	})
}

func (e *Engine) cancelRecoveryTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.recoveryTimer != nil {
		e.recoveryTimer.Stop()
		e.recoveryTimer = nil
	}
}
