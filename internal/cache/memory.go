package cache

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/paperdrift/paperdrift/internal/imaging"
	"github.com/paperdrift/paperdrift/internal/logging"
)

// 内存层的固定阈值。成本达到 mainPoolThreshold 的原图不再全尺寸驻留，
// 只缓存其缩略图。
const (
	mainPoolThreshold = int64(2 * 1024 * 1024)
	perItemCeiling    = int64(20 * 1024 * 1024)
	putPressureBytes  = int64(150 * 1024 * 1024)

	// ThumbnailDimension 是默认缩略图边长。
	ThumbnailDimension = 256

	// 名义容量在两个池之间的切分比例与条目数上限。
	mainCostFraction = 0.6
	mainCountLimit   = 40
	thumbCountLimit  = 200

	slashedCountLimit  = 5
	slashedCostPercent = 0.10
)

// frame 是内存池中的单个条目：位图加上记账所需的成本与创建时间。
type frame struct {
	img       image.Image
	cost      int64
	createdAt time.Time
}

// pool 在 ttlcache 之上叠加成本记账。ttlcache 自身的容量淘汰是兜底，
// 主动淘汰由上层的保留分数扫描完成。
type pool struct {
	cache       *ttlcache.Cache[string, *frame]
	currentCost atomic.Int64
	costLimit   atomic.Int64
	countLimit  atomic.Int64
}

func newPool(costLimit int64, countLimit int) *pool {
	p := &pool{
		cache: ttlcache.New[string, *frame](
			ttlcache.WithDisableTouchOnHit[string, *frame](),
		),
	}
	p.costLimit.Store(costLimit)
	p.countLimit.Store(int64(countLimit))

	// 淘汰回调统一负责成本回收，显式 Delete 与容量兜底淘汰都会经过这里。
	p.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *frame]) {
		p.currentCost.Sub(item.Value().cost)
	})
	go p.cache.Start()
	return p
}

// get 返回条目位图；不存在时返回 nil。纯查找，不触发加载。
func (p *pool) get(key string) image.Image {
	item := p.cache.Get(key)
	if item == nil {
		return nil
	}
	return item.Value().img
}

func (p *pool) has(key string) bool {
	return p.cache.Has(key)
}

// set 写入条目并在超出成本/数量上限时按创建时间淘汰最老的条目。
func (p *pool) set(key string, fr *frame) {
	for (p.currentCost.Load()+fr.cost > p.costLimit.Load() || int64(p.cache.Len()) >= p.countLimit.Load()) && p.cache.Len() > 0 {
		if !p.evictOldest() {
			break
		}
	}
	if existing := p.cache.Get(key); existing != nil {
		p.cache.Delete(key)
	}
	p.cache.Set(key, fr, ttlcache.NoTTL)
	p.currentCost.Add(fr.cost)
}

func (p *pool) delete(key string) {
	p.cache.Delete(key)
}

func (p *pool) clear() {
	p.cache.DeleteAll()
	p.currentCost.Store(0)
}

func (p *pool) len() int {
	return p.cache.Len()
}

func (p *pool) stop() {
	p.cache.Stop()
}

// evictOldest 淘汰创建时间最早的条目，作为写入路径上的容量让位。
func (p *pool) evictOldest() bool {
	var oldestKey string
	var oldestAt time.Time
	for key, item := range p.cache.Items() {
		if oldestKey == "" || item.Value().createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = item.Value().createdAt
		}
	}
	if oldestKey == "" {
		return false
	}
	p.cache.Delete(oldestKey)
	return true
}

// MemoryTier 管理 main/thumbnail 两个内存池、跟踪键集与元数据。
// 所有配对写入（池条目、元数据、跟踪键）都在同一把锁内完成，
// 不会被观察到撕裂状态。
type MemoryTier struct {
	mu      sync.Mutex
	main    *pool
	thumb   *pool
	tracked map[string]struct{}

	meta   *metadataStore
	stats  *statsCollector
	logger *logrus.Logger
	now    func() time.Time

	// residentFn 报告进程驻留内存；putGate 在压力冷却窗口内拒绝写入；
	// onOverPressure 在写入被压力拒绝时触发异步清理。三者均可为空。
	residentFn     func() int64
	putGate        func() bool
	onOverPressure func()

	nominalBudget int64
}

// newMemoryTier 按字节预算构建内存层，预算按固定比例切分给两个池。
func newMemoryTier(budgetBytes int64, meta *metadataStore, stats *statsCollector, logger *logrus.Logger, now func() time.Time) *MemoryTier {
	if now == nil {
		now = time.Now
	}
	mainCost, thumbCost := splitBudget(budgetBytes)
	return &MemoryTier{
		main:          newPool(mainCost, mainCountLimit),
		thumb:         newPool(thumbCost, thumbCountLimit),
		tracked:       make(map[string]struct{}),
		meta:          meta,
		stats:         stats,
		logger:        logger,
		now:           now,
		nominalBudget: budgetBytes,
	}
}

func splitBudget(budgetBytes int64) (mainCost, thumbCost int64) {
	mainCost = int64(float64(budgetBytes) * mainCostFraction)
	thumbCost = budgetBytes - mainCost
	return mainCost, thumbCost
}

// Put 写入一张解码后的图片。成本为 0 或超过单条目上限时拒绝；
// 驻留内存超过压力阈值时拒绝并触发异步清理；重复写入只刷新访问元数据。
// 成本达到阈值的原图仅以居中裁剪的缩略图形式进入 thumbnail 池。
func (mt *MemoryTier) Put(key string, img image.Image, priority int) {
	cost := imaging.EstimateCost(img)
	if cost == 0 || cost > perItemCeiling {
		mt.logger.WithFields(logging.CacheFields("put_reject", key, false)).
			WithField("cost_bytes", cost).Debug("条目成本超出可缓存范围")
		return
	}

	if mt.residentFn != nil && mt.residentFn() > putPressureBytes {
		mt.logger.WithFields(logging.CacheFields("put_pressure_reject", key, false)).Debug("驻留内存超过压力阈值，触发清理")
		if mt.onOverPressure != nil {
			go mt.onOverPressure()
		}
		return
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if _, exists := mt.tracked[key]; exists {
		mt.meta.Touch(key)
		return
	}

	if cost < mainPoolThreshold {
		mt.main.set(key, &frame{img: img, cost: cost, createdAt: mt.now()})
		mt.tracked[key] = struct{}{}
		mt.meta.Record(key, cost, priority)
		return
	}

	thumb := imaging.Thumbnail(img, ThumbnailDimension)
	tcost := imaging.EstimateCost(thumb)
	if tcost == 0 {
		return
	}
	mt.thumb.set(key, &frame{img: thumb, cost: tcost, createdAt: mt.now()})
	mt.tracked[key] = struct{}{}
	mt.meta.Record(key, tcost, priority)
}

// PutThumbnail 将已生成的缩略图直接写入 thumbnail 池，受压力闸门约束。
func (mt *MemoryTier) PutThumbnail(key string, img image.Image, priority int) {
	if mt.putGate != nil && mt.putGate() {
		mt.logger.WithFields(logging.CacheFields("thumb_gate_reject", key, false)).Debug("压力冷却期内拒绝缩略图写入")
		return
	}
	cost := imaging.EstimateCost(img)
	if cost == 0 || cost > perItemCeiling {
		return
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if _, exists := mt.tracked[key]; exists {
		mt.meta.Touch(key)
		return
	}
	mt.thumb.set(key, &frame{img: img, cost: cost, createdAt: mt.now()})
	mt.tracked[key] = struct{}{}
	mt.meta.Record(key, cost, priority)
}

// Get 依次查 main、thumbnail 池；命中刷新访问元数据，全miss 记一次未命中。
// 底层池已静默淘汰但键仍被跟踪时按 miss 处理并顺手清理元数据。
func (mt *MemoryTier) Get(key string) image.Image {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if img := mt.main.get(key); img != nil {
		mt.meta.Touch(key)
		mt.stats.IncHit()
		return img
	}
	if img := mt.thumb.get(key); img != nil {
		mt.meta.Touch(key)
		mt.stats.IncHit()
		return img
	}

	if _, tracked := mt.tracked[key]; tracked {
		delete(mt.tracked, key)
		mt.meta.Remove(key)
	}
	mt.stats.IncMiss()
	return nil
}

// Remove 从两个池、元数据与跟踪集中删除键，幂等。
func (mt *MemoryTier) Remove(key string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.removeLocked(key)
}

func (mt *MemoryTier) removeLocked(key string) {
	mt.main.delete(key)
	mt.thumb.delete(key)
	mt.meta.Remove(key)
	delete(mt.tracked, key)
}

// RemoveMatching 删除所有满足谓词的键，返回删除数量。
func (mt *MemoryTier) RemoveMatching(match func(key string) bool) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	var victims []string
	for key := range mt.tracked {
		if match(key) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		mt.removeLocked(key)
	}
	return len(victims)
}

// Clear 清空两个池、元数据、跟踪集并重置计数器。
func (mt *MemoryTier) Clear() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.main.clear()
	mt.thumb.clear()
	mt.meta.RemoveAll()
	mt.tracked = make(map[string]struct{})
	mt.stats.Reset()
}

// SizeEstimate 按容量占比近似估算驻留大小。这是文档化的估算值而非实测：
// 池本身不暴露精确驻留量，公式为 各池成本上限 × (条目数 / 条目上限) 之和。
func (mt *MemoryTier) SizeEstimate() int64 {
	mainEst := float64(mt.main.costLimit.Load()) * float64(mt.main.len()) / float64(mt.main.countLimit.Load())
	thumbEst := float64(mt.thumb.costLimit.Load()) * float64(mt.thumb.len()) / float64(mt.thumb.countLimit.Load())
	return int64(mainEst + thumbEst)
}

// TrackedCount 返回跟踪键数量。
func (mt *MemoryTier) TrackedCount() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.tracked)
}

// Snapshot 返回元数据快照，供淘汰扫描使用。
func (mt *MemoryTier) Snapshot() []MetadataEntry {
	return mt.meta.Snapshot()
}

// SetBudget 运行时更新预算并按比例重新推导池上限。
func (mt *MemoryTier) SetBudget(budgetBytes int64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.nominalBudget = budgetBytes
	mainCost, thumbCost := splitBudget(budgetBytes)
	mt.main.costLimit.Store(mainCost)
	mt.thumb.costLimit.Store(thumbCost)
	mt.main.countLimit.Store(mainCountLimit)
	mt.thumb.countLimit.Store(thumbCountLimit)
}

// SlashCapacity 在激进清理后临时压缩容量：条目数上限 5，成本上限 10%。
func (mt *MemoryTier) SlashCapacity() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mainCost, thumbCost := splitBudget(mt.nominalBudget)
	mt.main.costLimit.Store(int64(float64(mainCost) * slashedCostPercent))
	mt.thumb.costLimit.Store(int64(float64(thumbCost) * slashedCostPercent))
	mt.main.countLimit.Store(slashedCountLimit)
	mt.thumb.countLimit.Store(slashedCountLimit)
}

// RestoreCapacity 按给定比例恢复容量。避免瞬间回满导致抖动，
// 调用方只会传入部分恢复比例。
func (mt *MemoryTier) RestoreCapacity(fraction float64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mainCost, thumbCost := splitBudget(mt.nominalBudget)
	mt.main.costLimit.Store(int64(float64(mainCost) * fraction))
	mt.thumb.costLimit.Store(int64(float64(thumbCost) * fraction))
	mt.main.countLimit.Store(int64(float64(mainCountLimit) * fraction))
	mt.thumb.countLimit.Store(int64(float64(thumbCountLimit) * fraction))
}

// Stop 停止池的后台协程。
func (mt *MemoryTier) Stop() {
	mt.main.stop()
	mt.thumb.stop()
}
