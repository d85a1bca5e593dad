package cache

import (
	"image"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// rgba 生成指定尺寸的测试位图。512×512 恰好是 1MiB 成本。
func rgba(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestTier(t *testing.T, budgetMB int64) *MemoryTier {
	t.Helper()
	stats := newStatsCollector()
	meta := newMetadataStore(nil)
	tier := newMemoryTier(budgetMB*1024*1024, meta, stats, discardLogger(), nil)
	t.Cleanup(tier.Stop)
	return tier
}

func TestPutRejectsOversizeItem(t *testing.T) {
	tier := newTestTier(t, 25)

	tier.Put("small-1", rgba(512, 512), 0) // 1MiB
	tier.Put("small-2", rgba(512, 512), 0) // 1MiB
	tier.Put("huge", rgba(2560, 2560), 0)  // 25MiB，超过单条目 20MiB 上限

	if tier.Get("small-1") == nil || tier.Get("small-2") == nil {
		t.Fatalf("1MB items should be cached")
	}
	if tier.Get("huge") != nil {
		t.Fatalf("25MB item must be rejected outright")
	}
}

func TestPutRoutesLargeImageToThumbnailPool(t *testing.T) {
	tier := newTestTier(t, 50)

	tier.Put("big", rgba(1024, 768), 0) // 3MiB 成本，超过 main 池阈值

	if tier.main.has("big") {
		t.Fatalf("image at or above 2MB must not live in the main pool")
	}
	if !tier.thumb.has("big") {
		t.Fatalf("a thumbnail representation should be cached instead")
	}

	got := tier.Get("big")
	if got == nil {
		t.Fatalf("thumbnail lookup should hit")
	}
	b := got.Bounds()
	if b.Dx() != ThumbnailDimension || b.Dy() != ThumbnailDimension {
		t.Fatalf("expected a %dpx thumbnail, got %dx%d", ThumbnailDimension, b.Dx(), b.Dy())
	}
}

func TestPutZeroCostIsIgnored(t *testing.T) {
	tier := newTestTier(t, 25)
	tier.Put("empty", rgba(0, 0), 0)
	if tier.TrackedCount() != 0 {
		t.Fatalf("zero-cost item must not be tracked")
	}
}

func TestDuplicatePutOnlyTouchesMetadata(t *testing.T) {
	tier := newTestTier(t, 25)
	tier.Put("a", rgba(512, 512), 0)
	tier.Put("a", rgba(512, 512), 0)

	md, ok := tier.meta.Get("a")
	if !ok {
		t.Fatalf("metadata missing")
	}
	if md.AccessCount != 2 {
		t.Fatalf("duplicate put should register as an access, got count %d", md.AccessCount)
	}
	if tier.TrackedCount() != 1 {
		t.Fatalf("key must be tracked exactly once")
	}
}

func TestPutUnderResidentPressureTriggersCleanup(t *testing.T) {
	tier := newTestTier(t, 25)
	tier.residentFn = func() int64 { return 200 * 1024 * 1024 }

	cleaned := make(chan struct{}, 1)
	tier.onOverPressure = func() { cleaned <- struct{}{} }

	tier.Put("a", rgba(512, 512), 0)

	if tier.TrackedCount() != 0 {
		t.Fatalf("put above the pressure threshold must be rejected")
	}
	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatalf("pressure rejection should trigger the cleanup hook")
	}
}

func TestThumbnailGateRejectsDuringCooldown(t *testing.T) {
	tier := newTestTier(t, 25)
	tier.putGate = func() bool { return true }

	tier.PutThumbnail("t", rgba(128, 128), 0)
	if tier.TrackedCount() != 0 {
		t.Fatalf("thumbnail put must be rejected while the pressure flag is set")
	}
}

func TestGetMissIncrementsCounter(t *testing.T) {
	tier := newTestTier(t, 25)
	if tier.Get("missing") != nil {
		t.Fatalf("unexpected hit")
	}
	hits, misses, _ := tier.stats.Totals()
	if hits != 0 || misses != 1 {
		t.Fatalf("expected 0 hits / 1 miss, got %d/%d", hits, misses)
	}
}

func TestTrackedButEvictedReadsAsMissAndPrunes(t *testing.T) {
	tier := newTestTier(t, 25)
	tier.Put("a", rgba(512, 512), 0)

	// 模拟底层池静默淘汰：绕过 Remove 直接清池。
	tier.main.delete("a")

	if tier.Get("a") != nil {
		t.Fatalf("metadata-hit/pool-miss must read as a miss")
	}
	if _, ok := tier.meta.Get("a"); ok {
		t.Fatalf("stale metadata should be pruned lazily")
	}
	if tier.TrackedCount() != 0 {
		t.Fatalf("stale tracking key should be pruned lazily")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	tier := newTestTier(t, 25)
	tier.Put("a", rgba(512, 512), 0)

	tier.Remove("a")
	trackedAfterFirst := tier.TrackedCount()
	tier.Remove("a")

	if trackedAfterFirst != 0 || tier.TrackedCount() != 0 {
		t.Fatalf("double remove must equal single remove")
	}
}

func TestClearResetsEverything(t *testing.T) {
	tier := newTestTier(t, 25)
	tier.Put("a", rgba(512, 512), 0)
	tier.Get("a")
	tier.Get("missing")

	tier.Clear()

	if tier.TrackedCount() != 0 || tier.meta.Len() != 0 {
		t.Fatalf("clear should empty pools and metadata")
	}
	hits, misses, _ := tier.stats.Totals()
	if hits != 0 || misses != 0 {
		t.Fatalf("clear should reset counters, got %d/%d", hits, misses)
	}
}

func TestCapacityEnforcementKeepsCostUnderLimit(t *testing.T) {
	tier := newTestTier(t, 5) // main 池成本上限 3MiB

	for i := 0; i < 8; i++ {
		tier.Put(string(rune('a'+i)), rgba(512, 512), 0) // 各 1MiB
	}

	limit := tier.main.costLimit.Load()
	if cost := tier.main.currentCost.Load(); cost > limit {
		t.Fatalf("resident cost %d exceeds pool limit %d", cost, limit)
	}
}

func TestSizeEstimateFollowsCapacityFractionFormula(t *testing.T) {
	tier := newTestTier(t, 50)
	tier.Put("a", rgba(512, 512), 0)
	tier.Put("b", rgba(512, 512), 0)

	mainCost, _ := splitBudget(50 * 1024 * 1024)
	want := int64(float64(mainCost) * 2 / float64(mainCountLimit))
	if got := tier.SizeEstimate(); got != want {
		t.Fatalf("estimate formula mismatch: got %d, want %d", got, want)
	}
}

func TestSlashAndRestoreCapacity(t *testing.T) {
	tier := newTestTier(t, 50)
	mainCost, _ := splitBudget(50 * 1024 * 1024)

	tier.SlashCapacity()
	if got := tier.main.countLimit.Load(); got != slashedCountLimit {
		t.Fatalf("slashed count limit mismatch: %d", got)
	}
	if got := tier.main.costLimit.Load(); got != int64(float64(mainCost)*slashedCostPercent) {
		t.Fatalf("slashed cost limit mismatch: %d", got)
	}

	tier.RestoreCapacity(0.5)
	if got := tier.main.costLimit.Load(); got != int64(float64(mainCost)*0.5) {
		t.Fatalf("restored cost limit mismatch: %d", got)
	}
	if got := tier.main.countLimit.Load(); got != int64(float64(mainCountLimit)*0.5) {
		t.Fatalf("restored count limit mismatch: %d", got)
	}
}
