package cache

import (
	"testing"
	"time"
)

func TestMetadataRecordAndTouch(t *testing.T) {
	clock := scoreNow
	ms := newMetadataStore(func() time.Time { return clock })

	ms.Record("a", 1024, 2)
	md, ok := ms.Get("a")
	if !ok {
		t.Fatalf("recorded entry missing")
	}
	if md.AccessCount != 1 || md.SizeBytes != 1024 || md.Priority != 2 {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if !md.CreatedAt.Equal(clock) || !md.LastAccessedAt.Equal(clock) {
		t.Fatalf("timestamps should match the clock")
	}

	clock = clock.Add(time.Minute)
	ms.Touch("a")
	ms.Touch("a")
	md, _ = ms.Get("a")
	if md.AccessCount != 3 || md.ConsecutiveHits != 2 {
		t.Fatalf("touch should bump counters: %+v", md)
	}
	if !md.LastAccessedAt.Equal(clock) {
		t.Fatalf("touch should refresh the access time")
	}
}

func TestMetadataTouchMissingKeyIsSilent(t *testing.T) {
	ms := newMetadataStore(nil)
	ms.Touch("ghost") // 不应 panic，容忍底层先行淘汰
	if ms.Len() != 0 {
		t.Fatalf("touch must not create entries")
	}
}

func TestMetadataRemoveIdempotent(t *testing.T) {
	ms := newMetadataStore(nil)
	ms.Record("a", 1, 0)
	ms.Remove("a")
	ms.Remove("a")
	if _, ok := ms.Get("a"); ok {
		t.Fatalf("entry should stay removed")
	}
}

func TestMetadataSnapshotIsACopy(t *testing.T) {
	ms := newMetadataStore(nil)
	ms.Record("a", 1, 0)
	ms.Record("b", 2, 0)

	snap := ms.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size mismatch: %d", len(snap))
	}
	ms.RemoveAll()
	if len(snap) != 2 {
		t.Fatalf("snapshot must be unaffected by later mutation")
	}
	if ms.Len() != 0 {
		t.Fatalf("removeAll should empty the store")
	}
}
