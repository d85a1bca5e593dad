package cache

import (
	"sync"
	"time"
)

// MetadataEntry 是淘汰扫描用的 (key, metadata) 快照元素。
type MetadataEntry struct {
	Key  string
	Meta Metadata
}

// metadataStore 维护 key → Metadata 的映射，只管理元数据，从不触碰各层存储。
type metadataStore struct {
	mu      sync.RWMutex
	entries map[string]*Metadata
	now     func() time.Time
}

func newMetadataStore(now func() time.Time) *metadataStore {
	if now == nil {
		now = time.Now
	}
	return &metadataStore{
		entries: make(map[string]*Metadata),
		now:     now,
	}
}

// Record 创建新条目元数据：accessCount=1、创建与访问时间均为当前时刻。
func (ms *metadataStore) Record(key string, sizeBytes int64, priority int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ts := ms.now()
	ms.entries[key] = &Metadata{
		SizeBytes:      sizeBytes,
		Priority:       priority,
		CreatedAt:      ts,
		LastAccessedAt: ts,
		AccessCount:    1,
	}
}

// Touch 在命中时累加访问计数与连击数并刷新访问时间。
// key 不存在时静默返回，容忍底层已淘汰但元数据尚未清理的竞态。
func (ms *metadataStore) Touch(key string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	md, ok := ms.entries[key]
	if !ok {
		return
	}
	md.AccessCount++
	md.ConsecutiveHits++
	md.LastAccessedAt = ms.now()
}

// Remove 删除单个键的元数据，键不存在时为 no-op。
func (ms *metadataStore) Remove(key string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.entries, key)
}

// RemoveAll 清空全部元数据。
func (ms *metadataStore) RemoveAll() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries = make(map[string]*Metadata)
}

// Snapshot 返回当前所有条目的拷贝，供淘汰扫描在不持锁的情况下排序。
func (ms *metadataStore) Snapshot() []MetadataEntry {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]MetadataEntry, 0, len(ms.entries))
	for key, md := range ms.entries {
		out = append(out, MetadataEntry{Key: key, Meta: *md})
	}
	return out
}

// Get 返回某个键的元数据拷贝。
func (ms *metadataStore) Get(key string) (Metadata, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	md, ok := ms.entries[key]
	if !ok {
		return Metadata{}, false
	}
	return *md, true
}

// Len 返回跟踪中的条目数量。
func (ms *metadataStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.entries)
}
