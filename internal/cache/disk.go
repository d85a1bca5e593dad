package cache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/paperdrift/paperdrift/internal/imaging"
	"github.com/paperdrift/paperdrift/internal/logging"
)

// 磁盘层常量。目录名带版本后缀，格式不兼容时递增后缀即可整体失效。
const (
	diskDirName = "thumbs-v1"

	janitorMaxAge   = 30 * 24 * time.Hour
	janitorMaxBytes = int64(100 * 1024 * 1024)

	defaultPreloadWorkers = 4
)

// DiskStore 是内容寻址的持久缩略图存储：键为 (绝对路径, 修改时间) 哈希，
// 文件存在与否就是索引本身。条目一经写入不再改写；
// 失效完全依赖键变化，孤儿文件由清扫任务回收。
type DiskStore struct {
	dir      string
	logger   *logrus.Logger
	now      func() time.Time
	maxAge   time.Duration
	maxBytes int64

	// inFlight 供测试观察批量预载的并发度。
	inFlight    atomic.Int32
	maxObserved atomic.Int32
}

// DiskStoreOptions 允许注入时钟与清扫阈值，零值使用默认实现。
type DiskStoreOptions struct {
	Clock    func() time.Time
	MaxAge   time.Duration
	MaxBytes int64
}

// NewDiskStore 在 baseDir 下创建带版本后缀的缓存目录并异步启动清扫。
// 目录不可用是唯一的致命错误：没有可写目录的磁盘缓存不应伪装成 no-op 运行。
func NewDiskStore(baseDir string, logger *logrus.Logger, opts DiskStoreOptions) (*DiskStore, error) {
	if baseDir == "" {
		return nil, errors.New("cache directory required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = janitorMaxAge
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = janitorMaxBytes
	}

	dir := filepath.Join(baseDir, diskDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnail cache dir: %w", err)
	}

	s := &DiskStore{
		dir:      dir,
		logger:   logger,
		now:      opts.Clock,
		maxAge:   opts.MaxAge,
		maxBytes: opts.MaxBytes,
	}
	go s.Sweep()
	return s, nil
}

// Dir 返回实际使用的缓存目录。
func (s *DiskStore) Dir() string {
	return s.dir
}

func (s *DiskStore) keyPath(key string) string {
	return filepath.Join(s.dir, key+".jpg")
}

// Get 按 (路径, 修改时间) 推导键并尝试解码对应文件；任何失败都按 miss 处理。
func (s *DiskStore) Get(absPath string, modTime time.Time) image.Image {
	key := DiskKey(absPath, modTime)
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		return nil
	}
	img, err := imaging.DecodeBytes(data)
	if err != nil {
		s.logger.WithFields(logging.CacheFields("disk_decode_fail", key, false)).Debug(err.Error())
		return nil
	}
	return img
}

// Has 只探测键文件是否存在，不做解码。
func (s *DiskStore) Has(absPath string, modTime time.Time) bool {
	_, err := os.Stat(s.keyPath(DiskKey(absPath, modTime)))
	return err == nil
}

// Put 将缩略图编码为 JPEG 并通过临时文件 + rename 原子落盘。
// 磁盘缓存是尽力而为的：失败只记日志，读通契约保证正确性不依赖它。
func (s *DiskStore) Put(thumbnail image.Image, absPath string, modTime time.Time) {
	key := DiskKey(absPath, modTime)
	data, err := imaging.EncodeJPEG(thumbnail)
	if err != nil {
		s.logger.WithFields(logging.CacheFields("disk_encode_fail", key, false)).Warn(err.Error())
		return
	}

	target := s.keyPath(key)
	tmp, err := os.CreateTemp(s.dir, ".thumb-*")
	if err != nil {
		s.logger.WithFields(logging.CacheFields("disk_write_fail", key, false)).Warn(err.Error())
		return
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		s.logger.WithFields(logging.CacheFields("disk_write_fail", key, false)).Warn(werr.Error())
		return
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		s.logger.WithFields(logging.CacheFields("disk_write_fail", key, false)).Warn(err.Error())
	}
}

// PreloadBatch 为一批候选记录补齐磁盘缩略图，使用固定大小的信号量窗口，
// 任务完成即补位，绝不随输入长度无界扇出。generate 在信号量内执行。
func (s *DiskStore) PreloadBatch(ctx context.Context, records []FileRecord, maxConcurrent int, generate func(FileRecord) image.Image) {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultPreloadWorkers
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	for _, rec := range records {
		if s.Has(rec.URL, rec.ModTime) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		rec := rec
		go func() {
			defer sem.Release(1)

			cur := s.inFlight.Inc()
			for {
				prev := s.maxObserved.Load()
				if cur <= prev || s.maxObserved.CompareAndSwap(prev, cur) {
					break
				}
			}
			defer s.inFlight.Dec()

			if thumb := generate(rec); thumb != nil {
				s.Put(thumb, rec.URL, rec.ModTime)
			}
		}()
	}

	// 等待窗口内剩余任务收尾。
	if err := sem.Acquire(ctx, int64(maxConcurrent)); err == nil {
		sem.Release(int64(maxConcurrent))
	}
}

// MaxObservedConcurrency 返回批量预载期间观察到的最大并发度，测试钩子。
func (s *DiskStore) MaxObservedConcurrency() int {
	return int(s.maxObserved.Load())
}

// Sweep 执行一次清扫：按修改时间升序遍历，删除超龄条目，
// 并从最老的条目开始继续删除直到总大小回到上限之内。
func (s *DiskStore) Sweep() {
	type entry struct {
		path    string
		size    int64
		modTime time.Time
	}

	var entries []entry
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jpg") {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		entries = append(entries, entry{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		s.logger.WithField("action", "janitor_walk_fail").Warn(err.Error())
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	ts := s.now()
	var removed int
	var reclaimed int64
	for _, e := range entries {
		expired := ts.Sub(e.modTime) > s.maxAge
		if !expired && total <= s.maxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			continue
		}
		total -= e.size
		reclaimed += e.size
		removed++
	}

	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":          "janitor_sweep",
			"removed":         removed,
			"reclaimed_bytes": reclaimed,
		}).Info("清扫完成")
	}
}
