package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// FileRecord 是外部目录扫描器提供的候选壁纸描述，
// ModTime 是磁盘层唯一的失效信号。
type FileRecord struct {
	URL         string
	DisplayName string
	SizeBytes   int64
	ModTime     time.Time
	Ext         string
}

// MemoryKey 返回内存层键：规范化的文件位置字符串。
func MemoryKey(url string) string {
	return url
}

// MemoryKeyWithDimension 为按尺寸区分的缩略图条目追加目标边长后缀。
func MemoryKeyWithDimension(url string, dim int) string {
	return fmt.Sprintf("%s#%d", url, dim)
}

// DiskKey 计算磁盘层键：对 "{绝对路径}-{修改时间戳}" 做 SHA-256。
// 文件被修改后键随之改变，旧条目成为孤儿并由清扫任务回收。
func DiskKey(absPath string, modTime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", absPath, modTime.Unix())))
	return hex.EncodeToString(sum[:])
}
