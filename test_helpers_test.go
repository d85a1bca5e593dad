package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfigFile 把给定 TOML 内容写入临时目录并返回文件路径。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// validConfigFile 生成一份指向临时缓存目录的最小可用配置。
func validConfigFile(t *testing.T) string {
	t.Helper()
	return writeConfigFile(t, `
LogLevel = "info"

[Cache]
CacheDir = "`+filepath.ToSlash(t.TempDir())+`"
MaxMemoryBudgetMB = 50
`)
}
