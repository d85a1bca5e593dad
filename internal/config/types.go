package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 内存预算的钳制区间，超出范围的配置会被拉回边界而不是报错。
const (
	MinMemoryBudgetMB = 5
	MaxMemoryBudgetMB = 100
)

// GlobalConfig 描述日志与诊断端口等全局运行时行为。
type GlobalConfig struct {
	LogLevel        string `mapstructure:"LogLevel"`
	LogFilePath     string `mapstructure:"LogFilePath"`
	LogMaxSize      int    `mapstructure:"LogMaxSize"`
	LogMaxBackups   int    `mapstructure:"LogMaxBackups"`
	LogCompress     bool   `mapstructure:"LogCompress"`
	DiagnosticsPort int    `mapstructure:"DiagnosticsPort"`
}

// CacheConfig 描述缓存引擎的内存预算与磁盘目录。
type CacheConfig struct {
	MaxMemoryBudgetMB int64    `mapstructure:"MaxMemoryBudgetMB"`
	CacheDir          string   `mapstructure:"CacheDir"`
	VerboseLogging    bool     `mapstructure:"VerboseLogging"`
	OptimizeInterval  Duration `mapstructure:"OptimizeInterval"`
	StatsLogInterval  Duration `mapstructure:"StatsLogInterval"`
	PreloadWorkers    int      `mapstructure:"PreloadWorkers"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// MemoryBudgetBytes 返回钳制到 [5,100]MB 区间后的字节预算。
func (c CacheConfig) MemoryBudgetBytes() int64 {
	mb := c.MaxMemoryBudgetMB
	if mb < MinMemoryBudgetMB {
		mb = MinMemoryBudgetMB
	}
	if mb > MaxMemoryBudgetMB {
		mb = MaxMemoryBudgetMB
	}
	return mb * 1024 * 1024
}

// DiagnosticsEnabled 表示是否需要启动本地诊断 HTTP 服务。
func (g GlobalConfig) DiagnosticsEnabled() bool {
	return g.DiagnosticsPort > 0
}
