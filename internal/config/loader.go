package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCacheDir, err := filepath.Abs(cfg.Cache.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Cache.CacheDir = absCacheDir

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("DiagnosticsPort", 0)
	v.SetDefault("Cache.MaxMemoryBudgetMB", 50)
	v.SetDefault("Cache.CacheDir", "./cache")
	v.SetDefault("Cache.VerboseLogging", false)
	v.SetDefault("Cache.OptimizeInterval", "10m")
	v.SetDefault("Cache.StatsLogInterval", "5m")
	v.SetDefault("Cache.PreloadWorkers", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.LogMaxSize == 0 {
		g.LogMaxSize = 100
	}
	if g.LogMaxBackups == 0 {
		g.LogMaxBackups = 10
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if c.MaxMemoryBudgetMB == 0 {
		c.MaxMemoryBudgetMB = 50
	}
	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}
	if c.OptimizeInterval.DurationValue() <= 0 {
		c.OptimizeInterval = Duration(10 * time.Minute)
	}
	if c.StatsLogInterval.DurationValue() <= 0 {
		c.StatsLogInterval = Duration(5 * time.Minute)
	}
	if c.PreloadWorkers <= 0 {
		c.PreloadWorkers = 4
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
