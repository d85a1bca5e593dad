package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存操作日志的统一字段，key 为内存层键或磁盘哈希。
func CacheFields(op, key string, hit bool) logrus.Fields {
	return logrus.Fields{
		"op":        op,
		"cache_key": key,
		"cache_hit": hit,
	}
}

// PressureFields 输出内存压力相关字段，usage/budget 均为字节。
func PressureFields(band string, usage, budget int64) logrus.Fields {
	return logrus.Fields{
		"pressure_band": band,
		"usage_bytes":   usage,
		"budget_bytes":  budget,
	}
}
