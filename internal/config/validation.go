package config

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
// 注意内存预算超出 [5,100]MB 不视为错误，由 MemoryBudgetBytes 钳制。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.DiagnosticsPort < 0 || g.DiagnosticsPort > 65535 {
		return newFieldError("Global.DiagnosticsPort", "必须在 0-65535")
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}

	cc := c.Cache
	if cc.CacheDir == "" {
		return newFieldError("Cache.CacheDir", "不能为空")
	}
	if cc.MaxMemoryBudgetMB < 0 {
		return newFieldError("Cache.MaxMemoryBudgetMB", "不能为负数")
	}
	if cc.PreloadWorkers < 1 {
		return newFieldError("Cache.PreloadWorkers", "至少为 1")
	}
	return nil
}
