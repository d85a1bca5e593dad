package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/paperdrift/paperdrift/internal/cache"
)

// StatsProvider 描述诊断接口依赖的统计来源，便于测试注入假实现。
type StatsProvider interface {
	Statistics() cache.Statistics
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Stats      StatsProvider
	ListenPort int
}

const contextKeyRequestID = "_paperdrift_request_id"

// NewApp builds a Fiber application exposing the read-only diagnostics
// endpoints with structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Stats == nil {
		return nil, errors.New("stats provider is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/statistics", func(c fiber.Ctx) error {
		st := opts.Stats.Statistics()
		opts.Logger.WithFields(logrus.Fields{
			"action":     "diagnostics_statistics",
			"request_id": RequestID(c),
			"hit_rate":   st.HitRate,
		}).Debug("统计快照已下发")
		return c.JSON(st)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入上下文与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
