package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/paperdrift/paperdrift/internal/cache"
	"github.com/paperdrift/paperdrift/internal/config"
	"github.com/paperdrift/paperdrift/internal/logging"
	"github.com/paperdrift/paperdrift/internal/server"
	"github.com/paperdrift/paperdrift/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global, cfg.Cache.VerboseLogging)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_dir"] = cfg.Cache.CacheDir
		fields["memory_budget_mb"] = cfg.Cache.MemoryBudgetBytes() / (1024 * 1024)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 守护进程遵循"配置 → 缓存引擎 → 诊断服务"的启动顺序，
	// 引擎是唯一有状态的组件，诊断服务只读它的统计快照。
	engine, err := cache.NewEngine(cfg.Cache, logger, cache.EngineOptions{})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}
	defer engine.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_dir"] = cfg.Cache.CacheDir
	fields["memory_budget_mb"] = cfg.Cache.MemoryBudgetBytes() / (1024 * 1024)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	var app *fiber.App
	if cfg.Global.DiagnosticsEnabled() {
		app, err = startDiagnosticsServer(cfg, engine, logger)
		if err != nil {
			fmt.Fprintf(stdErr, "诊断服务启动失败: %v\n", err)
			return 1
		}
	}

	waitForShutdown(logger)

	if app != nil {
		if err := app.ShutdownWithContext(context.Background()); err != nil {
			logger.WithField("action", "shutdown").Warn(err.Error())
		}
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("paperdrift", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PAPERDRIFT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PAPERDRIFT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startDiagnosticsServer 在 loopback 上启动只读诊断服务，监听失败只记日志。
func startDiagnosticsServer(cfg *config.Config, engine *cache.Engine, logger *logrus.Logger) (*fiber.App, error) {
	port := cfg.Global.DiagnosticsPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Stats:      engine,
		ListenPort: port,
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("诊断服务启动")

	go func() {
		if err := app.Listen(fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
			logger.WithField("action", "listen_fail").Warn(err.Error())
		}
	}()
	return app, nil
}

// waitForShutdown 阻塞到收到终止信号为止。
func waitForShutdown(logger *logrus.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.WithField("signal", s.String()).Info("收到终止信号，开始退出")
}
