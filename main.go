package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tapehub/tapehub/internal/config"
	"github.com/tapehub/tapehub/internal/ledger"
	"github.com/tapehub/tapehub/internal/logging"
	"github.com/tapehub/tapehub/internal/proxy"
	"github.com/tapehub/tapehub/internal/server"
	"github.com/tapehub/tapehub/internal/server/routes"
	"github.com/tapehub/tapehub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	noRecord    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。ctx 取消时优雅退出。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}
	if opts.noRecord {
		cfg.Global.NoRecord = true
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["targets"] = config.TargetNames(cfg.Targets)
		fields["mode"] = cfg.Global.RecordingMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 日志 → ledger → TargetRegistry(引擎) → Fiber server”顺序，
	// 每个 Target 在启动阶段就创建好磁带目录与命名空间注册表。
	led, err := openLedger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "打开报告数据库失败: %v\n", err)
		return 1
	}
	if led != nil {
		defer led.Close()
	}

	registry, err := buildRegistry(cfg, logger, led)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Target 注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["targets"] = config.TargetNames(cfg.Targets)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["mode"] = cfg.Global.RecordingMode()
	fields["storage_path"] = cfg.Global.StoragePath
	fields["ledger"] = led != nil
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	app, err := buildApp(cfg, registry, led, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}

	err = serve(ctx, app, cfg.Global.ListenPort, logger)
	flushReports(registry, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tapehub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		noRecord   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TAPEHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&noRecord, "no-record", false, "禁止录制，未命中的请求直接返回 404")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TAPEHUB_CONFIG")
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
		noRecord:    noRecord,
	}, nil
}

// openLedger 在未配置 LedgerPath 时返回 nil 接口值。
func openLedger(cfg *config.Config) (ledger.Ledger, error) {
	if cfg.Global.LedgerPath == "" {
		return nil, nil
	}
	led, err := ledger.NewSQLiteLedger(cfg.Global.LedgerPath)
	if err != nil {
		return nil, err
	}
	return led, nil
}

func buildRegistry(cfg *config.Config, logger *logrus.Logger, led ledger.Ledger) (*server.TargetRegistry, error) {
	return server.NewTargetRegistry(cfg, proxy.NewEngineFactory(proxy.EngineDeps{
		Client: server.NewUpstreamClient(cfg),
		Logger: logger,
		Ledger: led,
	}))
}

func buildApp(cfg *config.Config, registry *server.TargetRegistry, led ledger.Ledger, logger *logrus.Logger) (*fiber.App, error) {
	dispatcher := proxy.NewDispatcher(proxy.NewHandler(logger), proxy.NewControlHandler(logger), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      dispatcher,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, led)
	return app, nil
}

// serve 阻塞直到监听失败或 ctx 被取消；取消后等待在途请求完成。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// flushReports 为未经 reset 的命名空间补齐报告，写入 ledger 并输出日志。
func flushReports(registry *server.TargetRegistry, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	flushed := 0
	for _, route := range registry.List() {
		if route.Engine == nil {
			continue
		}
		flushed += len(route.Engine.Flush(ctx))
	}
	logger.WithFields(logrus.Fields{
		"action":     "shutdown",
		"namespaces": flushed,
	}).Info("命名空间报告已补齐")
}
