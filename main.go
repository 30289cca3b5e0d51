package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/melplay/melplay-shell/internal/cache"
	"github.com/melplay/melplay-shell/internal/config"
	"github.com/melplay/melplay-shell/internal/host"
	"github.com/melplay/melplay-shell/internal/logging"
	"github.com/melplay/melplay-shell/internal/network"
	"github.com/melplay/melplay-shell/internal/proxy"
	"github.com/melplay/melplay-shell/internal/scope"
	"github.com/melplay/melplay-shell/internal/server"
	"github.com/melplay/melplay-shell/internal/server/routes"
	"github.com/melplay/melplay-shell/internal/telemetry"
	"github.com/melplay/melplay-shell/internal/version"
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

const shutdownTimeout = 15 * time.Second

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

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	registrations, err := buildRegistrations(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "解析注册 scope 失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["registrations"] = len(cfg.Registrations)
		fields["generations"] = config.GenerationNames(cfg.Registrations)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化链路追踪失败: %v\n", err)
		return 1
	}

	// CLI 启动遵循“配置 → 缓存存储 → 网络客户端 → 容器 → Fiber server”顺序，
	// 所有 fetch 事件共享同一个存储与上游连接池。
	storage, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	client, err := network.NewClient(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化上游客户端失败: %v\n", err)
		return 1
	}

	container := host.NewContainer(storage, client, logger)
	handler, err := proxy.NewHandler(container, cfg.Global.Origin, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化代理失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["registrations"] = len(cfg.Registrations)
	fields["generations"] = config.GenerationNames(cfg.Registrations)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Origin:     cfg.Global.Origin,
		Fetch:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}
	routes.RegisterDiagnosticsRoutes(app, container)

	go registerAll(ctx, container, registrations, logger)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 服务关闭失败")
		}
	}()

	code := 0
	if err := startHTTPServer(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := container.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("等待未完成事件超时")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("链路追踪关闭失败")
	}
	return code
}

// buildRegistrations 把配置中的 Registration 转换为容器注册参数。
func buildRegistrations(cfg *config.Config) ([]host.RegistrationOptions, error) {
	result := make([]host.RegistrationOptions, 0, len(cfg.Registrations))
	for _, reg := range cfg.Registrations {
		s, err := scope.Resolve(cfg.ScopeURL(reg))
		if err != nil {
			return nil, fmt.Errorf("registration %s: %w", reg.Name, err)
		}
		result = append(result, host.RegistrationOptions{
			Name:           reg.Name,
			Scope:          s,
			Generation:     reg.GenerationName(),
			OfflineURLs:    append([]string(nil), reg.OfflineURLs...),
			BypassPrefixes: append([]string(nil), reg.BypassPrefixes...),
			HoldActivation: reg.HoldActivation,
		})
	}
	return result, nil
}

// registerAll 依次安装所有注册。安装失败不影响服务，请求将直接访问网络。
func registerAll(ctx context.Context, container *host.Container, regs []host.RegistrationOptions, logger *logrus.Logger) {
	for _, opts := range regs {
		fields := logrus.Fields{
			"action":       "register",
			"registration": opts.Name,
			"scope":        opts.Scope.String(),
			"generation":   opts.Generation,
		}
		if _, err := container.Register(ctx, opts); err != nil {
			logger.WithFields(fields).WithError(err).Warn("注册失败")
			continue
		}
		logger.WithFields(fields).Info("注册完成")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("melplay-shell", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MELPLAY_SHELL_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MELPLAY_SHELL_CONFIG")
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

func startHTTPServer(app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
