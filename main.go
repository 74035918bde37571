package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
	"github.com/any-hub/offline-hub/internal/worker"
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

const shutdownTimeout = 10 * time.Second

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

	if opts.checkOnly {
		fields := workerFields(logging.BaseFields("check_config", opts.configPath), cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, opts.configPath, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“磁盘缓存 → 上游网络 → 注册表 → Fiber server”顺序组装组件，
// 随后在后台完成首次注册，并监听配置变更以切换缓存版本。
func serve(ctx context.Context, configPath string, cfg *config.Config, logger *logrus.Logger) error {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return fmt.Errorf("解析 Origin 失败: %w", err)
	}
	upstream, err := url.Parse(cfg.Worker.Upstream)
	if err != nil {
		return fmt.Errorf("解析 Upstream 失败: %w", err)
	}

	network := proxy.NewUpstreamNetwork(server.NewUpstreamClient(cfg), origin, upstream)
	registration := worker.NewRegistration(logger)
	sup := newSupervisor(supervisorOptions{
		Registration:  registration,
		Storage:       store,
		Network:       network,
		Origin:        origin,
		Sync:          worker.DefaultSyncRegistry(logger),
		RetryInterval: cfg.Global.InstallRetryInterval.DurationValue(),
		Logger:        logger,
	})
	defer sup.stop()

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(registration, network, origin, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registration, store)

	sup.apply(ctx, cfg)
	watchConfig(ctx, configPath, cfg, sup, logger)

	fields := workerFields(logging.BaseFields("startup", configPath), cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return listen(ctx, app, cfg.Global.ListenPort, logger)
}

// watchConfig 仅热更新缓存代相关字段；端口、存储路径与 Origin/Upstream 需重启生效。
func watchConfig(ctx context.Context, path string, current *config.Config, sup *supervisor, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		if next.Global.ListenPort != current.Global.ListenPort ||
			next.Global.StoragePath != current.Global.StoragePath ||
			next.Worker.Origin != current.Worker.Origin ||
			next.Worker.Upstream != current.Worker.Upstream {
			logger.WithFields(logging.BaseFields("config_reload", path)).Warn("监听端口、存储路径或源站变更需重启后生效")
		}
		sup.apply(ctx, next)
	}, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", path)).WithError(err).Warn("配置热更新失败，继续使用旧配置")
	})
	if err != nil {
		logger.WithFields(logging.BaseFields("config_watch", path)).WithError(err).Warn("无法监听配置文件变更")
	}
}

func listen(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("关闭服务失败: %w", err)
	}
	logger.WithField("action", "shutdown").Info("Fiber 服务已停止")
	return nil
}

func workerFields(fields logrus.Fields, cfg *config.Config) logrus.Fields {
	names := worker.NamesFor(cfg.Worker.CachePrefix, cfg.Worker.CacheVersion)
	fields["origin"] = cfg.Worker.Origin
	fields["upstream"] = cfg.Worker.Upstream
	fields["static_cache"] = names.Static
	fields["dynamic_cache"] = names.Dynamic
	fields["manifest_size"] = len(cfg.Worker.StaticManifest)
	fields["activation_mode"] = cfg.Worker.ActivationMode
	return fields
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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
