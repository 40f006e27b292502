package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/asmf/asmf-offline/internal/cache"
	"github.com/asmf/asmf-offline/internal/config"
	"github.com/asmf/asmf-offline/internal/logging"
	"github.com/asmf/asmf-offline/internal/proxy"
	"github.com/asmf/asmf-offline/internal/server"
	"github.com/asmf/asmf-offline/internal/server/routes"
	"github.com/asmf/asmf-offline/internal/version"
	"github.com/asmf/asmf-offline/internal/worker"
)

// configEnvVar 在未传入 --config 时指定配置文件路径。
const configEnvVar = "ASMF_OFFLINE_CONFIG"

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

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	warnUnseededOfflinePages(cfg, logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["caches"] = config.CacheNames(cfg.Sites)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → 站点注册表 → 缓存存储 → worker 安装/激活 → Fiber server。
	storage, err := cache.New(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	if closer, ok := storage.(io.Closer); ok {
		defer closer.Close()
	}

	httpClient := server.NewUpstreamClient(cfg)
	if err := bindWorkers(cfg, registry, storage, httpClient, logger); err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registerWorkers(ctx, registry, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["caches"] = config.CacheNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	if err := startHTTPServer(ctx, cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("asmf-offline", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
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

// bindWorkers 为每个站点挂载 worker 宿主；站点共享底层存储，但桶按站点名隔离。
func bindWorkers(cfg *config.Config, registry *server.SiteRegistry, storage cache.Storage, client *http.Client, logger *logrus.Logger) error {
	return registry.Bind(func(route *server.SiteRoute) (*worker.Registration, error) {
		return worker.NewRegistration(worker.Options{
			Site:        route.Config.Name,
			CacheName:   route.CacheName,
			Origin:      route.OriginURL,
			Precache:    route.Config.Precache,
			OfflinePage: route.Config.OfflinePage,
			SyncDelay:   cfg.Global.SyncDelay.DurationValue(),
			Storage:     cache.Scoped(storage, route.Config.Name),
			Network:     proxy.NewNetwork(client, route),
			Logger:      logger,
		})
	})
}

// registerWorkers 依次安装并激活各站点 worker；失败只记录日志，站点退化为直连回源，
// 可通过 POST /-/sw/install 重试。
func registerWorkers(ctx context.Context, registry *server.SiteRegistry, logger *logrus.Logger) {
	for _, route := range registry.Routes() {
		fields := logging.WorkerFields("sw_register", route.Config.Name, route.CacheName, "")
		w, err := route.Registration.Register(ctx)
		if err != nil {
			logger.WithFields(fields).WithError(err).Error("worker 注册失败，站点将直连回源")
			continue
		}
		fields["worker_id"] = w.ID()
		logger.WithFields(fields).Info("worker 已激活")
	}
}

func warnUnseededOfflinePages(cfg *config.Config, logger *logrus.Logger) {
	for _, site := range cfg.Sites {
		if site.OfflinePage == "" || site.OfflinePageSeeded() {
			continue
		}
		logger.WithFields(logrus.Fields{
			"action":       "check_offline_page",
			"site":         site.Name,
			"offline_page": site.OfflinePage,
		}).Warn("离线兜底页不在 Precache 中，断网导航将返回 502")
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, registry, logger)
	routes.RegisterSiteRoutes(app, registry)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
