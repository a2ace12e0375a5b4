// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"

	"patchmirror/pkg/config"
	"patchmirror/pkg/fetcher"
	"patchmirror/pkg/ignore"
	"patchmirror/pkg/meta"
	"patchmirror/pkg/patchinfo"
	"patchmirror/pkg/registry"
	"patchmirror/pkg/replica"
	"patchmirror/pkg/server"
	"patchmirror/pkg/storage"
	"patchmirror/pkg/storage/cache"
	"patchmirror/pkg/storage/disk"
	"patchmirror/pkg/storage/s3"
	"patchmirror/pkg/syncer"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有 "单例" 服务，CLI 命令只依赖它，不直接组装组件。
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  clockwork.Clock

	Store    *disk.Adapter
	Registry *registry.Registry
	Matcher  *ignore.Matcher
	Upstream syncer.PatchInfoSource
	Syncer   *syncer.Syncer

	// 可选组件，未配置时为 nil
	History *meta.Repository
	Redis   *redis.Client
	Replica *replica.Publisher

	transport fetcher.Transport
	closers   []func() error
}

type Option func(*App)

// WithSource 替换上游查询 (测试用)
func WithSource(src syncer.PatchInfoSource) Option {
	return func(a *App) { a.Upstream = src }
}

// WithTransport 替换下载通道 (测试用)
func WithTransport(t fetcher.Transport) Option {
	return func(a *App) { a.transport = t }
}

func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.Clock = c }
}

// NewLogger 按 log.* 配置构造 slog.Logger
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New 是工厂函数，负责组装这一台机器
// 它只读取校验过的 Config，不知道具体的 CLI 命令。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	// 中途失败时释放已经打开的资源
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// 1. 本地存储 + 登记表
	a.Store, err = disk.NewAdapter(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	a.Registry = registry.New(a.Store, logger)
	if _, err := a.Registry.InitAll(ctx); err != nil {
		return nil, err
	}

	// 2. 排除规则：配置 + <root>/.mirrorignore
	a.Matcher, err = ignore.NewMatcher(cfg.Sync.Exclude, filepath.Join(cfg.Storage.Root, ignore.IgnoreFile))
	if err != nil {
		return nil, fmt.Errorf("failed to compile exclude patterns: %w", err)
	}

	// 3. 上游
	if a.Upstream == nil {
		a.Upstream = patchinfo.NewClient(
			patchinfo.WithTimeout(cfg.Upstream.DialTimeout),
			patchinfo.WithLogger(logger),
		)
	}
	if a.transport == nil {
		a.transport = fetcher.NewHTTPTransport(nil)
	}

	// 4. 可选组件
	if err := a.initHistory(ctx); err != nil {
		return nil, err
	}
	if err := a.initRedis(ctx); err != nil {
		return nil, err
	}
	if err := a.initReplica(ctx); err != nil {
		return nil, err
	}

	// 5. 同步循环
	syncOpts := []syncer.Option{syncer.WithClock(a.Clock), syncer.WithLogger(logger)}
	if a.History != nil {
		syncOpts = append(syncOpts, syncer.WithHistory(a.History))
	}
	if a.Replica != nil {
		syncOpts = append(syncOpts, syncer.WithPublisher(a.Replica))
	}
	a.Syncer = syncer.New(syncer.Config{
		Host:     cfg.Upstream.Host,
		Port:     cfg.Upstream.Port,
		Interval: cfg.Sync.Interval,
	}, a.Upstream, a.Registry, a.newFetcher, syncOpts...)

	return a, nil
}

func (a *App) newFetcher(info *patchinfo.PatchInfo) (*fetcher.Fetcher, error) {
	return fetcher.New(info, a.Store, fetcher.Config{
		Concurrency:   a.Config.Sync.Concurrency,
		RetryAttempts: a.Config.Sync.RetryAttempts,
		RetryBackoff:  a.Config.Sync.RetryBackoff,
		VerifySize:    a.Config.Sync.VerifySize,
	},
		fetcher.WithTransport(a.transport),
		fetcher.WithMatcher(a.Matcher),
		fetcher.WithClock(a.Clock),
		fetcher.WithLogger(a.Logger),
	)
}

func (a *App) initHistory(ctx context.Context) error {
	if a.Config.History.Driver == meta.DriverNone {
		return nil
	}
	db, err := meta.NewDB(ctx, meta.Config{
		Driver: a.Config.History.Driver,
		DSN:    a.Config.History.DSN,
		Debug:  a.Config.History.Debug,
	})
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.History = meta.NewRepository(db)
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	if a.Config.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, client.Close)

	// Redis 只用于限流和缓存，启动时不可用只告警
	if err := client.Ping(ctx).Err(); err != nil {
		a.Logger.Warn("redis unreachable, continuing with local fallbacks", slog.Any("error", err))
	}
	a.Redis = client
	return nil
}

func (a *App) initReplica(ctx context.Context) error {
	rc := a.Config.Replica
	if !rc.Enabled() {
		return nil
	}
	adapter, err := s3.NewAdapter(ctx, s3.Config{
		Endpoint:        rc.Endpoint,
		Region:          rc.Region,
		Bucket:          rc.Bucket,
		Prefix:          rc.Prefix,
		AccessKeyID:     rc.AccessKeyID,
		SecretAccessKey: rc.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("failed to init replica: %w", err)
	}

	var remote storage.Store = adapter
	if a.Redis != nil {
		remote = cache.NewWithClient(adapter, a.Redis, a.Config.Redis.CacheTTL, a.Logger)
	}
	a.Replica = replica.NewPublisher(a.Store, remote, a.Logger)
	return nil
}

// Limiter 按配置选择进程内或 Redis 限流
func (a *App) Limiter() server.Limiter {
	rate := server.RateConfig{Limit: a.Config.Server.MaxRequests, Window: a.Config.Server.Window}
	if a.Redis != nil {
		return server.NewRedisLimiter(a.Redis, "", rate, a.Clock, a.Logger)
	}
	return server.NewMemoryLimiter(rate, a.Clock)
}

func (a *App) admission() server.AdmissionConfig {
	return server.AdmissionConfig{
		QueueDepth: a.Config.Server.QueueDepth,
		Limiter:    a.Limiter(),
		Timeout:    a.Config.Server.Timeout,
	}
}

// Handler 返回带准入控制的文件服务 Handler
func (a *App) Handler() http.Handler {
	return server.Admit(server.NewHandler(a.Registry, a.Logger), a.admission(), a.Logger)
}

// Health 文件服务可用 = 登记表可读；同步健康 = 尚未运行或最近一次成功
func (a *App) Health() (serving bool, syncing bool) {
	_, err := a.Registry.List()
	serving = err == nil

	st := a.Syncer.Status()
	syncing = st.Cycles == 0 || st.LastError == nil
	return serving, syncing
}

// Serve 在同一个 errgroup 中运行文件服务、管理端口和同步循环
// 端口在启动任何任务之前绑定，绑定失败直接返回，同步循环不会开始。
// 之后任意一个任务返回错误 (登记表损坏等) 都会让其余部分优雅退出。
func (a *App) Serve(ctx context.Context) error {
	// 1. 绑定端口
	httpLis, err := net.Listen("tcp", a.Config.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.Server.Listen, err)
	}
	var adminLis net.Listener
	if a.Config.Admin.Listen != "" {
		adminLis, err = net.Listen("tcp", a.Config.Admin.Listen)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", a.Config.Admin.Listen, err)
		}
	}

	// 2. 本进程独占存储目录，清理上次崩溃遗留的临时文件
	a.sweepPartials()

	// 3. 启动任务
	g, gctx := errgroup.WithContext(ctx)

	httpSrv := server.NewHTTPServer(a.Config.Server.Listen, a.Registry, a.admission(), a.Logger)
	g.Go(func() error { return httpSrv.Serve(gctx, httpLis) })

	if adminLis != nil {
		admin := server.NewAdminServer(a.Health, a.Clock, a.Logger)
		g.Go(func() error { return admin.Serve(gctx, adminLis) })
	}

	g.Go(func() error { return a.Syncer.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce 清理临时文件后执行一个同步周期 (sync 命令)
func (a *App) RunOnce(ctx context.Context) (*syncer.Result, error) {
	a.sweepPartials()
	return a.Syncer.RunOnce(ctx)
}

// sweepPartials 只在会下载的命令里调用
// 只读命令 (revisions / diff / export / history) 可能和运行中的 serve 共用目录，不能动它的临时文件。
func (a *App) sweepPartials() {
	if _, err := a.Registry.SweepPartials(); err != nil {
		a.Logger.Warn("failed to sweep partial files", slog.Any("error", err))
	}
}

// Close 按打开的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
