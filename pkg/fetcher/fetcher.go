package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"patchmirror/pkg/core"
	"patchmirror/pkg/ignore"
	"patchmirror/pkg/manifest"
	"patchmirror/pkg/patchinfo"
	"patchmirror/pkg/registry"
	"patchmirror/pkg/storage/disk"
	"patchmirror/pkg/types"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config 控制下载行为
type Config struct {
	Concurrency   int           // 同时进行中的传输上限，必须 >= 1
	RetryAttempts int           // 单个资源的最大尝试次数，<= 0 时按 1 处理
	RetryBackoff  time.Duration // 首次重试前的等待，之后每次翻倍
	VerifySize    bool          // 校验写入字节数与清单中的 Size 一致
}

// DefaultConfig 与命令行默认值一致
func DefaultConfig() Config {
	return Config{
		Concurrency:   2,
		RetryAttempts: 3,
		RetryBackoff:  500 * time.Millisecond,
		VerifySize:    true,
	}
}

// Fetcher 负责一个上游版本的清单获取与资源下载
type Fetcher struct {
	info      *patchinfo.PatchInfo
	store     *disk.Adapter
	cfg       Config
	transport Transport
	matcher   *ignore.Matcher
	clock     clockwork.Clock
	logger    *slog.Logger

	// sem 是传输许可池，所有批次共享，保证任意时刻进行中的传输不超过 Concurrency
	sem *semaphore.Weighted

	mu     sync.RWMutex
	assets map[types.AssetPath]core.Asset
}

type Option func(*Fetcher)

func WithTransport(t Transport) Option {
	return func(f *Fetcher) { f.transport = t }
}

func WithMatcher(m *ignore.Matcher) Option {
	return func(f *Fetcher) { f.matcher = m }
}

func WithClock(c clockwork.Clock) Option {
	return func(f *Fetcher) { f.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New 创建 Fetcher
// Concurrency < 1 是配置错误 (ErrConfig)。
func New(info *patchinfo.PatchInfo, store *disk.Adapter, cfg Config, opts ...Option) (*Fetcher, error) {
	if info == nil || store == nil {
		return nil, errors.New("fetcher requires patch info and a store")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("%w: download concurrency must be >= 1, got %d", core.ErrConfig, cfg.Concurrency)
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	f := &Fetcher{
		info:      info,
		store:     store,
		cfg:       cfg,
		transport: NewHTTPTransport(nil),
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(slog.String("revision", info.Revision.String()))
	return f, nil
}

// Info 返回目标版本信息
func (f *Fetcher) Info() *patchinfo.PatchInfo { return f.info }

// =============================================================================
// 清单
// =============================================================================

// FetchManifest 下载并解析清单，应用排除规则
// 结果同时缓存为 path -> Asset 映射 (见 Assets)。
func (f *Fetcher) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	// 1. 下载
	body, _, err := f.transport.Open(ctx, f.info.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer body.Close()

	// 2. 解析 (不可信输入)
	m, err := manifest.Parse(body)
	if err != nil {
		// 读取过程中的网络错误也会表现为解析失败，保留 ctx 的原因
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: manifest download interrupted: %w", core.ErrNetwork, ctxErr)
		}
		return nil, err
	}

	if len(m.Duplicates) > 0 {
		f.logger.Warn("manifest contains duplicate paths, first occurrence kept",
			slog.Int("count", len(m.Duplicates)),
			slog.String("first", m.Duplicates[0].String()),
		)
	}

	// 3. 排除规则
	kept, excluded := f.matcher.Filter(m.Assets)
	if excluded > 0 {
		f.logger.Info("assets excluded by rules", slog.Int("count", excluded))
	}
	m.Assets = kept

	f.mu.Lock()
	f.assets = m.Index()
	f.mu.Unlock()

	f.logger.Info("manifest fetched",
		slog.Int("assets", len(m.Assets)),
		slog.Int("tables", m.Tables),
	)
	return m, nil
}

// Assets 返回最近一次 FetchManifest 的结果 (副本)
func (f *Fetcher) Assets() map[types.AssetPath]core.Asset {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[types.AssetPath]core.Asset, len(f.assets))
	for k, v := range f.assets {
		out[k] = v
	}
	return out
}

// =============================================================================
// 下载
// =============================================================================

// Failure 记录一个最终失败的资源
type Failure struct {
	Asset core.Asset
	Err   error
}

// Report 是一批下载的结果
// 尽力而为：单个资源失败不影响其它资源，失败项全部记录在 Failed 中。
type Report struct {
	Requested  int
	Downloaded []types.AssetPath
	Failed     []Failure
	Bytes      int64
}

// OK 表示整批全部成功
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// FailedPaths 返回失败资源的路径
func (r *Report) FailedPaths() []string {
	out := make([]string, 0, len(r.Failed))
	for _, fail := range r.Failed {
		out = append(out, fail.Asset.Path.String())
	}
	return out
}

// DownloadAssets 下载 list 中的资源
// 任意时刻进行中的传输不超过 Concurrency；超出的请求在许可池上挂起等待。
// 每个资源先写临时文件，成功后原子 Rename 到 <Origin>/files/<path>。
func (f *Fetcher) DownloadAssets(ctx context.Context, list []core.Asset) *Report {
	report := &Report{Requested: len(list)}
	if len(list) == 0 {
		return report
	}

	var mu sync.Mutex
	record := func(a core.Asset, written int64, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failed = append(report.Failed, Failure{Asset: a, Err: err})
			return
		}
		report.Downloaded = append(report.Downloaded, a.Path)
		report.Bytes += written
	}

	start := f.clock.Now()
	var g errgroup.Group
	for i, a := range list {
		if a.Origin.IsZero() {
			a.Origin = f.info.Revision
		}

		// 1. 获取许可 (阻塞直到有空位)
		if err := f.sem.Acquire(ctx, 1); err != nil {
			// ctx 已取消，剩余资源全部记为失败
			for _, rest := range list[i:] {
				record(rest, 0, fmt.Errorf("%w: %s: %w", core.ErrDownload, rest.Path, err))
			}
			break
		}

		// 2. 在许可内完成传输 (含重试)
		g.Go(func() error {
			defer f.sem.Release(1)
			written, err := f.downloadWithRetry(ctx, a)
			record(a, written, err)
			return nil
		})
	}
	_ = g.Wait()

	f.logger.Info("download batch finished",
		slog.Int("requested", report.Requested),
		slog.Int("downloaded", len(report.Downloaded)),
		slog.Int("failed", len(report.Failed)),
		slog.Int64("bytes", report.Bytes),
		slog.Duration("elapsed", f.clock.Since(start)),
	)
	return report
}

func (f *Fetcher) downloadWithRetry(ctx context.Context, a core.Asset) (int64, error) {
	backoff := f.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= f.cfg.RetryAttempts; attempt++ {
		written, err := f.downloadOnce(ctx, a)
		if err == nil {
			return written, nil
		}
		lastErr = err

		// 不可重试：ctx 结束，或上游明确表示不存在
		if ctx.Err() != nil || errors.Is(err, core.ErrNotFound) || attempt == f.cfg.RetryAttempts {
			break
		}

		f.logger.Warn("asset download failed, retrying",
			slog.String("path", a.Path.String()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		if backoff > 0 {
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: %s: %w", core.ErrDownload, a.Path, ctx.Err())
			case <-f.clock.After(backoff):
			}
			backoff *= 2
		}
	}

	f.logger.Error("asset download failed",
		slog.String("path", a.Path.String()),
		slog.Any("error", lastErr),
	)
	return 0, fmt.Errorf("%w: %s: %w", core.ErrDownload, a.Path, lastErr)
}

func (f *Fetcher) downloadOnce(ctx context.Context, a core.Asset) (int64, error) {
	body, _, err := f.transport.Open(ctx, f.assetURL(a.Path))
	if err != nil {
		return 0, err
	}
	defer body.Close()

	// 压缩资源在传输时的长度与清单 Size 不一定一致，只校验未压缩的
	size := int64(-1)
	if f.cfg.VerifySize && !a.Flags.Compressed {
		size = a.Size
	}

	counter := &countingReader{r: body}
	if err := f.store.Put(ctx, registry.AssetKey(a.Origin, a.Path), counter, size); err != nil {
		return 0, err
	}
	return counter.n, nil
}

// assetURL 把相对路径逐段转义后拼到下载前缀上
func (f *Fetcher) assetURL(p types.AssetPath) string {
	segs := strings.Split(p.String(), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return f.info.FileBaseURL + strings.Join(segs, "/")
}
