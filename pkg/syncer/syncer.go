package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"patchmirror/pkg/core"
	"patchmirror/pkg/diff"
	"patchmirror/pkg/fetcher"
	"patchmirror/pkg/meta"
	"patchmirror/pkg/patchinfo"
	"patchmirror/pkg/registry"
	"patchmirror/pkg/types"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval 是两次同步之间的等待 (8 小时)
const DefaultInterval = 8 * time.Hour

// PatchInfoSource 查询上游最新版本
type PatchInfoSource interface {
	FetchLatest(ctx context.Context, host string, port int) (*patchinfo.PatchInfo, error)
}

// FetcherFactory 为一个上游版本创建 Fetcher
type FetcherFactory func(info *patchinfo.PatchInfo) (*fetcher.Fetcher, error)

// History 记录同步历史，可选
type History interface {
	RecordRun(ctx context.Context, run *meta.SyncRun) error
	IndexRevision(ctx context.Context, rec *meta.RevisionRecord) error
}

// Publisher 把提交后的版本复制到远端，可选
type Publisher interface {
	Publish(ctx context.Context, rev *core.Revision, assets []core.Asset) (int, error)
}

// Config 同步参数
type Config struct {
	Host     string
	Port     int
	Interval time.Duration
}

// Result 是一个同步周期的结果
type Result struct {
	Revision    types.RevisionID
	Diff        *diff.Diff // 上游版本已提交过时为 nil
	Downloaded  int
	Failed      int
	FailedPaths []string
	Bytes       int64
	Committed   bool
	StartedAt   time.Time
	Duration    time.Duration
}

// Status 是同步状态的快照，供健康检查使用
type Status struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastResult  *Result
	LastError   error
	Cycles      int
}

// Syncer 驱动 获取 -> 比较 -> 下载 -> 提交 -> 休眠 的周期
type Syncer struct {
	cfg        Config
	source     PatchInfoSource
	registry   *registry.Registry
	newFetcher FetcherFactory

	history   History
	publisher Publisher
	clock     clockwork.Clock
	logger    *slog.Logger

	mu     sync.RWMutex
	status Status
}

type Option func(*Syncer)

func WithHistory(h History) Option {
	return func(s *Syncer) { s.history = h }
}

func WithPublisher(p Publisher) Option {
	return func(s *Syncer) { s.publisher = p }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建 Syncer
func New(cfg Config, source PatchInfoSource, reg *registry.Registry, newFetcher FetcherFactory, opts ...Option) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Syncer{
		cfg:        cfg,
		source:     source,
		registry:   reg,
		newFetcher: newFetcher,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status 返回最近一次周期的状态
func (s *Syncer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run 无限循环执行同步周期，直到 ctx 结束
// 单个周期的失败只记录日志，下一周期照常开始；只有 ErrLock (共享状态损坏) 会终止循环。
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("sync loop started",
		slog.String("upstream", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)),
		slog.Duration("interval", s.cfg.Interval),
	)

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, core.ErrLock) {
				s.logger.Error("registry corrupted, stopping sync loop", slog.Any("error", err))
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("sync cycle failed", slog.Any("error", err))
		}

		// 休眠是周期之间唯一的让出点
		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopped")
			return nil
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}

// RunOnce 执行一个同步周期
// 失败时登记表保持上一个完好的状态。
func (s *Syncer) RunOnce(ctx context.Context) (*Result, error) {
	res := &Result{StartedAt: s.clock.Now()}

	err := s.cycle(ctx, res)
	res.Duration = s.clock.Since(res.StartedAt)

	s.mu.Lock()
	s.status.Cycles++
	s.status.LastAttempt = res.StartedAt
	s.status.LastError = err
	if err == nil {
		s.status.LastSuccess = res.StartedAt
		s.status.LastResult = res
	}
	s.mu.Unlock()

	s.recordRun(ctx, res, err)
	return res, err
}

func (s *Syncer) cycle(ctx context.Context, res *Result) error {
	// 1. 上游最新版本
	info, err := s.source.FetchLatest(ctx, s.cfg.Host, s.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to fetch patch info: %w", err)
	}
	res.Revision = info.Revision
	logger := s.logger.With(slog.String("revision", info.Revision.String()))

	f, err := s.newFetcher(info)
	if err != nil {
		return err
	}

	// 2. 上游版本已经提交过：只补下载缺失的资源
	if existing, err := s.registry.Get(info.Revision); err == nil {
		logger.Info("revision already mirrored, checking for missing assets")
		return s.repair(ctx, f, existing, res)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}

	// 3. 清单 -> 候选资源集合
	m, err := f.FetchManifest(ctx)
	if err != nil {
		return err
	}

	latest, err := s.registry.Latest()
	if err != nil {
		return err
	}

	// 4. 比较
	d, err := diff.Compare(m.Assets, latest)
	if err != nil {
		return err
	}
	res.Diff = d
	logger.Info("revision found", slog.String("diff", d.String()))

	// 5. 需要下载的 = 新增 + 变更 + 旧版本中字节缺失的未变化资源
	candidate := d.Materialize(info.Revision)
	todo := d.Fetch(info.Revision)
	if missing, err := s.missingUnchanged(ctx, d); err != nil {
		return err
	} else if len(missing) > 0 {
		logger.Info("re-fetching assets missing from previous revisions", slog.Int("count", len(missing)))
		for i := range candidate {
			if _, ok := missing[candidate[i].Path]; ok {
				candidate[i].Origin = info.Revision
				todo = append(todo, candidate[i])
			}
		}
	}

	if len(todo) > 0 {
		report := f.DownloadAssets(ctx, todo)
		applyReport(res, report)
		if err := ctx.Err(); err != nil {
			// 关停过程中不提交不完整的版本
			return err
		}
	}

	// 6. 提交
	rev, err := core.NewRevision(info.Revision, s.registry.RevisionRoot(info.Revision), candidate)
	if err != nil {
		return err
	}
	inserted, err := s.registry.Insert(ctx, rev)
	if err != nil {
		return err
	}
	res.Committed = inserted
	if !inserted {
		return nil
	}
	logger.Info("revision committed",
		slog.Int("assets", rev.Len()),
		slog.Int("downloaded", res.Downloaded),
		slog.Int("failed", res.Failed),
	)

	s.afterCommit(ctx, rev, todo, info, logger)
	return nil
}

// repair 下载已提交版本中字节缺失的资源 (上次失败的)，不修改版本本身
func (s *Syncer) repair(ctx context.Context, f *fetcher.Fetcher, rev *core.Revision, res *Result) error {
	missing, err := s.registry.Missing(ctx, rev)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	report := f.DownloadAssets(ctx, missing)
	applyReport(res, report)
	if s.publisher != nil && len(report.Downloaded) > 0 {
		if _, err := s.publisher.Publish(ctx, rev, missing); err != nil {
			s.logger.Warn("replica publish failed", slog.Any("error", err))
		}
	}
	return nil
}

// missingUnchanged 找出未变化但 Origin 目录中字节缺失的资源
func (s *Syncer) missingUnchanged(ctx context.Context, d *diff.Diff) (map[types.AssetPath]struct{}, error) {
	if len(d.Unchanged) == 0 {
		return nil, nil
	}
	list, err := s.registry.MissingAssets(ctx, d.Unchanged)
	if err != nil {
		return nil, err
	}
	out := make(map[types.AssetPath]struct{}, len(list))
	for _, a := range list {
		out[a.Path] = struct{}{}
	}
	return out, nil
}

// afterCommit 执行提交后的可选步骤，失败只记录日志
func (s *Syncer) afterCommit(ctx context.Context, rev *core.Revision, uploaded []core.Asset, info *patchinfo.PatchInfo, logger *slog.Logger) {
	if s.publisher != nil {
		if _, err := s.publisher.Publish(ctx, rev, uploaded); err != nil {
			logger.Warn("replica publish failed", slog.Any("error", err))
		}
	}
	if s.history != nil {
		err := s.history.IndexRevision(ctx, &meta.RevisionRecord{
			ID:          rev.ID().String(),
			Assets:      rev.Len(),
			TotalSize:   rev.TotalSize(),
			ManifestURL: info.ManifestURL,
			CommittedAt: rev.CreatedAt(),
		})
		if err != nil {
			logger.Warn("failed to index revision", slog.Any("error", err))
		}
	}
}

func (s *Syncer) recordRun(ctx context.Context, res *Result, cycleErr error) {
	if s.history == nil {
		return
	}

	run := &meta.SyncRun{
		Revision:   res.Revision.String(),
		StartedAt:  res.StartedAt,
		DurationMs: res.Duration.Milliseconds(),
		Downloaded: res.Downloaded,
		Failed:     res.Failed,
		Bytes:      res.Bytes,
	}
	switch {
	case cycleErr != nil:
		run.Status = meta.StatusFailed
		run.Error = cycleErr.Error()
	case res.Committed:
		run.Status = meta.StatusCommitted
	default:
		run.Status = meta.StatusUnchanged
	}
	if res.Diff != nil {
		run.NewAssets = len(res.Diff.New)
		run.ChangedAssets = len(res.Diff.Changed)
		run.RemovedAssets = len(res.Diff.Removed)
		run.UnchangedAssets = len(res.Diff.Unchanged)
	}
	if paths, err := meta.EncodePaths(res.FailedPaths); err == nil {
		run.FailedPaths = paths
	}

	// 关停时 ctx 可能已取消，历史记录仍然要写
	if err := s.history.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record sync run", slog.Any("error", err))
	}
}

func applyReport(res *Result, report *fetcher.Report) {
	res.Downloaded += len(report.Downloaded)
	res.Failed += len(report.Failed)
	res.Bytes += report.Bytes
	res.FailedPaths = append(res.FailedPaths, report.FailedPaths()...)
}
