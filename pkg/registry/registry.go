// pkg/registry/registry.go
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"patchmirror/pkg/core"
	"patchmirror/pkg/storage"
	"patchmirror/pkg/storage/disk"
	"patchmirror/pkg/types"
)

const (
	// SnapshotFile 是每个版本目录下的元数据快照，最后写入
	SnapshotFile = "revision.cbor"
	// FilesDir 存放该版本下载的资源字节
	FilesDir = "files"
)

// SnapshotKey 返回版本快照的 storage key
func SnapshotKey(id types.RevisionID) string {
	return storage.Join(id.String(), SnapshotFile)
}

// AssetKey 返回资源字节所在的 storage key (按 Origin 定位)
func AssetKey(origin types.RevisionID, p types.AssetPath) string {
	return storage.Join(origin.String(), FilesDir, p.String())
}

// Registry 是进程内唯一的版本登记表 (RevisionStore)
// 读者 (Latest / Resolve / List) 之间互不阻塞，只会被持锁的写者短暂阻塞。
// sync.RWMutex 在有写者等待时会挡住新读者，写者不会被饿死。
type Registry struct {
	store  *disk.Adapter
	logger *slog.Logger

	// writeMu 串行化写者；耗时的磁盘写入在这把锁下完成，不占用 mu
	writeMu sync.Mutex

	mu        sync.RWMutex
	revisions map[types.RevisionID]*core.Revision
	latest    *core.Revision
	poisoned  error
}

// New 创建一个空的登记表
func New(store *disk.Adapter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		logger:    logger,
		revisions: make(map[types.RevisionID]*core.Revision),
	}
}

// RevisionRoot 返回某个版本的存储目录
func (r *Registry) RevisionRoot(id types.RevisionID) string {
	return filepath.Join(r.store.Root(), id.String())
}

// Store 暴露底层磁盘适配器 (下载器写入同一个布局)
func (r *Registry) Store() *disk.Adapter { return r.store }

// InitAll 扫描磁盘上的版本目录并重建内存登记表，不会重新下载任何内容
// 根目录不可读是致命错误 (ErrIO)；单个损坏或未提交的目录只记录日志并跳过。
// 只读：不会删除或改写磁盘上的任何文件，临时文件的清理见 SweepPartials。
func (r *Registry) InitAll(ctx context.Context) (int, error) {
	dirs, err := r.store.Dirs()
	if err != nil {
		return 0, fmt.Errorf("failed to scan storage root %s: %w", r.store.Root(), err)
	}

	loaded := make([]*core.Revision, 0, len(dirs))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		id := types.RevisionID(dir)
		if !id.IsValid() {
			continue
		}

		// 读取快照
		rev, err := r.loadSnapshot(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			// 没有快照 = 上次同步在提交前中断，目录里的文件对外不可见
			r.logger.Warn("skipping uncommitted revision directory", "revision", dir)
			continue
		}
		if err != nil {
			r.logger.Warn("skipping unreadable revision snapshot", "revision", dir, "error", err)
			continue
		}
		loaded = append(loaded, rev)
	}

	if err := r.withWrite(func() {
		for _, rev := range loaded {
			r.addLocked(rev)
		}
	}); err != nil {
		return 0, err
	}

	r.logger.Info("revision registry loaded", "root", r.store.Root(), "revisions", len(loaded))
	return len(loaded), nil
}

// SweepPartials 删除所有版本目录下遗留的 .partial- 临时文件，返回删除数量
// 调用方必须是该存储目录唯一的下载者，否则会删掉其它进程正在写入的文件。
func (r *Registry) SweepPartials() (int, error) {
	dirs, err := r.store.Dirs()
	if err != nil {
		return 0, fmt.Errorf("failed to scan storage root %s: %w", r.store.Root(), err)
	}

	total := 0
	var errs []error
	for _, dir := range dirs {
		if !types.RevisionID(dir).IsValid() {
			continue
		}
		n, err := r.store.SweepPartials(dir)
		total += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			r.logger.Info("removed partial downloads", "revision", dir, "count", n)
		}
	}
	return total, errors.Join(errs...)
}

func (r *Registry) loadSnapshot(ctx context.Context, id types.RevisionID) (*core.Revision, error) {
	rc, err := r.store.Get(ctx, SnapshotKey(id))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	rev, err := core.DecodeSnapshot(data, r.RevisionRoot(id))
	if err != nil {
		return nil, err
	}
	if rev.ID() != id {
		return nil, fmt.Errorf("snapshot id %q does not match directory %q", rev.ID(), id)
	}
	return rev, nil
}

// Latest 返回按版本序最大的 Revision；登记表为空时返回 nil
func (r *Registry) Latest() (*core.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.poisoned != nil {
		return nil, r.poisoned
	}
	return r.latest, nil
}

// Get 按 ID 查找
func (r *Registry) Get(id types.RevisionID) (*core.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.poisoned != nil {
		return nil, r.poisoned
	}
	rev, ok := r.revisions[id]
	if !ok {
		return nil, fmt.Errorf("revision %s: %w", id, core.ErrNotFound)
	}
	return rev, nil
}

// List 返回所有版本 ID，按版本序升序
func (r *Registry) List() ([]types.RevisionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.poisoned != nil {
		return nil, r.poisoned
	}
	ids := make([]types.RevisionID, 0, len(r.revisions))
	for id := range r.revisions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids, nil
}

// Insert 提交一个新版本：先原子写入快照，再加入内存登记表
// 已存在的 ID 视为 no-op (幂等)，返回 false。
func (r *Registry) Insert(ctx context.Context, rev *core.Revision) (bool, error) {
	if rev == nil {
		return false, errors.New("nil revision")
	}

	// 1. 写者之间串行
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	// 2. 幂等检查
	if existing, err := r.Get(rev.ID()); err == nil && existing != nil {
		return false, nil
	} else if errors.Is(err, core.ErrLock) {
		return false, err
	}

	// 3. 持久化快照 (write-then-rename)，此时读者完全不受影响
	data, err := core.EncodeSnapshot(rev)
	if err != nil {
		return false, err
	}
	if err := r.store.Put(ctx, SnapshotKey(rev.ID()), bytes.NewReader(data), int64(len(data))); err != nil {
		return false, fmt.Errorf("failed to persist snapshot for %s: %w", rev.ID(), err)
	}

	// 4. 短暂持有写锁，更新内存视图
	if err := r.withWrite(func() { r.addLocked(rev) }); err != nil {
		return false, err
	}
	return true, nil
}

// addLocked 调用方必须持有 mu 写锁
func (r *Registry) addLocked(rev *core.Revision) {
	if _, ok := r.revisions[rev.ID()]; ok {
		return
	}
	r.revisions[rev.ID()] = rev
	if r.latest == nil || r.latest.ID().Less(rev.ID()) {
		r.latest = rev
	}
}

// withWrite 在写锁内执行 fn
// 临界区内 panic 意味着共享状态可能只更新了一半：登记表被标记为损坏，之后所有操作返回 ErrLock。
func (r *Registry) withWrite(fn func()) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.poisoned != nil {
		return r.poisoned
	}
	defer func() {
		if p := recover(); p != nil {
			r.poisoned = fmt.Errorf("%w: panic during update: %v", core.ErrLock, p)
			err = r.poisoned
		}
	}()
	fn()
	return nil
}

// Resolve 把 (版本, 相对路径) 解析为可读的文件句柄
// 版本不存在、路径不在该版本里、或字节尚未落盘，统一返回 ErrNotFound。
func (r *Registry) Resolve(id types.RevisionID, p types.AssetPath) (*os.File, core.Asset, error) {
	rev, err := r.Get(id)
	if err != nil {
		return nil, core.Asset{}, err
	}
	asset, ok := rev.Asset(p)
	if !ok {
		return nil, core.Asset{}, fmt.Errorf("%s/%s: %w", id, p, core.ErrNotFound)
	}

	f, err := r.store.Open(AssetKey(asset.Origin, asset.Path))
	if err != nil {
		return nil, core.Asset{}, err
	}
	return f, asset, nil
}

// Missing 列出某个版本中字节尚未落盘的资源 (上次下载失败的)
func (r *Registry) Missing(ctx context.Context, rev *core.Revision) ([]core.Asset, error) {
	if rev == nil {
		return nil, nil
	}
	return r.MissingAssets(ctx, rev.Assets())
}

// MissingAssets 列出 assets 中 Origin 目录下没有字节的资源
func (r *Registry) MissingAssets(ctx context.Context, assets []core.Asset) ([]core.Asset, error) {
	var missing []core.Asset
	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := r.store.Has(ctx, AssetKey(a.Origin, a.Path))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, a)
		}
	}
	return missing, nil
}
