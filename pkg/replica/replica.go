package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"patchmirror/pkg/core"
	"patchmirror/pkg/registry"
	"patchmirror/pkg/storage"
	"patchmirror/pkg/storage/disk"
)

// Publisher 把新提交的版本复制到远端存储 (例如 S3)
// 布局与本地一致：<revision>/files/<path> 和 <revision>/revision.cbor，
// 快照最后上传，远端读者看到快照时字节已经就位。
type Publisher struct {
	local  *disk.Adapter
	remote storage.Store
	logger *slog.Logger
}

func NewPublisher(local *disk.Adapter, remote storage.Store, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{local: local, remote: remote, logger: logger}
}

// Publish 上传 assets 的字节 (按 Origin 定位) 以及 rev 的快照
// 远端已存在的对象跳过；本地缺失的资源 (下载失败) 跳过并计数。
func (p *Publisher) Publish(ctx context.Context, rev *core.Revision, assets []core.Asset) (int, error) {
	uploaded, skipped := 0, 0

	// 1. 资源字节
	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		key := registry.AssetKey(a.Origin, a.Path)

		exists, err := p.remote.Has(ctx, key)
		if err != nil {
			return uploaded, fmt.Errorf("replica check %s: %w", key, err)
		}
		if exists {
			continue
		}

		ok, err := p.copyOne(ctx, key)
		if err != nil {
			return uploaded, err
		}
		if !ok {
			skipped++
			continue
		}
		uploaded++
	}

	// 2. 快照最后上传
	data, err := core.EncodeSnapshot(rev)
	if err != nil {
		return uploaded, err
	}
	if err := p.remote.Put(ctx, registry.SnapshotKey(rev.ID()), bytes.NewReader(data), int64(len(data))); err != nil {
		return uploaded, fmt.Errorf("replica snapshot %s: %w", rev.ID(), err)
	}

	p.logger.Info("revision replicated",
		slog.String("revision", rev.ID().String()),
		slog.Int("uploaded", uploaded),
		slog.Int("skipped", skipped),
	)
	return uploaded, nil
}

func (p *Publisher) copyOne(ctx context.Context, key string) (bool, error) {
	f, err := p.local.Open(key)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	if err := p.remote.Put(ctx, key, f, info.Size()); err != nil {
		return false, fmt.Errorf("replica upload %s: %w", key, err)
	}
	return true, nil
}
