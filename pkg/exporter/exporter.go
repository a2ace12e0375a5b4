package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"

	"patchmirror/pkg/core"
	"patchmirror/pkg/registry"
	"patchmirror/pkg/storage"
	"patchmirror/pkg/storage/disk"
	"patchmirror/pkg/types"
)

// Exporter 把登记表中的版本还原成普通目录树 (<dest>/<asset path>)
// 资源字节可能分散在多个 Origin 目录，导出后是一份完整、独立的客户端文件布局。
type Exporter struct {
	reg *registry.Registry
}

func NewExporter(reg *registry.Registry) *Exporter {
	return &Exporter{reg: reg}
}

// Result 导出统计
type Result struct {
	Files   int
	Bytes   int64
	Missing []types.AssetPath // 字节尚未落盘的资源，跳过
}

// ExportFile 把单个资源写入 writer
func (e *Exporter) ExportFile(ctx context.Context, id types.RevisionID, p types.AssetPath, w io.Writer) (int64, error) {
	f, _, err := e.reg.Resolve(id, p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(w, storage.ContextReader{Ctx: ctx, R: f})
	if err != nil {
		return n, fmt.Errorf("failed to export %s/%s: %w", id, p, err)
	}
	return n, nil
}

// ExportRevision 把整个版本写到 dest 目录
// 每个文件原子写入；缺失的资源记录在 Result.Missing 中，不算错误。
func (e *Exporter) ExportRevision(ctx context.Context, id types.RevisionID, dest string) (*Result, error) {
	rev, err := e.reg.Get(id)
	if err != nil {
		return nil, err
	}
	out, err := disk.NewAdapter(dest)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, a := range rev.Assets() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := e.copyAsset(ctx, id, a, out)
		if errors.Is(err, core.ErrNotFound) {
			res.Missing = append(res.Missing, a.Path)
			continue
		}
		if err != nil {
			return res, err
		}
		res.Files++
		res.Bytes += n
	}
	return res, nil
}

func (e *Exporter) copyAsset(ctx context.Context, id types.RevisionID, a core.Asset, out *disk.Adapter) (int64, error) {
	f, _, err := e.reg.Resolve(id, a.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", core.ErrIO, a.Path, err)
	}
	if err := out.Put(ctx, a.Path.String(), f, info.Size()); err != nil {
		return 0, fmt.Errorf("failed to export %s: %w", a.Path, err)
	}
	return info.Size(), nil
}
