package diff

import (
	"fmt"

	"patchmirror/pkg/core"
	"patchmirror/pkg/types"
)

// Diff 是候选版本与旧版本之间的四路划分
// 四个桶两两不相交，按路径取并集等于两侧路径的并集。
type Diff struct {
	New       []core.Asset // 只在候选中
	Changed   []core.Asset // 两侧都有，指纹不同 (候选侧的描述)
	Removed   []core.Asset // 只在旧版本中 (旧侧的描述)
	Unchanged []core.Asset // 两侧都有，指纹相同 (候选侧的描述，Origin 沿用旧侧)
}

// Compare 计算 candidate 相对 old 的差异
// old 为 nil 表示没有历史版本，全部视为新增。
// 空的 candidate 返回 ErrDiff：空清单绝不能被解释为“删除全部”。
// 纯函数，可以并发调用。
func Compare(candidate []core.Asset, old *core.Revision) (*Diff, error) {
	if len(candidate) == 0 {
		return nil, fmt.Errorf("%w: candidate contains no assets", core.ErrDiff)
	}

	d := &Diff{}
	seen := make(map[types.AssetPath]struct{}, len(candidate))

	// 1. 遍历候选，按路径查旧版本 (O(1) 查找，整体线性)
	for _, a := range candidate {
		if _, dup := seen[a.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q in candidate", core.ErrDiff, a.Path)
		}
		seen[a.Path] = struct{}{}

		var prev core.Asset
		var ok bool
		if old != nil {
			prev, ok = old.Asset(a.Path)
		}

		switch {
		case !ok:
			d.New = append(d.New, a)
		case !a.SameContent(prev):
			d.Changed = append(d.Changed, a)
		default:
			a.Origin = prev.Origin
			d.Unchanged = append(d.Unchanged, a)
		}
	}

	// 2. 旧版本中候选没有的路径
	if old != nil {
		for _, a := range old.Assets() {
			if _, ok := seen[a.Path]; !ok {
				d.Removed = append(d.Removed, a)
			}
		}
	}
	return d, nil
}

// CompareRevisions 比较两个已提交的版本
func CompareRevisions(candidate, old *core.Revision) (*Diff, error) {
	if candidate == nil {
		return nil, fmt.Errorf("%w: nil candidate", core.ErrDiff)
	}
	return Compare(candidate.Assets(), old)
}

// HasWork 表示是否有需要下载的内容
func (d *Diff) HasWork() bool {
	return len(d.New) > 0 || len(d.Changed) > 0
}

// Total 返回涉及的不同路径数
func (d *Diff) Total() int {
	return len(d.New) + len(d.Changed) + len(d.Removed) + len(d.Unchanged)
}

// Fetch 返回需要下载的资源 (新增 + 变更)，Origin 指向 id
func (d *Diff) Fetch(id types.RevisionID) []core.Asset {
	out := make([]core.Asset, 0, len(d.New)+len(d.Changed))
	for _, bucket := range [][]core.Asset{d.New, d.Changed} {
		for _, a := range bucket {
			a.Origin = id
			out = append(out, a)
		}
	}
	return out
}

// Materialize 返回候选版本的完整资源集合
// 新增和变更的字节存放在 id 目录下，未变化的沿用旧 Origin。
func (d *Diff) Materialize(id types.RevisionID) []core.Asset {
	out := d.Fetch(id)
	for _, a := range d.Unchanged {
		if a.Origin.IsZero() {
			a.Origin = id
		}
		out = append(out, a)
	}
	return out
}

func (d *Diff) String() string {
	return fmt.Sprintf("new=%d changed=%d removed=%d unchanged=%d",
		len(d.New), len(d.Changed), len(d.Removed), len(d.Unchanged))
}
