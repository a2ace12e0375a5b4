package core

import (
	"fmt"
	"sort"
	"time"

	"patchmirror/pkg/types"
)

// Revision 是某一时刻上游完整资源集合的不可变快照
// 构造之后不再修改；身份与相等性只看 ID。
type Revision struct {
	id        types.RevisionID
	root      string // 该版本的存储目录，例如 data/V_r776393.Wizard_1_520
	createdAt time.Time

	assets map[types.AssetPath]Asset
	order  []types.AssetPath // 按路径排序，保证遍历顺序稳定
}

// NewRevision 创建一个新的 Revision
// assets 中不允许出现重复路径 (Manifest 解析阶段已经去重)。
func NewRevision(id types.RevisionID, root string, assets []Asset) (*Revision, error) {
	return newRevision(id, root, assets, time.Now().UTC())
}

func newRevision(id types.RevisionID, root string, assets []Asset, createdAt time.Time) (*Revision, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("invalid revision id %q", id)
	}

	r := &Revision{
		id:        id,
		root:      root,
		createdAt: createdAt,
		assets:    make(map[types.AssetPath]Asset, len(assets)),
		order:     make([]types.AssetPath, 0, len(assets)),
	}
	for _, a := range assets {
		if _, dup := r.assets[a.Path]; dup {
			return nil, fmt.Errorf("revision %s: duplicate asset path %q", id, a.Path)
		}
		r.assets[a.Path] = a
		r.order = append(r.order, a.Path)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r, nil
}

func (r *Revision) ID() types.RevisionID { return r.id }
func (r *Revision) Root() string         { return r.root }
func (r *Revision) CreatedAt() time.Time { return r.createdAt }
func (r *Revision) Len() int             { return len(r.order) }

// Asset 按路径查找资源
func (r *Revision) Asset(p types.AssetPath) (Asset, bool) {
	a, ok := r.assets[p]
	return a, ok
}

// Assets 返回按路径排序的副本，调用方可以随意修改
func (r *Revision) Assets() []Asset {
	out := make([]Asset, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.assets[p])
	}
	return out
}

// TotalSize 返回所有资源的逻辑大小之和
func (r *Revision) TotalSize() int64 {
	var total int64
	for _, a := range r.assets {
		total += a.Size
	}
	return total
}

// Equal 只比较 ID
func (r *Revision) Equal(other *Revision) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.id == other.id
}
