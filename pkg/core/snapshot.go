package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"patchmirror/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

const (
	snapshotType    = "revision"
	snapshotVersion = 1

	// 上游 Manifest 通常有几万条记录，这里留足余量
	maxSnapshotAssets = 1 << 20
)

// 规范化 (Canonical) 编码选项
var encOptions = cbor.EncOptions{
	// 1. 强制 Map Key 排序，保证相同内容得到相同字节
	Sort: cbor.SortCanonical,
	// 2. 时间统一为 Unix 整数
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,
	// 3. 禁止不定长编码
	IndefLength: cbor.IndefLengthForbidden,
}

var em, _ = encOptions.EncMode()

// 解码选项：快照文件来自磁盘，依然按不可信数据处理
var decOptions = cbor.DecOptions{
	// --- 防 DoS ---
	MaxArrayElements: maxSnapshotAssets,
	MaxMapPairs:      1024,
	MaxNestedLevels:  16,

	// --- 严格性 ---
	IndefLength:       cbor.IndefLengthForbidden,
	DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	TimeTag:           cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// Snapshot 是 Revision 持久化到磁盘的形态 (revision.cbor)
// 它足以在重启时重建资源集合，而无需重新下载任何内容。
type Snapshot struct {
	TypeVal   string           `cbor:"t"`
	Version   int              `cbor:"v"`
	ID        types.RevisionID `cbor:"id"`
	CreatedAt int64            `cbor:"ts"`
	Assets    []Asset          `cbor:"a"`
}

// EncodeSnapshot 把 Revision 序列化为规范化 CBOR
func EncodeSnapshot(r *Revision) ([]byte, error) {
	snap := Snapshot{
		TypeVal:   snapshotType,
		Version:   snapshotVersion,
		ID:        r.ID(),
		CreatedAt: r.CreatedAt().Unix(),
		Assets:    r.Assets(),
	}
	data, err := em.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot 反序列化并校验快照，root 是该版本的存储目录
func DecodeSnapshot(data []byte, root string) (*Revision, error) {
	var snap Snapshot
	if err := dm.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	// 类型防御 (Defensive Check)
	if snap.TypeVal != snapshotType {
		return nil, fmt.Errorf("object is not a revision snapshot, got: %q", snap.TypeVal)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	for i, a := range snap.Assets {
		if a.Origin.IsZero() {
			// 旧格式没有 Origin 时，字节就在本版本目录下
			snap.Assets[i].Origin = snap.ID
		}
	}
	return newRevision(snap.ID, root, snap.Assets, time.Unix(snap.CreatedAt, 0).UTC())
}

// Digest 返回快照规范化编码的 SHA-256，用于展示和比对
func Digest(r *Revision) (string, error) {
	data, err := EncodeSnapshot(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
