package core

import "patchmirror/pkg/types"

// Flags 描述资源的可选传输属性
// 缺省值 (零值) 表示普通的未压缩文件。
type Flags struct {
	Compressed bool   `cbor:"c"` // CompressedHeaderSize > 0
	HeaderSize int64  `cbor:"h"`
	FileType   uint32 `cbor:"t"`
}

// Asset 是 Manifest 中的一条资源描述 (AssetDescriptor)
type Asset struct {
	Path        types.AssetPath   `cbor:"p"` // Revision 内唯一
	Fingerprint types.Fingerprint `cbor:"f"`
	Size        int64             `cbor:"s"`
	Flags       Flags             `cbor:"fl"`

	// Origin 指向实际存放字节的 Revision 目录
	// 新增/变更的资源指向自己所在的 Revision，未变化的资源沿用旧 Revision 的 Origin。
	Origin types.RevisionID `cbor:"o"`
}

// SameContent 只比较指纹，与 Size 无关
func (a Asset) SameContent(other Asset) bool {
	return a.Fingerprint == other.Fingerprint
}
