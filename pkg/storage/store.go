package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"patchmirror/pkg/core"
)

var (
	// ErrNotFound 包装 core.ErrNotFound，调用方两种判断方式都可用
	ErrNotFound = core.ErrNotFound
	// ErrSizeMismatch 写入的字节数与声明的不一致 (截断或多余)
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrInvalidKey key 不是安全的相对路径
	ErrInvalidKey = errors.New("invalid storage key")
)

// Store defines the interface for a storage backend.
// Key 统一使用 '/' 分隔的相对路径，例如 "V_r1.Wizard/files/Data/Root.wad"。
type Store interface {
	// Put 原子地写入对象：要么完整可见，要么完全不可见
	// size >= 0 时会校验写入字节数，不一致则放弃本次写入。
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get 读取对象。返回 io.ReadCloser 以支持大文件流式读取
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Has 检查对象是否存在
	Has(ctx context.Context, key string) (bool, error)
}

// Join 拼接 key 片段
func Join(parts ...string) string {
	return path.Join(parts...)
}

// ValidKey 拒绝绝对路径、".." 以及空片段，防止路径穿越
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) || strings.ContainsRune(key, 0) {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// ContextReader 在每次 Read 前检查 ctx，使拷贝可以被取消
type ContextReader struct {
	Ctx context.Context
	R   io.Reader
}

func (c ContextReader) Read(p []byte) (int, error) {
	if err := c.Ctx.Err(); err != nil {
		return 0, err
	}
	return c.R.Read(p)
}
