package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"patchmirror/pkg/core"
	"patchmirror/pkg/storage"
)

// PartialPrefix 是下载中临时文件的前缀，这类文件永远不会被解析为资源
const PartialPrefix = ".partial-"

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	rootPath string // 比如: /srv/mirror/data
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w: %w", core.ErrIO, err)
	}
	return &Adapter{rootPath: root}, nil
}

// Root 返回根目录
func (s *Adapter) Root() string { return s.rootPath }

// layout 返回 key 对应的物理路径
// Example: "V_r1/files/Data/Root.wad" -> root/V_r1/files/Data/Root.wad
func (s *Adapter) layout(key string) (string, error) {
	if !storage.ValidKey(key) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	return filepath.Join(s.rootPath, filepath.FromSlash(key)), nil
}

// Put 原子写入 (Atomic Write)
// 技巧：先写到同目录下的临时文件，校验通过后再 Rename。
// 这样保证要么文件不存在，要么文件是完整的；中途崩溃只会留下 .partial-* 文件。
func (s *Adapter) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	targetPath, err := s.layout(key)
	if err != nil {
		return err
	}

	// 1. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}

	// 2. 写临时文件
	tempFile, err := os.CreateTemp(dir, PartialPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	// 成功 Rename 之后这个删除会失效，失败时负责清理
	defer os.Remove(tempFile.Name())

	written, err := io.Copy(tempFile, storage.ContextReader{Ctx: ctx, R: r})
	if err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	// 3. 校验长度，截断的内容绝不能落到最终路径
	if size >= 0 && written != size {
		tempFile.Close()
		return fmt.Errorf("%w: %s expected %d bytes, got %d", storage.ErrSizeMismatch, key, size, written)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	// 必须先关闭才能 Rename
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}

	// 4. 移动到最终位置
	if err := os.Rename(tempFile.Name(), targetPath); err != nil {
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return nil
}

func (s *Adapter) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.Open(key)
}

// Open 返回 *os.File，供 http.ServeContent 做 Range 读取
func (s *Adapter) Open(key string) (*os.File, error) {
	targetPath, err := s.layout(key)
	if err != nil {
		return nil, err
	}
	// 临时文件永远不可见
	if strings.HasPrefix(filepath.Base(targetPath), PartialPrefix) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}

	f, err := os.Open(targetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}

	// 目录不是资源
	if st, err := f.Stat(); err != nil || st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return f, nil
}

func (s *Adapter) Has(ctx context.Context, key string) (bool, error) {
	targetPath, err := s.layout(key)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(targetPath)
	if err == nil {
		return !st.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %w", core.ErrIO, err)
}

// Dirs 列出根目录下的一级子目录 (每个版本一个)
func (s *Adapter) Dirs() ([]string, error) {
	entries, err := os.ReadDir(s.rootPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// SweepPartials 清理上次崩溃遗留的临时文件，返回清理数量
func (s *Adapter) SweepPartials(dir string) (int, error) {
	base, err := s.layout(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), PartialPrefix) {
			if err := os.Remove(p); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	return removed, nil
}
