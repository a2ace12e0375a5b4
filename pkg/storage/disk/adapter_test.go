package disk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchmirror/pkg/core"
	"patchmirror/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingReader 写出一部分数据后报错，模拟传输中断
type failingReader struct {
	data []byte
	sent bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, f.data), nil
	}
	return 0, errors.New("connection reset by peer")
}

func TestDiskAdapter(t *testing.T) {
	// 1. 创建临时测试目录
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)

	ctx := context.Background()
	key := "V_r1.Wizard/files/Data/GameData/Root.wad"

	// 2. 测试 Put
	err = store.Put(ctx, key, strings.NewReader("hello world"), 11)
	assert.NoError(t, err)

	// 验证文件真的存在于物理磁盘
	expectedPath := filepath.Join(tmpDir, "V_r1.Wizard", "files", "Data", "GameData", "Root.wad")
	_, err = os.Stat(expectedPath)
	assert.NoError(t, err, "file should exist at its final path")

	// 3. 测试 Has
	exists, err := store.Has(ctx, key)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Has(ctx, "V_r1.Wizard/files/missing")
	assert.NoError(t, err)
	assert.False(t, exists)

	// 4. 测试 Get
	reader, err := store.Get(ctx, key)
	require.NoError(t, err)
	defer reader.Close()

	content, err := io.ReadAll(reader)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello world"), content)
}

func TestDiskAdapter_InterruptedWriteLeavesNothing(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)
	ctx := context.Background()
	key := "V_r1/files/big.wad"

	// 传输中断
	err = store.Put(ctx, key, &failingReader{data: bytes.Repeat([]byte("x"), 512)}, 4096)
	require.Error(t, err)

	_, err = store.Open(key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// 长度不匹配 (截断)
	err = store.Put(ctx, key, strings.NewReader("short"), 4096)
	assert.ErrorIs(t, err, storage.ErrSizeMismatch)

	exists, err := store.Has(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists, "a truncated write must never become visible")

	// 临时文件也必须被清理
	entries, err := os.ReadDir(filepath.Join(tmpDir, "V_r1", "files"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskAdapter_CancelledContext(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = store.Put(ctx, "V_r1/files/a", strings.NewReader("data"), 4)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiskAdapter_RejectsUnsafeKeys(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
	}{
		{"Parent traversal", "../etc/passwd"},
		{"Nested traversal", "V_r1/files/../../x"},
		{"Absolute", "/etc/passwd"},
		{"Backslash", `V_r1\files\x`},
		{"Empty segment", "V_r1//x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Put(ctx, tt.key, strings.NewReader("x"), 1)
			assert.ErrorIs(t, err, storage.ErrInvalidKey)
			_, err = store.Open(tt.key)
			assert.ErrorIs(t, err, storage.ErrInvalidKey)
		})
	}
}

func TestDiskAdapter_PartialFilesInvisible(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)

	// 模拟崩溃：临时文件写了一半，没有 Rename
	dir := filepath.Join(tmpDir, "V_r1", "files")
	require.NoError(t, os.MkdirAll(dir, 0755))
	partial := filepath.Join(dir, PartialPrefix+"123")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0644))

	_, err = store.Open("V_r1/files/" + PartialPrefix + "123")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := store.SweepPartials("V_r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(partial)
	assert.True(t, os.IsNotExist(err))
}

func TestDiskAdapter_Dirs(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "V_r1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "V_r2"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, ".hidden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "history.db"), nil, 0644))

	dirs, err := store.Dirs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"V_r1", "V_r2"}, dirs)
}
