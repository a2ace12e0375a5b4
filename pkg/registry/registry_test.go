package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"patchmirror/pkg/core"
	"patchmirror/pkg/storage/disk"
	"patchmirror/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRegistry 构建隔离的测试环境
func setupTestRegistry(t *testing.T, root string) *Registry {
	t.Helper()
	store, err := disk.NewAdapter(root)
	require.NoError(t, err)
	return New(store, nil)
}

// mustRevision 创建 Revision，资源的 Origin 默认指向自身
func mustRevision(t *testing.T, reg *Registry, id types.RevisionID, assets ...core.Asset) *core.Revision {
	t.Helper()
	for i := range assets {
		if assets[i].Origin == "" {
			assets[i].Origin = id
		}
	}
	rev, err := core.NewRevision(id, reg.RevisionRoot(id), assets)
	require.NoError(t, err)
	return rev
}

// mustWriteAsset 把资源字节写到 Origin 目录
func mustWriteAsset(t *testing.T, reg *Registry, a core.Asset, content string) {
	t.Helper()
	err := reg.Store().Put(context.Background(), AssetKey(a.Origin, a.Path), strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
}

func mustInsert(t *testing.T, reg *Registry, rev *core.Revision) {
	t.Helper()
	inserted, err := reg.Insert(context.Background(), rev)
	require.NoError(t, err)
	require.True(t, inserted)
}

func readAll(t *testing.T, f *os.File) string {
	t.Helper()
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestRegistry_EmptyLatest(t *testing.T) {
	reg := setupTestRegistry(t, t.TempDir())

	latest, err := reg.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)

	ids, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRegistry_LatestAfterInsertAndReload(t *testing.T) {
	root := t.TempDir()
	reg := setupTestRegistry(t, root)

	r1 := mustRevision(t, reg, "V_r9.Wizard_1_1", core.Asset{Path: "a", Fingerprint: "1", Size: 1})
	r2 := mustRevision(t, reg, "V_r10.Wizard_1_1", core.Asset{Path: "a", Fingerprint: "1", Size: 1})

	// 乱序插入：R2 先，R1 后，Latest 依然是 R2 (数值序 10 > 9)
	mustInsert(t, reg, r2)
	mustInsert(t, reg, r1)

	latest, err := reg.Latest()
	require.NoError(t, err)
	assert.Equal(t, r2.ID(), latest.ID())

	ids, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, []types.RevisionID{r1.ID(), r2.ID()}, ids)

	// 重新从磁盘加载
	reloaded := setupTestRegistry(t, root)
	n, err := reloaded.InitAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	latest, err = reloaded.Latest()
	require.NoError(t, err)
	assert.Equal(t, r2.ID(), latest.ID())

	got, err := reloaded.Get(r1.ID())
	require.NoError(t, err)
	asset, ok := got.Asset("a")
	require.True(t, ok)
	assert.Equal(t, types.Fingerprint("1"), asset.Fingerprint)
}

func TestRegistry_InsertIsIdempotent(t *testing.T) {
	reg := setupTestRegistry(t, t.TempDir())
	rev := mustRevision(t, reg, "V_r1", core.Asset{Path: "a", Fingerprint: "1"})

	mustInsert(t, reg, rev)

	// 同一个 ID，哪怕内容不同，也是 no-op
	other := mustRevision(t, reg, "V_r1", core.Asset{Path: "b", Fingerprint: "2"})
	inserted, err := reg.Insert(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := reg.Get("V_r1")
	require.NoError(t, err)
	_, ok := got.Asset("a")
	assert.True(t, ok, "first insert wins")
}

func TestRegistry_InitAllSkipsUncommittedAndCorrupt(t *testing.T) {
	root := t.TempDir()
	reg := setupTestRegistry(t, root)

	good := mustRevision(t, reg, "V_r1", core.Asset{Path: "a", Fingerprint: "1"})
	mustInsert(t, reg, good)

	// 未提交：只有文件，没有快照
	require.NoError(t, os.MkdirAll(filepath.Join(root, "V_r2", FilesDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "V_r2", FilesDir, "a"), []byte("x"), 0644))

	// 快照损坏
	require.NoError(t, os.MkdirAll(filepath.Join(root, "V_r3"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "V_r3", SnapshotFile), []byte("garbage"), 0644))

	// 快照 ID 与目录名不一致
	moved := mustRevision(t, reg, "V_r4")
	data, err := core.EncodeSnapshot(moved)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "V_r5"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "V_r5", SnapshotFile), data, 0644))

	reloaded := setupTestRegistry(t, root)
	n, err := reloaded.InitAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := reloaded.List()
	require.NoError(t, err)
	assert.Equal(t, []types.RevisionID{"V_r1"}, ids)
}

func TestRegistry_InitAllUnreadableRoot(t *testing.T) {
	root := t.TempDir()
	reg := setupTestRegistry(t, root)
	require.NoError(t, os.RemoveAll(root))

	_, err := reg.InitAll(context.Background())
	assert.ErrorIs(t, err, core.ErrIO)
}

func TestRegistry_ResolveFollowsOrigin(t *testing.T) {
	reg := setupTestRegistry(t, t.TempDir())

	// R1 下载了 a 和 b
	r1 := mustRevision(t, reg,
		"V_r1",
		core.Asset{Path: "a", Fingerprint: "hash1"},
		core.Asset{Path: "dir/b", Fingerprint: "hash2"},
	)
	for _, a := range r1.Assets() {
		mustWriteAsset(t, reg, a, "content of "+string(a.Path)+"@r1")
	}
	mustInsert(t, reg, r1)

	// R2 中 a 未变化 (Origin 沿用 R1)，b 变化后重新下载
	r2 := mustRevision(t, reg,
		"V_r2",
		core.Asset{Path: "a", Fingerprint: "hash1", Origin: "V_r1"},
		core.Asset{Path: "dir/b", Fingerprint: "hash3"},
	)
	b2, _ := r2.Asset("dir/b")
	mustWriteAsset(t, reg, b2, "content of dir/b@r2")
	mustInsert(t, reg, r2)

	f, _, err := reg.Resolve("V_r1", "a")
	require.NoError(t, err)
	underR1 := readAll(t, f)

	f, asset, err := reg.Resolve("V_r2", "a")
	require.NoError(t, err)
	assert.Equal(t, underR1, readAll(t, f), "unchanged asset must serve identical bytes")
	assert.Equal(t, types.RevisionID("V_r1"), asset.Origin)

	f, _, err = reg.Resolve("V_r2", "dir/b")
	require.NoError(t, err)
	assert.Equal(t, "content of dir/b@r2", readAll(t, f))

	// NotFound 的几种情况
	_, _, err = reg.Resolve("V_r404", "a")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, _, err = reg.Resolve("V_r2", "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRegistry_MissingAndPartialInvisible(t *testing.T) {
	root := t.TempDir()
	reg := setupTestRegistry(t, root)

	rev := mustRevision(t, reg,
		"V_r1",
		core.Asset{Path: "ok", Fingerprint: "1", Size: 2},
		core.Asset{Path: "failed", Fingerprint: "2", Size: 4096},
	)
	ok, _ := rev.Asset("ok")
	mustWriteAsset(t, reg, ok, "ok")

	// 模拟崩溃：failed 只写了一半临时文件，没有 Rename
	dir := filepath.Join(root, "V_r1", FilesDir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, disk.PartialPrefix+"999"), []byte("half"), 0644))

	mustInsert(t, reg, rev)

	_, _, err := reg.Resolve("V_r1", "failed")
	assert.ErrorIs(t, err, core.ErrNotFound, "partial bytes must never be served")

	missing, err := reg.Missing(context.Background(), rev)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, types.AssetPath("failed"), missing[0].Path)
}

func TestRegistry_InitAllLeavesPartialsAlone(t *testing.T) {
	root := t.TempDir()
	reg := setupTestRegistry(t, root)
	rev := mustRevision(t, reg, "V_r1", core.Asset{Path: "a", Fingerprint: "1", Size: 1})
	mustInsert(t, reg, rev)

	partial := filepath.Join(root, "V_r1", FilesDir, disk.PartialPrefix+"42")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0644))

	// 只读加载不能动临时文件
	_, err := setupTestRegistry(t, root).InitAll(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, partial)

	// 显式清理才会删除
	n, err := reg.SweepPartials()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, partial)
}

func TestRegistry_InitAllDuringDownload(t *testing.T) {
	root := t.TempDir()
	writer := setupTestRegistry(t, root)
	ctx := context.Background()

	// 一个写到一半的下载：先写入部分字节，然后阻塞
	pr, pw := io.Pipe()
	putErr := make(chan error, 1)
	go func() {
		putErr <- writer.Store().Put(ctx, AssetKey("V_r1", "a"), pr, 8)
	}()
	_, err := pw.Write([]byte("half"))
	require.NoError(t, err)

	pattern := filepath.Join(root, "V_r1", FilesDir, disk.PartialPrefix+"*")
	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(pattern)
		return len(matches) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// 另一个进程 (例如 revisions 命令) 在同一目录上加载登记表
	_, err = setupTestRegistry(t, root).InitAll(ctx)
	require.NoError(t, err)

	// 下载完成后仍然能原子地出现在最终位置
	_, err = pw.Write([]byte("done"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-putErr)

	data, err := os.ReadFile(filepath.Join(root, "V_r1", FilesDir, "a"))
	require.NoError(t, err)
	assert.Equal(t, "halfdone", string(data))
}

func TestRegistry_ConcurrentReadersDuringInsert(t *testing.T) {
	reg := setupTestRegistry(t, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := reg.Latest()
				assert.NoError(t, err)
				_, err = reg.List()
				assert.NoError(t, err)
			}
		}()
	}

	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rev, err := core.NewRevision(types.RevisionID(fmt.Sprintf("V_r%d", i)), "", nil)
			assert.NoError(t, err)
			_, err = reg.Insert(ctx, rev)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	latest, err := reg.Latest()
	require.NoError(t, err)
	assert.Equal(t, types.RevisionID("V_r20"), latest.ID())

	ids, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, ids, 20)
}

func TestRegistry_PanicPoisonsRegistry(t *testing.T) {
	reg := setupTestRegistry(t, t.TempDir())

	err := reg.withWrite(func() { panic("half-applied update") })
	assert.ErrorIs(t, err, core.ErrLock)

	_, err = reg.Latest()
	assert.ErrorIs(t, err, core.ErrLock)

	rev := mustRevision(t, reg, "V_r1")
	_, err = reg.Insert(context.Background(), rev)
	assert.ErrorIs(t, err, core.ErrLock)
}
