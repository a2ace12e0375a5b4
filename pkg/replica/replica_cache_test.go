package replica

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"patchmirror/pkg/core"
	"patchmirror/pkg/registry"
	"patchmirror/pkg/storage"
	"patchmirror/pkg/storage/cache"
	"patchmirror/pkg/storage/disk"
	"patchmirror/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MetricStore 包装真实的远端存储，只统计调用次数
type MetricStore struct {
	storage.Store
	putCount int32
	hasCount int32
}

func (m *MetricStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	atomic.AddInt32(&m.putCount, 1)
	return m.Store.Put(ctx, key, r, size)
}

func (m *MetricStore) Has(ctx context.Context, key string) (bool, error) {
	atomic.AddInt32(&m.hasCount, 1)
	return m.Store.Has(ctx, key)
}

// TestPublisher_ThroughRedisCache 本地镜像 -> Redis 存在性缓存 -> 远端
// 第二次发布同一批资源时，存在性检查全部被 Redis 拦截。
func TestPublisher_ThroughRedisCache(t *testing.T) {
	redisAddr := "localhost:6379"
	if conn, err := net.DialTimeout("tcp", redisAddr, time.Second); err != nil {
		t.Skip("Skipping replica cache test: Redis not available")
	} else {
		conn.Close()
	}

	ctx := context.Background()
	local, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	remoteDisk, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	metric := &MetricStore{Store: remoteDisk}

	cached, err := cache.NewCachedStore(metric, cache.Config{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      time.Minute,
	}, nil)
	require.NoError(t, err)
	defer cached.Client().Close()

	// 每次运行使用不同的版本号，避免残留的缓存键
	rid := types.RevisionID(fmt.Sprintf("V_r%d.CacheTest", time.Now().UnixNano()))
	var assets []core.Asset
	for i := 0; i < 10; i++ {
		p := types.AssetPath(fmt.Sprintf("Data/file%02d.wad", i))
		content := strings.Repeat("x", i+1)
		require.NoError(t, local.Put(ctx, registry.AssetKey(rid, p), strings.NewReader(content), int64(len(content))))
		assets = append(assets, core.Asset{Path: p, Fingerprint: types.FingerprintFromCRC(uint32(i + 1)), Size: int64(len(content)), Origin: rid})
	}
	rev, err := core.NewRevision(rid, "", assets)
	require.NoError(t, err)

	pub := NewPublisher(local, cached, nil)

	// 1. 首次发布：全部上传 (10 个资源 + 1 个快照)
	n, err := pub.Publish(ctx, rev, assets)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, int32(11), atomic.LoadInt32(&metric.putCount))

	// 2. 再次发布：Redis 命中，远端一次都不访问
	hasBefore := atomic.LoadInt32(&metric.hasCount)
	n, err = pub.Publish(ctx, rev, assets)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(11), atomic.LoadInt32(&metric.putCount))
	assert.Equal(t, hasBefore, atomic.LoadInt32(&metric.hasCount), "existence checks should be served by redis")
}
