package diff

import (
	"fmt"
	"math/rand"
	"testing"

	"patchmirror/pkg/core"
	"patchmirror/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func asset(path, fp string) core.Asset {
	return core.Asset{Path: types.AssetPath(path), Fingerprint: types.Fingerprint(fp)}
}

func mustRevision(t *testing.T, id types.RevisionID, assets ...core.Asset) *core.Revision {
	t.Helper()
	for i := range assets {
		if assets[i].Origin.IsZero() {
			assets[i].Origin = id
		}
	}
	rev, err := core.NewRevision(id, "", assets)
	require.NoError(t, err)
	return rev
}

func paths(assets []core.Asset) []types.AssetPath {
	out := make([]types.AssetPath, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.Path)
	}
	return out
}

func TestCompare_M1ToM2(t *testing.T) {
	r1 := mustRevision(t, "V_r1", asset("a", "hash1"), asset("b", "hash2"))
	m2 := []core.Asset{asset("a", "hash1"), asset("b", "hash3"), asset("c", "hash4")}

	d, err := Compare(m2, r1)
	require.NoError(t, err)

	assert.Equal(t, []types.AssetPath{"c"}, paths(d.New))
	assert.Equal(t, []types.AssetPath{"b"}, paths(d.Changed))
	assert.Empty(t, d.Removed)
	assert.Equal(t, []types.AssetPath{"a"}, paths(d.Unchanged))
	assert.True(t, d.HasWork())

	// 未变化资源的 Origin 沿用 R1
	assert.Equal(t, types.RevisionID("V_r1"), d.Unchanged[0].Origin)

	fetch := d.Fetch("V_r2")
	assert.ElementsMatch(t, []types.AssetPath{"b", "c"}, paths(fetch))
	for _, a := range fetch {
		assert.Equal(t, types.RevisionID("V_r2"), a.Origin)
	}

	all := d.Materialize("V_r2")
	assert.Len(t, all, 3)
	r2, err := core.NewRevision("V_r2", "", all)
	require.NoError(t, err)
	a, _ := r2.Asset("a")
	assert.Equal(t, types.RevisionID("V_r1"), a.Origin)
}

func TestCompare_NoPrevious(t *testing.T) {
	candidate := []core.Asset{asset("a", "1"), asset("b", "2")}

	d, err := Compare(candidate, nil)
	require.NoError(t, err)
	assert.Equal(t, candidate, d.New)
	assert.Empty(t, d.Changed)
	assert.Empty(t, d.Removed)
	assert.Empty(t, d.Unchanged)
}

func TestCompare_EmptyCandidateRejected(t *testing.T) {
	old := mustRevision(t, "V_r1", asset("a", "1"))

	d, err := Compare(nil, old)
	assert.ErrorIs(t, err, core.ErrDiff)
	assert.Nil(t, d)

	_, err = Compare([]core.Asset{}, nil)
	assert.ErrorIs(t, err, core.ErrDiff)
}

func TestCompare_DuplicateCandidateRejected(t *testing.T) {
	_, err := Compare([]core.Asset{asset("a", "1"), asset("a", "2")}, nil)
	assert.ErrorIs(t, err, core.ErrDiff)
}

func TestCompare_SizeDoesNotMatter(t *testing.T) {
	prev := asset("a", "1")
	prev.Size = 10
	old := mustRevision(t, "V_r1", prev)

	next := asset("a", "1")
	next.Size = 20
	d, err := Compare([]core.Asset{next}, old)
	require.NoError(t, err)
	assert.Len(t, d.Unchanged, 1)
	assert.False(t, d.HasWork())
}

func TestCompare_RemovedOnly(t *testing.T) {
	old := mustRevision(t, "V_r1", asset("a", "1"), asset("b", "2"))

	d, err := Compare([]core.Asset{asset("a", "1")}, old)
	require.NoError(t, err)
	assert.Equal(t, []types.AssetPath{"b"}, paths(d.Removed))
	assert.False(t, d.HasWork())
	assert.Equal(t, "new=0 changed=0 removed=1 unchanged=1", d.String())
}

// 随机生成两侧集合，检查划分性质
func TestCompare_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		universe := 1 + rng.Intn(40)
		var oldAssets, newAssets []core.Asset
		for i := 0; i < universe; i++ {
			p := fmt.Sprintf("dir/%d.wad", i)
			if rng.Intn(3) > 0 {
				oldAssets = append(oldAssets, asset(p, fmt.Sprint(rng.Intn(2))))
			}
			if rng.Intn(3) > 0 {
				newAssets = append(newAssets, asset(p, fmt.Sprint(rng.Intn(2))))
			}
		}
		if len(newAssets) == 0 {
			continue
		}
		old := mustRevision(t, "V_r1", oldAssets...)

		d, err := Compare(newAssets, old)
		require.NoError(t, err)

		distinct := make(map[types.AssetPath]bool)
		for _, a := range oldAssets {
			distinct[a.Path] = true
		}
		for _, a := range newAssets {
			distinct[a.Path] = true
		}
		require.Equal(t, len(distinct), d.Total(), "round %d", round)

		bucketOf := make(map[types.AssetPath]string)
		for name, bucket := range map[string][]core.Asset{
			"new": d.New, "changed": d.Changed, "removed": d.Removed, "unchanged": d.Unchanged,
		} {
			for _, a := range bucket {
				_, taken := bucketOf[a.Path]
				require.False(t, taken, "path %s in more than one bucket", a.Path)
				bucketOf[a.Path] = name
			}
		}

		oldIdx := make(map[types.AssetPath]core.Asset)
		for _, a := range oldAssets {
			oldIdx[a.Path] = a
		}
		for _, a := range newAssets {
			prev, inOld := oldIdx[a.Path]
			switch {
			case !inOld:
				assert.Equal(t, "new", bucketOf[a.Path])
			case prev.Fingerprint != a.Fingerprint:
				assert.Equal(t, "changed", bucketOf[a.Path])
			default:
				assert.Equal(t, "unchanged", bucketOf[a.Path])
			}
		}
	}
}
