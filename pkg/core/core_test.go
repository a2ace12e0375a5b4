package core

import (
	"testing"

	"patchmirror/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAssets() []Asset {
	return []Asset{
		{Path: "Data/GameData/Root.wad", Fingerprint: "0000beef", Size: 4096, Flags: Flags{Compressed: true, HeaderSize: 12}},
		{Path: "Bin/WizardGraphicalClient.exe", Fingerprint: "cafebabe", Size: 1024},
		{Path: "PatchClient/About.xml", Fingerprint: "00000001", Size: 0, Origin: "V_r1.Old"},
	}
}

func TestNewRevision_SortedAndImmutable(t *testing.T) {
	rev, err := NewRevision("V_r2.New", "/data/V_r2.New", sampleAssets())
	require.NoError(t, err)

	assert.Equal(t, types.RevisionID("V_r2.New"), rev.ID())
	assert.Equal(t, 3, rev.Len())
	assert.Equal(t, int64(5120), rev.TotalSize())

	assets := rev.Assets()
	require.Len(t, assets, 3)
	assert.Equal(t, types.AssetPath("Bin/WizardGraphicalClient.exe"), assets[0].Path, "assets should be sorted by path")

	// 修改副本不能影响 Revision 本身
	assets[0].Fingerprint = "tampered"
	got, ok := rev.Asset("Bin/WizardGraphicalClient.exe")
	require.True(t, ok)
	assert.Equal(t, types.Fingerprint("cafebabe"), got.Fingerprint)
}

func TestNewRevision_Rejects(t *testing.T) {
	_, err := NewRevision("", "/data", nil)
	assert.Error(t, err, "empty id")

	_, err = NewRevision("../escape", "/data", nil)
	assert.Error(t, err, "path-like id")

	dup := []Asset{{Path: "a", Fingerprint: "1"}, {Path: "a", Fingerprint: "2"}}
	_, err = NewRevision("V_r1", "/data", dup)
	assert.ErrorContains(t, err, "duplicate asset path")
}

func TestRevision_EqualByID(t *testing.T) {
	a, err := NewRevision("V_r1", "/x", sampleAssets())
	require.NoError(t, err)
	b, err := NewRevision("V_r1", "/y", nil)
	require.NoError(t, err)
	c, err := NewRevision("V_r2", "/x", sampleAssets())
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestAsset_SameContentIgnoresSize(t *testing.T) {
	a := Asset{Path: "a", Fingerprint: "1111", Size: 1}
	b := Asset{Path: "a", Fingerprint: "1111", Size: 999}
	c := Asset{Path: "a", Fingerprint: "2222", Size: 1}

	assert.True(t, a.SameContent(b))
	assert.False(t, a.SameContent(c))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	rev, err := NewRevision("V_r2.New", "/data/V_r2.New", sampleAssets())
	require.NoError(t, err)

	data, err := EncodeSnapshot(rev)
	require.NoError(t, err)

	restored, err := DecodeSnapshot(data, "/elsewhere/V_r2.New")
	require.NoError(t, err)

	assert.True(t, rev.Equal(restored))
	assert.Equal(t, "/elsewhere/V_r2.New", restored.Root())
	assert.Equal(t, rev.CreatedAt().Unix(), restored.CreatedAt().Unix())

	// 没有 Origin 的资源在解码后指向自身版本
	a, ok := restored.Asset("Bin/WizardGraphicalClient.exe")
	require.True(t, ok)
	assert.Equal(t, types.RevisionID("V_r2.New"), a.Origin)

	// 显式 Origin 保持不变
	about, ok := restored.Asset("PatchClient/About.xml")
	require.True(t, ok)
	assert.Equal(t, types.RevisionID("V_r1.Old"), about.Origin)

	root, ok := restored.Asset("Data/GameData/Root.wad")
	require.True(t, ok)
	assert.True(t, root.Flags.Compressed)
	assert.Equal(t, int64(12), root.Flags.HeaderSize)
}

func TestSnapshot_Deterministic(t *testing.T) {
	rev, err := NewRevision("V_r2.New", "/data", sampleAssets())
	require.NoError(t, err)

	d1, err := Digest(rev)
	require.NoError(t, err)
	d2, err := Digest(rev)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
}

func TestDecodeSnapshot_RejectsGarbage(t *testing.T) {
	_, err := DecodeSnapshot([]byte("definitely not cbor"), "/data")
	assert.Error(t, err)

	// 合法 CBOR，但类型不对
	data, err := em.Marshal(Snapshot{TypeVal: "tree", Version: snapshotVersion, ID: "V_r1"})
	require.NoError(t, err)
	_, err = DecodeSnapshot(data, "/data")
	assert.ErrorContains(t, err, "not a revision snapshot")

	data, err = em.Marshal(Snapshot{TypeVal: snapshotType, Version: 99, ID: "V_r1"})
	require.NoError(t, err)
	_, err = DecodeSnapshot(data, "/data")
	assert.ErrorContains(t, err, "unsupported snapshot version")
}
