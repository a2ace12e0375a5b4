package manifest

import (
	"bytes"
	"strings"
	"testing"

	"patchmirror/pkg/core"
	"patchmirror/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(path, size, crc string, extra ...string) string {
	var sb strings.Builder
	sb.WriteString("<RECORD>")
	sb.WriteString(`<SrcFileName TYPE="STR">` + path + `</SrcFileName>`)
	sb.WriteString(`<Size TYPE="UINT">` + size + `</Size>`)
	sb.WriteString(`<CRC TYPE="UINT">` + crc + `</CRC>`)
	for _, e := range extra {
		sb.WriteString(e)
	}
	sb.WriteString("</RECORD>")
	return sb.String()
}

func doc(tables ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<LatestFileList>
  <_TableList><RECORD><Name TYPE="STR">Base</Name></RECORD></_TableList>
` + strings.Join(tables, "\n") + `
</LatestFileList>
`
}

func table(name string, records ...string) string {
	return "<" + name + ">" + strings.Join(records, "\n") + "</" + name + ">"
}

func TestParse_Basic(t *testing.T) {
	src := doc(
		table("Base",
			record(`Data\GameData\Root.wad`, "1024", "305419896",
				`<FileType TYPE="UINT">2</FileType>`,
				`<HeaderSize TYPE="UINT">64</HeaderSize>`,
				`<CompressedHeaderSize TYPE="UINT">32</CompressedHeaderSize>`,
				`<TarFileName TYPE="STR">Data/GameData/Root.wad.gz</TarFileName>`,
			),
			record("Bin/Wizard.exe", "2", "1"),
		),
		table("Extra"),
	)

	m, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Tables)
	assert.Empty(t, m.Duplicates)
	require.Len(t, m.Assets, 2)

	root := m.Assets[0]
	assert.Equal(t, types.AssetPath("Data/GameData/Root.wad"), root.Path, "backslashes are normalized")
	assert.Equal(t, types.Fingerprint("12345678"), root.Fingerprint)
	assert.Equal(t, int64(1024), root.Size)
	assert.Equal(t, core.Flags{Compressed: true, HeaderSize: 64, FileType: 2}, root.Flags)
	assert.True(t, root.Origin.IsZero(), "parser never assigns an origin")

	exe := m.Assets[1]
	assert.Equal(t, types.AssetPath("Bin/Wizard.exe"), exe.Path)
	assert.Equal(t, core.Flags{}, exe.Flags)

	idx := m.Index()
	assert.Len(t, idx, 2)
	assert.Equal(t, exe, idx["Bin/Wizard.exe"])
}

func TestParse_DuplicatesFirstWins(t *testing.T) {
	src := doc(
		table("A", record("a", "1", "1")),
		table("B", record("a", "9", "9"), record("b", "2", "2")),
	)

	m, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, m.Assets, 2)
	assert.Equal(t, types.Fingerprint("00000001"), m.Assets[0].Fingerprint)
	assert.Equal(t, []types.AssetPath{"a"}, m.Duplicates)
}

func TestParse_EmptyDocumentStructure(t *testing.T) {
	m, err := Parse(strings.NewReader(doc()))
	require.NoError(t, err)
	assert.Empty(t, m.Assets)
	assert.Equal(t, 0, m.Tables)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"Empty input", ""},
		{"Not xml", "hello world"},
		{"Wrong root", `<Other></Other>`},
		{"Truncated", `<LatestFileList><Base><RECORD>`},
		{"Unclosed root", `<LatestFileList><Base></Base>`},
		{"Trailing element", doc() + `<Extra/>`},
		{"Text in root", `<LatestFileList>junk</LatestFileList>`},
		{"Text in table", doc(table("Base", "junk"))},
		{"Non record in table", doc(table("Base", "<ROW></ROW>"))},
		{"Missing CRC", doc(table("Base", `<RECORD><SrcFileName TYPE="STR">a</SrcFileName><Size TYPE="UINT">1</Size></RECORD>`))},
		{"Missing path", doc(table("Base", `<RECORD><CRC TYPE="UINT">1</CRC><Size TYPE="UINT">1</Size></RECORD>`))},
		{"Unknown field", doc(table("Base", record("a", "1", "1", `<Color TYPE="STR">red</Color>`)))},
		{"Wrong type attr", doc(table("Base", `<RECORD><SrcFileName TYPE="UINT">a</SrcFileName><Size TYPE="UINT">1</Size><CRC TYPE="UINT">1</CRC></RECORD>`))},
		{"Missing type attr", doc(table("Base", `<RECORD><SrcFileName>a</SrcFileName><Size TYPE="UINT">1</Size><CRC TYPE="UINT">1</CRC></RECORD>`))},
		{"Non numeric size", doc(table("Base", record("a", "big", "1")))},
		{"Negative size", doc(table("Base", record("a", "-1", "1")))},
		{"CRC overflow", doc(table("Base", record("a", "1", "4294967296")))},
		{"Duplicate field", doc(table("Base", record("a", "1", "1", `<CRC TYPE="UINT">2</CRC>`)))},
		{"Nested element in field", doc(table("Base", record("a<b/>", "1", "1")))},
		{"Absolute path", doc(table("Base", record("/etc/passwd", "1", "1")))},
		{"Parent traversal", doc(table("Base", record(`..\..\boot.ini`, "1", "1")))},
		{"Empty path", doc(table("Base", record("", "1", "1")))},
		{"Reserved segment", doc(table("Base", record("Data/.partial-123", "1", "1")))},
		{"Doctype", `<!DOCTYPE x [<!ENTITY a "b">]>` + doc()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(strings.NewReader(tt.src))
			assert.ErrorIs(t, err, core.ErrParse)
			assert.Nil(t, m, "no partial result")
		})
	}
}

func TestParse_MetadataTablesSkipped(t *testing.T) {
	// 元数据表里的字段不受资源 schema 约束
	src := doc(
		table("_Meta", `<RECORD><Whatever TYPE="STR">x</Whatever></RECORD>`),
		table("Base", record("a", "1", "1")),
	)
	m, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, m.Assets, 1)
	assert.Equal(t, 1, m.Tables)
}

func TestEncode_ParsesBack(t *testing.T) {
	assets := []core.Asset{
		{Path: "Data/a&b.wad", Fingerprint: types.FingerprintFromCRC(0xdeadbeef), Size: 10, Flags: core.Flags{Compressed: true, HeaderSize: 4, FileType: 1}},
		{Path: "b", Fingerprint: types.FingerprintFromCRC(7), Size: 0},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, assets))

	m, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, assets, m.Assets)
	assert.Equal(t, 1, m.Tables)
}

func TestEncode_RejectsNonCRCFingerprint(t *testing.T) {
	err := Encode(&bytes.Buffer{}, []core.Asset{{Path: "a", Fingerprint: "not-hex"}})
	assert.Error(t, err)
}
