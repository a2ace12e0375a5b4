package manifest

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"patchmirror/pkg/core"
	"patchmirror/pkg/types"
)

// DefaultTable 是 Encode 写出的资源表名
const DefaultTable = "Files"

// Encode 按 Parse 接受的格式写出 assets
// 用于导出本地版本以及构造上游替身。Fingerprint 必须是 FingerprintFromCRC 产生的 8 位十六进制。
func Encode(w io.Writer, assets []core.Asset) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<%s>\n", rootElement)
	fmt.Fprintf(bw, "  <_TableList><RECORD><Name TYPE=\"STR\">%s</Name></RECORD></_TableList>\n", DefaultTable)
	fmt.Fprintf(bw, "  <%s>\n", DefaultTable)

	for _, a := range assets {
		crc, err := fingerprintCRC(a.Fingerprint)
		if err != nil {
			return fmt.Errorf("asset %s: %w", a.Path, err)
		}
		var compressed int64
		if a.Flags.Compressed {
			compressed = max(a.Size, 1)
		}

		bw.WriteString("    <RECORD>")
		writeField(bw, "SrcFileName", kindString, a.Path.String())
		writeField(bw, "Size", kindUint, strconv.FormatInt(a.Size, 10))
		writeField(bw, "CRC", kindUint, strconv.FormatUint(uint64(crc), 10))
		writeField(bw, "FileType", kindUint, strconv.FormatUint(uint64(a.Flags.FileType), 10))
		writeField(bw, "HeaderSize", kindUint, strconv.FormatInt(a.Flags.HeaderSize, 10))
		writeField(bw, "CompressedHeaderSize", kindUint, strconv.FormatInt(compressed, 10))
		bw.WriteString("</RECORD>\n")
	}

	fmt.Fprintf(bw, "  </%s>\n</%s>\n", DefaultTable, rootElement)
	return bw.Flush()
}

func writeField(w *bufio.Writer, name string, kind fieldKind, value string) {
	fmt.Fprintf(w, "<%s TYPE=\"%s\">", name, kind)
	_ = xml.EscapeText(w, []byte(value))
	fmt.Fprintf(w, "</%s>", name)
}

func fingerprintCRC(fp types.Fingerprint) (uint32, error) {
	v, err := strconv.ParseUint(fp.String(), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %q is not a crc32: %w", fp, err)
	}
	return uint32(v), nil
}
