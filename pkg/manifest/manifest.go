package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"patchmirror/pkg/core"
	"patchmirror/pkg/storage"
	"patchmirror/pkg/storage/disk"
	"patchmirror/pkg/types"
)

// 针对不可信文档的上限
const (
	MaxDocumentSize = 64 << 20 // 64MB
	MaxRecords      = 1 << 20
	maxFieldLength  = 4096
)

const (
	rootElement   = "LatestFileList"
	recordElement = "RECORD"
	typeAttr      = "TYPE"
)

type fieldKind string

const (
	kindString fieldKind = "STR"
	kindUint   fieldKind = "UINT"
)

// schema 是记录中允许出现的全部字段，任何其它字段都会被拒绝
var schema = map[string]fieldKind{
	"SrcFileName":          kindString, // 必填，相对路径
	"TarFileName":          kindString,
	"FileType":             kindUint,
	"Size":                 kindUint, // 必填
	"HeaderSize":           kindUint,
	"CompressedHeaderSize": kindUint,
	"CRC":                  kindUint, // 必填，内容指纹
	"HeaderCRC":            kindUint,
}

var requiredFields = []string{"SrcFileName", "Size", "CRC"}

// Manifest 是解析后的资源清单
type Manifest struct {
	// Assets 保持文档中的出现顺序，路径唯一
	Assets []core.Asset
	// Duplicates 记录被丢弃的重复路径 (先出现者胜出)
	Duplicates []types.AssetPath
	// Tables 是文档中资源表的数量 (不含 "_" 开头的元数据表)
	Tables int
}

// Index 返回 path -> Asset 的映射
func (m *Manifest) Index() map[types.AssetPath]core.Asset {
	idx := make(map[types.AssetPath]core.Asset, len(m.Assets))
	for _, a := range m.Assets {
		idx[a.Path] = a
	}
	return idx
}

// Parse 解析 Manifest 文档
// 结构非法时返回 core.ErrParse，绝不会返回“部分结果”。
func Parse(r io.Reader) (*Manifest, error) {
	// 1. 读取全部内容 (带上限)，防止超大文档耗尽内存
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read document: %w", core.ErrParse, err)
	}
	if len(data) > MaxDocumentSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", core.ErrParse, MaxDocumentSize)
	}

	p := &parser{
		dec:  xml.NewDecoder(bytes.NewReader(data)),
		seen: make(map[types.AssetPath]struct{}),
		out:  &Manifest{},
	}
	if err := p.document(); err != nil {
		return nil, err
	}
	return p.out, nil
}

type parser struct {
	dec     *xml.Decoder
	seen    map[types.AssetPath]struct{}
	records int
	out     *Manifest
}

func (p *parser) errorf(format string, args ...any) error {
	line, _ := p.dec.InputPos()
	return fmt.Errorf("%w: line %d: %s", core.ErrParse, line, fmt.Sprintf(format, args...))
}

// next 读取下一个有意义的 token，跳过注释、处理指令和空白
func (p *parser) next() (xml.Token, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, p.errorf("malformed xml: %v", err)
		}
		switch t := tok.(type) {
		case xml.Comment, xml.ProcInst:
			continue
		case xml.Directive:
			// DOCTYPE 等指令可能引入实体，直接拒绝
			return nil, p.errorf("directives are not allowed")
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			return xml.CopyToken(t), nil
		default:
			return xml.CopyToken(tok), nil
		}
	}
}

func (p *parser) document() error {
	tok, err := p.next()
	if err == io.EOF {
		return p.errorf("empty document")
	}
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != rootElement {
		return p.errorf("expected <%s> root element", rootElement)
	}

	// 根元素内部：一系列表
	for {
		tok, err := p.next()
		if err == io.EOF {
			return p.errorf("unexpected end of document inside <%s>", rootElement)
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := p.table(t); err != nil {
				return err
			}
		case xml.EndElement:
			return p.trailer()
		default:
			return p.errorf("unexpected text inside <%s>", rootElement)
		}
	}
}

// trailer 根元素结束之后只允许空白和注释
func (p *parser) trailer() error {
	tok, err := p.next()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	return p.errorf("unexpected content after root element: %T", tok)
}

func (p *parser) table(start xml.StartElement) error {
	name := start.Name.Local

	// "_" 开头的是元数据表 (例如 _TableList)，跳过但仍要求格式良好
	if strings.HasPrefix(name, "_") {
		if err := p.dec.Skip(); err != nil {
			return p.errorf("malformed metadata table <%s>: %v", name, err)
		}
		return nil
	}
	p.out.Tables++

	for {
		tok, err := p.next()
		if err == io.EOF {
			return p.errorf("unexpected end of document inside table <%s>", name)
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != recordElement {
				return p.errorf("unexpected element <%s> in table <%s>", t.Name.Local, name)
			}
			if err := p.record(name); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		default:
			return p.errorf("unexpected text in table <%s>", name)
		}
	}
}

func (p *parser) record(table string) error {
	p.records++
	if p.records > MaxRecords {
		return p.errorf("too many records (max %d)", MaxRecords)
	}

	fields := make(map[string]string, len(schema))
	for {
		tok, err := p.next()
		if err == io.EOF {
			return p.errorf("unexpected end of document inside record")
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name, value, err := p.field(t)
			if err != nil {
				return err
			}
			if _, dup := fields[name]; dup {
				return p.errorf("duplicate field %s in record", name)
			}
			fields[name] = value
		case xml.EndElement:
			return p.finishRecord(table, fields)
		default:
			return p.errorf("unexpected text in record")
		}
	}
}

// field 读取 <Name TYPE="KIND">value</Name>
func (p *parser) field(start xml.StartElement) (string, string, error) {
	name := start.Name.Local
	kind, ok := schema[name]
	if !ok {
		return "", "", p.errorf("unknown field %s", name)
	}

	var declared string
	for _, attr := range start.Attr {
		if attr.Name.Local != typeAttr {
			return "", "", p.errorf("unexpected attribute %s on field %s", attr.Name.Local, name)
		}
		declared = attr.Value
	}
	if fieldKind(declared) != kind {
		return "", "", p.errorf("field %s must have TYPE=%q, got %q", name, kind, declared)
	}

	var sb strings.Builder
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return "", "", p.errorf("malformed field %s: %v", name, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if sb.Len()+len(t) > maxFieldLength {
				return "", "", p.errorf("field %s too long", name)
			}
			sb.Write(t)
		case xml.Comment:
		case xml.EndElement:
			return name, strings.TrimSpace(sb.String()), nil
		default:
			return "", "", p.errorf("field %s must contain only text", name)
		}
	}
}

func (p *parser) finishRecord(table string, fields map[string]string) error {
	for _, req := range requiredFields {
		if _, ok := fields[req]; !ok {
			return p.errorf("record in table <%s> is missing required field %s", table, req)
		}
	}

	path, err := cleanPath(fields["SrcFileName"])
	if err != nil {
		return p.errorf("table <%s>: %v", table, err)
	}

	crc, err := parseUint(fields["CRC"], 32)
	if err != nil {
		return p.errorf("%s: invalid CRC: %v", path, err)
	}
	size, err := parseUint(fields["Size"], 63)
	if err != nil {
		return p.errorf("%s: invalid Size: %v", path, err)
	}

	// 可选字段，缺省为 0
	optional := make(map[string]uint64, 4)
	for _, name := range []string{"FileType", "HeaderSize", "CompressedHeaderSize", "HeaderCRC"} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		bits := 63
		if name == "FileType" || name == "HeaderCRC" {
			bits = 32
		}
		v, err := parseUint(raw, bits)
		if err != nil {
			return p.errorf("%s: invalid %s: %v", path, name, err)
		}
		optional[name] = v
	}
	if tar, ok := fields["TarFileName"]; ok && tar != "" {
		if _, err := cleanPath(tar); err != nil {
			return p.errorf("%s: invalid TarFileName: %v", path, err)
		}
	}

	// 重复路径策略：先出现者胜出，后面的丢弃并记录
	if _, dup := p.seen[path]; dup {
		p.out.Duplicates = append(p.out.Duplicates, path)
		return nil
	}
	p.seen[path] = struct{}{}

	p.out.Assets = append(p.out.Assets, core.Asset{
		Path:        path,
		Fingerprint: types.FingerprintFromCRC(uint32(crc)),
		Size:        int64(size),
		Flags: core.Flags{
			Compressed: optional["CompressedHeaderSize"] > 0,
			HeaderSize: int64(optional["HeaderSize"]),
			FileType:   uint32(optional["FileType"]),
		},
	})
	return nil
}

func parseUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty value")
	}
	return strconv.ParseUint(s, 10, bits)
}

// cleanPath 把上游路径规范化为安全的相对路径
// 上游可能使用 '\' 分隔；绝对路径、".."、控制字符一律拒绝。
func cleanPath(raw string) (types.AssetPath, error) {
	if raw == "" {
		return "", errors.New("empty path")
	}
	s := strings.ReplaceAll(raw, `\`, "/")
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("path %q contains control characters", raw)
		}
	}
	if !storage.ValidKey(s) {
		return "", fmt.Errorf("unsafe path %q", raw)
	}
	for _, seg := range strings.Split(s, "/") {
		if strings.HasPrefix(seg, disk.PartialPrefix) {
			return "", fmt.Errorf("reserved path segment in %q", raw)
		}
	}
	return types.AssetPath(s), nil
}
