package patchinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"patchmirror/pkg/core"
)

// =============================================================================
// 帧格式 (little endian)
//
//	u16 magic = 0xF00D
//	u16 bodyLength
//	body: u8 isControl | u8 opcode | u16 reserved(0) | payload
// =============================================================================

// FrameMagic 是每一帧的起始标记
const FrameMagic uint16 = 0xF00D

const (
	MaxFrameSize = 64 << 10 // 64KB

	headerSize     = 4
	bodyHeaderSize = 4
	dmlHeaderSize  = 4

	maxControlFrames  = 4
	minSessionPayload = 2
)

// 控制帧 opcode
const (
	OpSessionOffer uint8 = 0
	OpKeepAlive    uint8 = 3
	OpKeepAliveRsp uint8 = 4
)

// 补丁服务的 DML 消息
const (
	ServicePatch        uint8 = 8
	MsgLatestFileListV2 uint8 = 2
)

// Frame 是一帧解码后的内容
type Frame struct {
	Control bool
	Opcode  uint8
	Payload []byte
}

// WriteFrame 写出一帧
func WriteFrame(w io.Writer, f Frame) error {
	bodyLen := bodyHeaderSize + len(f.Payload)
	if headerSize+bodyLen > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", core.ErrProtocol, headerSize+bodyLen)
	}

	buf := make([]byte, 0, headerSize+bodyLen)
	buf = binary.LittleEndian.AppendUint16(buf, FrameMagic)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(bodyLen))
	var control uint8
	if f.Control {
		control = 1
	}
	buf = append(buf, control, f.Opcode)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame 严格读取一帧
// 网络错误原样返回 (由调用方归类为 ErrNetwork)，格式错误返回 ErrProtocol。
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated frame header", core.ErrProtocol)
		}
		return Frame{}, err
	}
	if magic := binary.LittleEndian.Uint16(hdr[0:2]); magic != FrameMagic {
		return Frame{}, fmt.Errorf("%w: bad frame magic 0x%04x", core.ErrProtocol, magic)
	}
	bodyLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if bodyLen < bodyHeaderSize {
		return Frame{}, fmt.Errorf("%w: frame body too short (%d bytes)", core.ErrProtocol, bodyLen)
	}
	if headerSize+bodyLen > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes exceeds limit", core.ErrProtocol, headerSize+bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("%w: truncated frame body", core.ErrProtocol)
		}
		return Frame{}, err
	}

	var control bool
	switch body[0] {
	case 0:
	case 1:
		control = true
	default:
		return Frame{}, fmt.Errorf("%w: invalid control flag %d", core.ErrProtocol, body[0])
	}
	if reserved := binary.LittleEndian.Uint16(body[2:4]); reserved != 0 {
		return Frame{}, fmt.Errorf("%w: reserved field is %d", core.ErrProtocol, reserved)
	}

	return Frame{Control: control, Opcode: body[1], Payload: body[bodyHeaderSize:]}, nil
}

// =============================================================================
// LatestFileList 消息
// =============================================================================

// FileList 是 LatestFileListV2 消息的字段 (请求与响应布局相同)
type FileList struct {
	LatestVersion uint32
	ListFileName  string
	ListFileType  uint32
	ListFileTime  uint32
	ListFileSize  uint32
	ListFileCRC   uint32
	ListFileURL   string
	URLPrefix     string
	URLSuffix     string
	Locale        string
}

// EncodeFileList 把消息编码为数据帧的 payload
func EncodeFileList(m FileList) ([]byte, error) {
	var fields bytes.Buffer
	w := fieldWriter{buf: &fields}
	w.u32(m.LatestVersion)
	w.str(m.ListFileName)
	w.u32(m.ListFileType)
	w.u32(m.ListFileTime)
	w.u32(m.ListFileSize)
	w.u32(m.ListFileCRC)
	w.str(m.ListFileURL)
	w.str(m.URLPrefix)
	w.str(m.URLSuffix)
	w.str(m.Locale)
	if w.err != nil {
		return nil, w.err
	}

	dmlLen := dmlHeaderSize + fields.Len()
	if dmlLen > MaxFrameSize-headerSize-bodyHeaderSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds limit", core.ErrProtocol, dmlLen)
	}
	out := make([]byte, 0, dmlLen)
	out = append(out, ServicePatch, MsgLatestFileListV2)
	out = binary.LittleEndian.AppendUint16(out, uint16(dmlLen))
	return append(out, fields.Bytes()...), nil
}

// DecodeFileList 严格解码数据帧 payload，任何偏差都返回 ErrProtocol
func DecodeFileList(payload []byte) (FileList, error) {
	if len(payload) < dmlHeaderSize {
		return FileList{}, fmt.Errorf("%w: message header truncated", core.ErrProtocol)
	}
	service, msgType := payload[0], payload[1]
	if service != ServicePatch || msgType != MsgLatestFileListV2 {
		return FileList{}, fmt.Errorf("%w: unexpected message service=%d type=%d", core.ErrProtocol, service, msgType)
	}
	if dmlLen := int(binary.LittleEndian.Uint16(payload[2:4])); dmlLen != len(payload) {
		return FileList{}, fmt.Errorf("%w: message length %d does not match payload %d", core.ErrProtocol, dmlLen, len(payload))
	}

	r := fieldReader{data: payload[dmlHeaderSize:]}
	m := FileList{
		LatestVersion: r.u32(),
		ListFileName:  r.str(),
		ListFileType:  r.u32(),
		ListFileTime:  r.u32(),
		ListFileSize:  r.u32(),
		ListFileCRC:   r.u32(),
		ListFileURL:   r.str(),
		URLPrefix:     r.str(),
		URLSuffix:     r.str(),
		Locale:        r.str(),
	}
	if r.err != nil {
		return FileList{}, r.err
	}
	if len(r.data) != 0 {
		return FileList{}, fmt.Errorf("%w: %d trailing bytes after message", core.ErrProtocol, len(r.data))
	}
	return m, nil
}

type fieldWriter struct {
	buf *bytes.Buffer
	err error
}

func (w *fieldWriter) u32(v uint32) {
	_ = binary.Write(w.buf, binary.LittleEndian, v)
}

func (w *fieldWriter) str(s string) {
	if len(s) > 0xFFFF {
		w.err = fmt.Errorf("%w: string field of %d bytes", core.ErrProtocol, len(s))
		return
	}
	_ = binary.Write(w.buf, binary.LittleEndian, uint16(len(s)))
	w.buf.WriteString(s)
}

// fieldReader 第一次出错后所有读取都返回零值
type fieldReader struct {
	data []byte
	err  error
}

func (r *fieldReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = fmt.Errorf("%w: truncated field (need %d bytes, have %d)", core.ErrProtocol, n, len(r.data))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *fieldReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *fieldReader) str() string {
	lb := r.take(2)
	if lb == nil {
		return ""
	}
	b := r.take(int(binary.LittleEndian.Uint16(lb)))
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = fmt.Errorf("%w: string field is not valid utf-8", core.ErrProtocol)
		return ""
	}
	return string(b)
}
