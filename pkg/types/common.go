// pkg/types/common.go
package types

import (
	"fmt"
	"strings"
)

// RevisionID 是上游版本的唯一标识 (例如 "V_r776393.Wizard_1_520")
// 这是一个“值对象”，应当是不可变的。
type RevisionID string

func (r RevisionID) String() string { return string(r) }
func (r RevisionID) IsZero() bool   { return r == "" }

// IsValid 检查 ID 能否安全地作为目录名使用
func (r RevisionID) IsValid() bool {
	s := string(r)
	if s == "" || s == "." || s == ".." || len(s) > 255 {
		return false
	}
	return !strings.ContainsAny(s, `/\`+"\x00")
}

// Compare 定义版本之间的全序 (Natural Order)
// 数字段按数值比较，其余部分按字典序，最后用原始字符串兜底，保证确定性。
// 返回 -1 / 0 / 1。
func (r RevisionID) Compare(other RevisionID) int {
	a, b := string(r), string(other)
	for a != "" && b != "" {
		ra, restA := nextRun(a)
		rb, restB := nextRun(b)
		if c := compareRun(ra, rb); c != 0 {
			return c
		}
		a, b = restA, restB
	}
	switch {
	case a == "" && b != "":
		return -1
	case a != "" && b == "":
		return 1
	}
	return strings.Compare(string(r), string(other))
}

// Less 是 Compare 的便捷形式，供 sort.Slice 使用
func (r RevisionID) Less(other RevisionID) bool { return r.Compare(other) < 0 }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// nextRun 切出下一段连续的数字或非数字字符
func nextRun(s string) (string, string) {
	digit := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digit {
		i++
	}
	return s[:i], s[i:]
}

func compareRun(a, b string) int {
	if isDigit(a[0]) && isDigit(b[0]) {
		// 去掉前导 0 后，长度更长的数字更大
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			if len(ta) < len(tb) {
				return -1
			}
			return 1
		}
		return strings.Compare(ta, tb)
	}
	return strings.Compare(a, b)
}

// Fingerprint 是资源内容的指纹 (上游 CRC 的 8 位十六进制表示)
// 两个 Asset 当且仅当 Fingerprint 相等时视为“相同内容”，与 Size 无关。
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }
func (f Fingerprint) IsZero() bool   { return f == "" }

// FingerprintFromCRC 把上游的 UINT CRC 转换为规范化的指纹
func FingerprintFromCRC(crc uint32) Fingerprint {
	return Fingerprint(fmt.Sprintf("%08x", crc))
}

// AssetPath 是 Revision 内的相对路径 (统一使用 '/' 分隔)
type AssetPath string

func (p AssetPath) String() string { return string(p) }
