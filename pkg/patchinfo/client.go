package patchinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"patchmirror/pkg/core"
	"patchmirror/pkg/types"
)

// DefaultTimeout 是一次完整往返 (拨号 + 握手 + 响应) 的上限
const DefaultTimeout = 15 * time.Second

var revisionSegment = regexp.MustCompile(`^V_r\d+\.[A-Za-z0-9_.\-]+$`)

// PatchInfo 是一次查询的结果，获取后不可变
type PatchInfo struct {
	Revision    types.RevisionID
	ManifestURL string // 清单 XML 的地址
	FileBaseURL string // 资源下载前缀，以 '/' 结尾
	Host        string
	Port        int

	// Raw 保留上游返回的原始字段，便于排查
	Raw FileList
}

// Client 通过上游的二进制协议查询最新版本
// 无状态，可并发调用，可安全重试。
type Client struct {
	dialer  *net.Dialer
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Client)

// WithTimeout 设置单次查询的总超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		dialer:  &net.Dialer{KeepAlive: -1},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchLatest 向 host:port 请求当前版本和清单地址
// 连接失败或超时返回 ErrNetwork；任何不符合协议的响应返回 ErrProtocol。
func (c *Client) FetchLatest(ctx context.Context, host string, port int) (*PatchInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	// 1. 建立连接
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", core.ErrNetwork, addr, err)
	}
	defer conn.Close()

	// 2. ctx 结束时立即打断阻塞中的读写
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	// 3. 握手 + 请求 + 响应
	list, err := c.exchange(conn)
	if err != nil {
		if errors.Is(err, core.ErrProtocol) {
			return nil, fmt.Errorf("upstream %s: %w", addr, err)
		}
		return nil, fmt.Errorf("%w: upstream %s: %w", core.ErrNetwork, addr, err)
	}

	// 4. 从原始字段中提取版本和地址
	info, err := newPatchInfo(list, host, port)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", addr, err)
	}

	c.logger.Debug("patch info fetched",
		slog.String("upstream", addr),
		slog.String("revision", info.Revision.String()),
		slog.String("manifest", info.ManifestURL),
	)
	return info, nil
}

// exchange 处理会话握手：等待 session offer，发送请求，读取数据帧
func (c *Client) exchange(conn net.Conn) (FileList, error) {
	request, err := EncodeFileList(FileList{})
	if err != nil {
		return FileList{}, err
	}

	sent := false
	controls := 0
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return FileList{}, err
		}

		if !frame.Control {
			if !sent {
				return FileList{}, fmt.Errorf("%w: data frame before session offer", core.ErrProtocol)
			}
			return DecodeFileList(frame.Payload)
		}

		controls++
		if controls > maxControlFrames {
			return FileList{}, fmt.Errorf("%w: too many control frames", core.ErrProtocol)
		}

		switch frame.Opcode {
		case OpSessionOffer:
			if sent {
				return FileList{}, fmt.Errorf("%w: duplicate session offer", core.ErrProtocol)
			}
			if len(frame.Payload) < minSessionPayload {
				return FileList{}, fmt.Errorf("%w: session offer too short", core.ErrProtocol)
			}
			if err := WriteFrame(conn, Frame{Payload: request}); err != nil {
				return FileList{}, err
			}
			sent = true
		case OpKeepAlive, OpKeepAliveRsp:
			// 忽略
		default:
			return FileList{}, fmt.Errorf("%w: unexpected control opcode %d", core.ErrProtocol, frame.Opcode)
		}
	}
}

func newPatchInfo(list FileList, host string, port int) (*PatchInfo, error) {
	if list.ListFileURL == "" || list.URLPrefix == "" {
		return nil, fmt.Errorf("%w: response is missing file list url or prefix", core.ErrProtocol)
	}

	listURL, err := parseHTTPURL(list.ListFileURL)
	if err != nil {
		return nil, err
	}
	base, err := parseHTTPURL(list.URLPrefix)
	if err != nil {
		return nil, err
	}

	// 1. 版本号：URL 路径中形如 V_r<数字>.<标签> 的那一段
	var revision types.RevisionID
	for _, seg := range strings.Split(listURL.Path, "/") {
		if revisionSegment.MatchString(seg) {
			revision = types.RevisionID(seg)
			break
		}
	}
	if !revision.IsValid() {
		return nil, fmt.Errorf("%w: no revision segment in %q", core.ErrProtocol, list.ListFileURL)
	}

	// 2. 清单地址：同名 .xml
	if !strings.HasSuffix(strings.ToLower(listURL.Path), ".bin") {
		return nil, fmt.Errorf("%w: file list url %q is not a .bin", core.ErrProtocol, list.ListFileURL)
	}
	manifest := *listURL
	manifest.Path = listURL.Path[:len(listURL.Path)-len(".bin")] + ".xml"
	manifest.RawPath = ""

	// 3. 资源前缀统一以 '/' 结尾
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		base.RawPath = ""
	}

	return &PatchInfo{
		Revision:    revision,
		ManifestURL: manifest.String(),
		FileBaseURL: base.String(),
		Host:        host,
		Port:        port,
		Raw:         list,
	}, nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %w", core.ErrProtocol, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: unsupported url %q", core.ErrProtocol, raw)
	}
	return u, nil
}
