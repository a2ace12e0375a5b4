package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"patchmirror/pkg/core"
)

// Transport 打开一个远端资源的字节流
// size 为 -1 表示长度未知。调用方负责关闭返回的 ReadCloser。
type Transport interface {
	Open(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// HTTPTransport 是基于 net/http 的默认实现
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport 创建传输层；client 为 nil 时使用带连接池的默认客户端
// 不设置整体超时：大文件的耗时由调用方的 ctx 控制。
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   15 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	return &HTTPTransport{client: client, userAgent: "patchmirror/1.0"}
}

func (t *HTTPTransport) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: GET %s: %w", core.ErrNetwork, url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("GET %s: %w (status %d)", url, core.ErrNotFound, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: GET %s: unexpected status %d", core.ErrNetwork, url, resp.StatusCode)
	}
}
