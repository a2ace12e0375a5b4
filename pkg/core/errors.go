package core

import "errors"

// 错误分类 (Error Taxonomy)
// 各组件用 fmt.Errorf("...: %w", ErrXxx) 包装，调用方用 errors.Is 判断类别。
var (
	// ErrNetwork 上游不可达或超时
	ErrNetwork = errors.New("network error")
	// ErrProtocol 上游返回了不符合协议的帧
	ErrProtocol = errors.New("protocol error")
	// ErrParse Manifest 文档结构非法
	ErrParse = errors.New("manifest parse error")
	// ErrIO 磁盘读写失败
	ErrIO = errors.New("io error")
	// ErrDownload 单个资源下载失败 (可重试)
	ErrDownload = errors.New("download error")
	// ErrDiff 输入退化 (例如候选版本为空)
	ErrDiff = errors.New("diff error")
	// ErrLock 共享状态已损坏，视为致命错误
	ErrLock = errors.New("registry lock corrupted")
	// ErrNotFound 版本或路径不存在
	ErrNotFound = errors.New("not found")
	// ErrConfig 配置校验失败
	ErrConfig = errors.New("invalid configuration")
)
