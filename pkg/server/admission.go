package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// 准入控制 (Backpressure)
// 顺序：恢复 -> 队列 -> 限流 -> 超时 -> 业务处理
// =============================================================================

// AdmissionConfig 对应 server.* 配置
type AdmissionConfig struct {
	QueueDepth int           // 同时受理的请求上限，满了返回 503
	Limiter    Limiter       // 固定窗口限流，拒绝返回 429；nil 表示不限流
	Timeout    time.Duration // 单个请求的超时，响应开始前触发返回 504
}

// Admit 用准入管线包装 next
func Admit(next http.Handler, cfg AdmissionConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := next
	if cfg.Timeout > 0 {
		h = withTimeout(h, cfg.Timeout, logger)
	}
	if cfg.Limiter != nil {
		h = withRateLimit(h, cfg.Limiter)
	}
	if cfg.QueueDepth > 0 {
		h = withQueue(h, cfg.QueueDepth)
	}
	return withRecovery(h, logger)
}

// withQueue 固定深度的受理队列，满了立即拒绝，不阻塞
func withQueue(next http.Handler, depth int) http.Handler {
	slots := make(chan struct{}, depth)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, CodeQueueFull, "request queue is full")
		}
	})
}

func withRateLimit(next http.Handler, limiter Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(r.Context()) {
			w.Header().Set("Retry-After", retryAfterSeconds(limiter.RetryAfter()))
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds 向上取整到秒，至少为 1
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// withRecovery 捕获 Panic，进程不受影响
func withRecovery(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logPanic(logger, r, p)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func logPanic(logger *slog.Logger, r *http.Request, p any) {
	logger.Error("panic recovered",
		slog.String("path", r.URL.Path),
		slog.Any("panic", p),
		slog.String("stack", string(debug.Stack())),
	)
}

// withTimeout 在 d 之后取消请求的 ctx
// 如果此时响应还没开始，返回 504；已经开始写的响应继续完成，只是 ctx 被取消。
func withTimeout(next http.Handler, d time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()

		tw := &timeoutWriter{w: w, h: make(http.Header)}
		done := make(chan struct{})
		panicked := make(chan any, 1)

		go func() {
			defer close(done)
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if !tw.expire() {
				// 响应已经开始，等待处理结束
				<-done
			}
		}

		select {
		case p := <-panicked:
			logPanic(logger, r, p)
			if tw.expire() {
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			}
			return
		default:
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && tw.expire() {
			writeError(w, http.StatusGatewayTimeout, CodeTimeout, "request timed out")
		}
	})
}

// timeoutWriter 记录响应是否已经开始；超时后丢弃迟到的写入
// 处理函数使用独立的 Header，开始响应时才拷贝到底层 ResponseWriter。
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu       sync.Mutex
	started  bool
	timedOut bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.started {
		return
	}
	tw.start(code)
}

// start 调用方必须持有 mu
func (tw *timeoutWriter) start(code int) {
	tw.started = true
	dst := tw.w.Header()
	for k, v := range tw.h {
		dst[k] = v
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.started {
		tw.start(http.StatusOK)
	}
	return tw.w.Write(p)
}

// expire 如果响应尚未开始，标记为超时并返回 true
func (tw *timeoutWriter) expire() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.started {
		return false
	}
	tw.timedOut = true
	return true
}
