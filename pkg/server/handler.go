package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"

	"patchmirror/pkg/core"
	"patchmirror/pkg/types"
)

// Resolver 是文件服务对登记表的全部依赖：两个只读操作
type Resolver interface {
	Resolve(id types.RevisionID, p types.AssetPath) (*os.File, core.Asset, error)
	List() ([]types.RevisionID, error)
}

// 对外可见的错误码
const (
	CodeNotFound    = "not_found"
	CodeQueueFull   = "queue_full"
	CodeRateLimited = "rate_limited"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Error: msg})
}

// Handler 提供只读的文件服务
//
//	GET /revisions                 -> 版本 ID 的 JSON 数组 (升序)
//	GET /{revision}/{path...}      -> 文件字节
type Handler struct {
	reg    Resolver
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewHandler(reg Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{reg: reg, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /revisions", h.handleRevisions)
	h.mux.HandleFunc("GET /{revision}/{path...}", h.handleFile)
	h.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such route")
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleRevisions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.reg.List()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []types.RevisionID{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ids)
}

func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	rev := types.RevisionID(r.PathValue("revision"))
	p := r.PathValue("path")
	if !rev.IsValid() || p == "" {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
		return
	}

	f, asset, err := h.reg.Resolve(rev, types.AssetPath(p))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+asset.Fingerprint.String()+`"`)
	// ServeContent 处理 Range / If-Modified-Since / If-None-Match
	http.ServeContent(w, r, path.Base(p), info.ModTime(), f)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
		return
	}
	h.logger.Error("request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}
