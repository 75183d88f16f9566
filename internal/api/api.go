// ============================================================================
// Beaver-Mail HTTP 控制介面
// ============================================================================
//
// Package: internal/api
// 文件: api.go
// 功能: REST 控制端點、健康檢查，以及 /ws 即時通道的掛載點
//
// 路由:
//   POST   /api/agents/start         啟動協調器（重複呼叫為 no-op）
//   POST   /api/agents/stop          請求協作式停止
//   GET    /api/agents/status        協調器狀態
//   POST   /api/agents/test          以合成郵件測試管線
//   GET    /api/queues/stats         所有佇列；?queue= 指定單一佇列
//   GET    /api/queues/{name}/errors 失敗紀錄（新到舊）；?limit=
//   DELETE /api/queues/{name}/errors 清除失敗紀錄
//   GET    /api/drafts               草稿歷史；?limit=
//   GET    /api/analyses             分析歷史；?limit=
//   GET    /healthz                  依賴健康檢查
//   GET    /ws                       WebSocket 訂閱
//
// ============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-mail/internal/control"
	"github.com/ChuLiYu/beaver-mail/internal/storage/sqlite"
	"github.com/ChuLiYu/beaver-mail/internal/workqueue"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

const (
	defaultListLimit = 50
	maxBodyBytes     = 1 << 20
)

// History 已保存的草稿與分析
type History interface {
	ListDrafts(ctx context.Context, limit int) ([]sqlite.DraftRecord, error)
	ListAnalyses(ctx context.Context, limit int) ([]types.Analysis, error)
}

// HealthCheck 回傳 nil 表示依賴正常
type HealthCheck func(ctx context.Context) error

// Option Server 建構選項
type Option func(*Server)

// WithWebsocket 掛載 /ws handler
func WithWebsocket(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.ws = h
		}
	}
}

// WithHistory 啟用 /api/drafts 與 /api/analyses
func WithHistory(h History) Option {
	return func(s *Server) {
		if h != nil {
			s.history = h
		}
	}
}

// WithHealthCheck 新增一項 /healthz 檢查
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithExtraHandler 掛載額外路由（例如 /metrics）
func WithExtraHandler(pattern string, h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.extra[pattern] = h
		}
	}
}

// Server HTTP 控制伺服器
type Server struct {
	agents  control.Agents
	queues  control.Queues
	history History
	ws      http.Handler
	checks  map[string]HealthCheck
	extra   map[string]http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New 建立控制伺服器；queues 為 nil 時佇列路由回覆 503
func New(agents control.Agents, queues control.Queues, opts ...Option) *Server {
	s := &Server{
		agents: agents,
		queues: queues,
		checks: make(map[string]HealthCheck),
		extra:  make(map[string]http.Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 回傳完整路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/start", s.handleStart)
	mux.HandleFunc("POST /api/agents/stop", s.handleStop)
	mux.HandleFunc("GET /api/agents/status", s.handleStatus)
	mux.HandleFunc("POST /api/agents/test", s.handleTest)
	mux.HandleFunc("GET /api/queues/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/queues/{name}/errors", s.handleQueueErrors)
	mux.HandleFunc("DELETE /api/queues/{name}/errors", s.handleClearErrors)
	mux.HandleFunc("GET /api/drafts", s.handleDrafts)
	mux.HandleFunc("GET /api/analyses", s.handleAnalyses)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return loggingMiddleware(mux)
}

// Start 綁定位址並在背景提供服務
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("http server already started on %s", s.listener.Addr())
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.listener = listener
	s.server = server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "addr", addr, "error", err)
		}
	}()
	log.Info("HTTP server listening", "addr", listener.Addr().String())
	return nil
}

// Addr 回傳實際綁定的位址；尚未啟動時為空字串
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown 停止接受新連線並等待進行中的請求
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	return err
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req control.StartRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts, err := req.Options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	changed := s.agents.Start(opts)
	writeJSON(w, http.StatusOK, control.StartResponse{Changed: changed, Status: s.agents.Status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	changed := s.agents.Stop()
	writeJSON(w, http.StatusOK, control.StartResponse{Changed: changed, Status: s.agents.Status()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.Status())
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	result, err := s.agents.Test(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queues == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queue service unavailable"))
		return
	}
	if name := r.URL.Query().Get("queue"); name != "" {
		stats, err := s.queues.Stats(r.Context(), name)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	all, err := s.queues.StatsAll(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": all})
}

func (s *Server) handleQueueErrors(w http.ResponseWriter, r *http.Request) {
	if s.queues == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queue service unavailable"))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.queues.Errors(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": r.PathValue("name"), "errors": records})
}

func (s *Server) handleClearErrors(w http.ResponseWriter, r *http.Request) {
	if s.queues == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("queue service unavailable"))
		return
	}
	if err := s.queues.ClearErrors(r.Context(), r.PathValue("name")); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrafts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("history unavailable"))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	drafts, err := s.history.ListDrafts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("history unavailable"))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	analyses, err := s.history.ListAnalyses(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": analyses})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	code, status := http.StatusOK, "ok"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
		"agents": s.agents.Status().State,
	})
}

// ============================================================================
// Helpers
// ============================================================================

func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, workqueue.ErrInvalidArgument) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
