// ============================================================================
// Fin-Analysis HTTP 介面
// ============================================================================
//
// 路由:
//   GET /health                         健康檢查（含各後端檢查）
//   GET /metrics                        Prometheus 指標
//   GET /v1/analysis/{kind}?symbol=     get-or-generate
//   GET /v1/tasks/{id}                  輪詢 handle
//
// 錯誤對應:
//   ErrInvalidInput                 → 400
//   ErrHandleNotFound / ErrNotFound → 404
//   ErrQuotaExceeded                → 429
//   其他（含 ErrConsistencyViolation）→ 500
//
// ============================================================================

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/internal/poller"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Resolver get-or-generate 入口
type Resolver interface {
	Resolve(ctx context.Context, key types.AnalysisKey) (types.Resolution, error)
}

// Poller 查詢 handle 狀態
type Poller interface {
	Poll(ctx context.Context, id string) (poller.Report, error)
}

// HealthChecker 後端健康檢查
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Server HTTP 路由
type Server struct {
	resolver Resolver
	poller   Poller
	checks   map[string]HealthChecker
	metrics  http.Handler
	logger   *zap.Logger
	now      func() time.Time
}

// Option 伺服器選項
type Option func(*Server)

// WithLogger 設定日誌
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthCheck 加入一個具名的健康檢查
func WithHealthCheck(name string, c HealthChecker) Option {
	return func(s *Server) { s.checks[name] = c }
}

// WithMetricsHandler 掛上 /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New 建立 Server
func New(r Resolver, p Poller, opts ...Option) *Server {
	s := &Server{
		resolver: r,
		poller:   p,
		checks:   make(map[string]HealthChecker),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整路由
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(s.logRequests)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", s.metrics)
	}
	mux.Route("/v1", func(rt chi.Router) {
		rt.Get("/analysis/{kind}", s.wrap(s.handleAnalysis))
		rt.Get("/tasks/{id}", s.wrap(s.handleTask))
	})
	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap 將 handler 的錯誤轉為 HTTP 狀態碼
func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed",
				zap.String("path", req.URL.Path),
				zap.String("request_id", middleware.GetReqID(req.Context())),
				zap.Error(err))
		}
		writeJSON(w, status, map[string]any{"error": types.ErrorInfoFrom(err)})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrHandleNotFound), errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// GET /v1/analysis/{kind}?symbol=AAPL
func (s *Server) handleAnalysis(w http.ResponseWriter, req *http.Request) error {
	kind, err := types.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		return err
	}
	key := types.NewKey(req.URL.Query().Get("symbol"), kind)
	if err := key.Validate(); err != nil {
		return err
	}

	res, err := s.resolver.Resolve(req.Context(), key)
	if err != nil {
		return err
	}

	switch res.State {
	case types.StateCached:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": res.State,
			"result": poller.Summarize(res.Artifact),
		})
	case types.StatePending:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  res.State,
			"task_id": res.HandleID,
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"message": "retry"})
	}
	return nil
}

// GET /v1/tasks/{id}
func (s *Server) handleTask(w http.ResponseWriter, req *http.Request) error {
	report, err := s.poller.Poll(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

// healthStatus 健康檢查回應
type healthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	health := healthStatus{Status: "healthy", Timestamp: s.now().UTC(), Checks: make(map[string]string)}
	for name, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			health.Status = "unhealthy"
			health.Checks[name] = err.Error()
			continue
		}
		health.Checks[name] = "ok"
	}

	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// logRequests 以 zap 記錄每個請求
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		s.logger.Debug("http request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(req.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
