package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	xerrors "EasyCash-Core/internal/errors"
	"EasyCash-Core/internal/monitoring"
	"EasyCash-Core/internal/orchestrator"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/internal/routing"
	"EasyCash-Core/internal/settlement"
	"EasyCash-Core/internal/validator"
)

// apiKeyHeader 是客户端认证使用的请求头。
const apiKeyHeader = "X-Ecash-Api-Key"

// Server 负责暴露 REST 接口，供外部提交交易意图。
type Server struct {
	addr    string
	orch    *orchestrator.Orchestrator
	ledger  settlement.Ledger
	apiKeys map[string]struct{}
}

// NewServer 构造 API 服务实例。apiKeys 为空时不启用认证。
func NewServer(addr string, orch *orchestrator.Orchestrator, ledger settlement.Ledger, apiKeys []string) *Server {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, key := range apiKeys {
		if key != "" {
			keys[key] = struct{}{}
		}
	}
	return &Server{addr: addr, orch: orch, ledger: ledger, apiKeys: keys}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，测试可直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", monitoring.Handler(s.orch.Aggregator()))
	mux.HandleFunc("/api/v1/transactions", s.withAuth(s.handleTransactions))
	mux.HandleFunc("/api/v1/metrics", s.withAuth(s.handleMetrics))
	return mux
}

// withAuth 校验 API Key。未配置任何 Key 时直接放行。
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) > 0 {
			if _, ok := s.apiKeys[r.Header.Get(apiKeyHeader)]; !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "缺少或无效的 API Key")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleExecute(w, r)
	case http.MethodGet:
		s.handleListExecutions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET/POST")
	}
}

// handleExecute 处理提交交易意图的请求。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "编排器未初始化")
		return
	}

	var req protocol.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidRequest), "请求体解析失败")
		return
	}

	resp, err := s.orch.Execute(r.Context(), req)
	if err != nil {
		status, code := statusOf(err)
		writeError(w, status, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleListExecutions 返回最近的执行流水。
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "执行流水未初始化")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.ledger.ListLatest(r.Context(), limit)
	if err != nil {
		status, code := statusOf(err)
		writeError(w, status, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// handleMetrics 返回 JSON 形式的指标快照。
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.orch.Metrics())
}

// errorBody 是统一的错误响应结构。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

// statusOf 将统一错误码映射为 HTTP 状态码。
func statusOf(err error) (int, string) {
	code := xerrors.CodeOf(err)
	switch code {
	case xerrors.CodeInvalidRequest, validator.CodeValidation:
		return http.StatusBadRequest, string(code)
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests, string(code)
	case routing.CodeSubmitRejected:
		return http.StatusUnprocessableEntity, string(code)
	case xerrors.CodeRetriesExhausted, xerrors.CodeTimeout:
		return http.StatusGatewayTimeout, string(code)
	case xerrors.CodeCancelled:
		return 499, string(code)
	default:
		return http.StatusInternalServerError, string(code)
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
