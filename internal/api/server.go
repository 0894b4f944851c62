// Package api 暴露运维 REST 接口：健康检查、指标、支付台账查询。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/elevenyellow/pardon-simulator/internal/agent"
	xerrors "github.com/elevenyellow/pardon-simulator/internal/errors"
	"github.com/elevenyellow/pardon-simulator/internal/observability/metrics"
	"github.com/elevenyellow/pardon-simulator/internal/payment"
)

// Server 负责暴露运维接口。
type Server struct {
	addr     string
	agentID  string
	loop     *agent.Loop
	payments *payment.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr, agentID string, loop *agent.Loop, payments *payment.Service) *Server {
	return &Server{addr: addr, agentID: agentID, loop: loop, payments: payments}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/payments", instrument("payments", s.handleListPayments))
	mux.HandleFunc("/api/v1/payments/stats", instrument("payment_stats", s.handlePaymentStats))
	mux.HandleFunc("/api/v1/payments/requests", instrument("payment_requests", s.handleCreateRequest))

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := agent.StatusIdle
	if s.loop != nil {
		status = s.loop.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":   "ok",
		"agent_id": s.agentID,
		"loop":     string(status),
	})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.payments == nil {
		http.Error(w, "支付服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := payment.BuildListOptions(listOptionsFromQuery(r))
	records, err := s.payments.Ledger().ListPayments(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handlePaymentStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.payments == nil {
		http.Error(w, "支付服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := payment.BuildListOptions(listOptionsFromQuery(r))
	stats, err := s.payments.Ledger().Stats(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleCreateRequest 为指定服务开一条支付请求，返回带 payment_id
// 的完整请求。运营方用它给会话外的买家预开单。
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.payments == nil {
		http.Error(w, "支付服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		FromActor   string `json:"from_actor"`
		ToActor     string `json:"to_actor"`
		ServiceType string `json:"service_type"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		http.Error(w, "请求体不是合法的 JSON", http.StatusBadRequest)
		return
	}

	req, err := s.payments.CreateRequest(r.Context(), body.FromActor, body.ToActor, body.ServiceType)
	if err != nil {
		status := http.StatusBadRequest
		if xerrors.CodeOf(err) == payment.CodeServiceUnknown {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(req)
}

func listOptionsFromQuery(r *http.Request) []payment.ListOption {
	var opts []payment.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, payment.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts = append(opts, payment.WithOffset(parsed))
		}
	}
	if serviceTypes, ok := query["service_type"]; ok && len(serviceTypes) > 0 {
		opts = append(opts, payment.WithServiceTypes(serviceTypes...))
	}
	if raw := query.Get("since"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			opts = append(opts, payment.WithVerifiedSince(time.Unix(parsed, 0)))
		}
	}
	if raw := query.Get("until"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			opts = append(opts, payment.WithVerifiedUntil(time.Unix(parsed, 0)))
		}
	}
	return opts
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理器记录请求指标。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
