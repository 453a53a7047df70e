package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"ChaosCore/internal/ledger"
	"ChaosCore/internal/reputation"
	"ChaosCore/internal/reward"
	"ChaosCore/internal/studio"
	"ChaosCore/pkg/logger"
)

// Services 聚合 API 依赖的核心服务。
type Services struct {
	Ledger     *ledger.Ledger
	Rewards    *reward.Engine
	Reputation *reputation.Engine
	Studios    *studio.Registry
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	svc     Services
	origins []string
	proxies []string
	limiter *RateLimiter
}

// Option 定义可选配置。
type Option func(*Server)

// WithAllowedOrigins 开启跨域访问。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = append(s.origins, origins...)
	}
}

// WithRateLimit 按客户端 IP 限流，rps <= 0 表示不限流。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		}
	}
}

// WithTrustedProxies 声明可信反向代理（IP 或 CIDR），限流时只信任它们转发的 X-Forwarded-For。
func WithTrustedProxies(proxies ...string) Option {
	return func(s *Server) {
		s.proxies = append(s.proxies, proxies...)
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.limiter != nil && len(s.proxies) > 0 {
		if err := s.limiter.TrustProxies(s.proxies...); err != nil {
			logger.L().Warn("忽略无效的可信代理配置", slog.Any("error", err))
		}
	}
	return s
}

// Handler 返回装配好中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	if len(s.origins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(handler)
	}
	return handler
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

func (s *Server) routes(mux *http.ServeMux) {
	handle := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(name, h))
	}

	handle("POST /api/v1/actions", "log_action", s.handleLogAction)
	handle("GET /api/v1/actions", "list_actions", s.handleListActions)
	handle("GET /api/v1/actions/{id}", "get_action", s.handleGetAction)
	handle("POST /api/v1/actions/{id}/verify", "verify_action", s.handleVerifyAction)
	handle("POST /api/v1/actions/{id}/anchor", "anchor_action", s.handleAnchorAction)
	handle("POST /api/v1/actions/{id}/outcome", "record_outcome", s.handleRecordOutcome)
	handle("POST /api/v1/actions/{id}/dispute", "dispute_action", s.handleDisputeAction)
	handle("POST /api/v1/actions/{id}/reject", "reject_action", s.handleRejectAction)
	handle("POST /api/v1/actions/{id}/attestation", "attach_attestation", s.handleAttachAttestation)
	handle("GET /api/v1/actions/{id}/rewards", "compute_rewards", s.handleComputeRewards)
	handle("POST /api/v1/actions/{id}/rewards", "distribute_rewards", s.handleDistributeRewards)
	handle("GET /api/v1/ledger/stats", "ledger_stats", s.handleLedgerStats)

	handle("GET /api/v1/agents/{id}/actions", "agent_actions", s.handleAgentActions)
	handle("GET /api/v1/agents/{id}/reputation", "get_reputation", s.handleGetReputation)
	handle("POST /api/v1/agents/{id}/reputation", "compute_reputation", s.handleComputeReputation)
	handle("GET /api/v1/agents/{id}/reputation/history", "reputation_history", s.handleReputationHistory)
	handle("GET /api/v1/reputation/top", "top_agents", s.handleTopAgents)
	handle("POST /api/v1/reputation/refresh", "refresh_reputation", s.handleRefreshReputation)

	handle("POST /api/v1/studios", "create_studio", s.handleCreateStudio)
	handle("GET /api/v1/studios", "list_studios", s.handleListStudios)
	handle("GET /api/v1/studios/{id}", "get_studio", s.handleGetStudio)
	handle("DELETE /api/v1/studios/{id}", "delete_studio", s.handleDeleteStudio)
	handle("GET /api/v1/studios/{id}/stats", "studio_stats", s.handleStudioStats)
	handle("GET /api/v1/studios/{id}/next-task", "next_task", s.handleNextTask)
	handle("POST /api/v1/studios/{id}/tasks", "add_task", s.handleAddTask)
	handle("GET /api/v1/studios/{id}/tasks", "list_tasks", s.handleListTasks)
	handle("GET /api/v1/studios/{id}/tasks/{task}", "get_task", s.handleGetTask)
	handle("GET /api/v1/studios/{id}/tasks/{task}/dependencies", "task_dependencies", s.handleTaskDependencies)
	handle("GET /api/v1/studios/{id}/tasks/{task}/dependents", "task_dependents", s.handleTaskDependents)
	handle("POST /api/v1/studios/{id}/tasks/{task}/{op}", "task_transition", s.handleTaskTransition)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
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
