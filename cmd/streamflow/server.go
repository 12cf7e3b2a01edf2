package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/streamflow/api/handlers"
	"github.com/BaSui01/streamflow/config"
	"github.com/BaSui01/streamflow/events"
	"github.com/BaSui01/streamflow/internal/database"
	"github.com/BaSui01/streamflow/internal/metrics"
	"github.com/BaSui01/streamflow/internal/server"
	"github.com/BaSui01/streamflow/internal/telemetry"
	"github.com/BaSui01/streamflow/session"
	"github.com/BaSui01/streamflow/upstream"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 StreamFlow 网关的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler  *handlers.HealthHandler
	chatHandler    *handlers.ChatHandler
	wsHandler      *handlers.WSHandler
	sessionHandler *handlers.SessionHandler
	apiKeyHandler  *handlers.APIKeyHandler

	// 依赖
	collector      *metrics.Collector
	otelProviders  *telemetry.Providers
	pool           *database.PoolManager
	db             *gorm.DB
	upstreamClient *upstream.Client
	sessions       *session.Manager

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("streamflow", s.logger)

	// 2. 初始化 OpenTelemetry
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("Failed to initialize telemetry", zap.Error(err))
	} else {
		s.otelProviders = providers
	}

	// 3. 初始化数据库（可选, 缺失时 Key 池和归档降级）
	if err := s.initDatabase(); err != nil {
		s.logger.Warn("Database not available, key pool and archiving disabled", zap.Error(err))
	}

	// 4. 初始化会话管理器（存储 + 归档 + 用量事件）
	if err := s.initSessions(); err != nil {
		return fmt.Errorf("failed to init session manager: %w", err)
	}

	// 5. 初始化上游客户端
	if err := s.initUpstream(); err != nil {
		return fmt.Errorf("failed to init upstream client: %w", err)
	}

	// 6. 初始化 Handlers
	s.initHandlers()

	// 7. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 8. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("provider", s.cfg.Upstream.Provider),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initDatabase 打开数据库连接并启动连接池管理器
func (s *Server) initDatabase() error {
	if s.cfg.Database.Driver == "" {
		return fmt.Errorf("database driver not configured")
	}

	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}

	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger)
	if err != nil {
		return err
	}
	pool.SetMetrics(s.collector)

	s.db = db
	s.pool = pool
	return nil
}

// initSessions 构建会话存储、归档器与用量事件发布器
func (s *Server) initSessions() error {
	var (
		store     session.Store
		storeName string
		err       error
	)

	switch s.cfg.Session.Store {
	case "redis":
		store, err = session.NewRedisStore(session.RedisConfig{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
			TTL:          s.cfg.Session.TTL,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("redis session store: %w", err)
		}
		storeName = "redis"
	default:
		store = session.NewMemoryStore(s.cfg.Session.TTL)
		storeName = "memory"
	}

	opts := []session.ManagerOption{session.WithMetrics(s.collector)}

	if s.cfg.Session.ArchiveEnabled && s.db != nil {
		archiver, archErr := session.NewArchiver(s.db, s.logger)
		if archErr != nil {
			s.logger.Warn("Session archiving disabled", zap.Error(archErr))
		} else {
			opts = append(opts, session.WithArchiver(archiver))
		}
	}

	publisher, err := s.buildPublisher()
	if err != nil {
		s.logger.Warn("Usage event publishing disabled", zap.Error(err))
	} else if publisher != nil {
		opts = append(opts, session.WithPublisher(publisher))
	}

	s.sessions = session.NewManager(store, storeName, s.logger, opts...)
	s.logger.Info("Session manager initialized", zap.String("store", storeName))
	return nil
}

// buildPublisher 根据配置构建用量事件发布器, publisher 为 none 时返回 nil
func (s *Server) buildPublisher() (events.Publisher, error) {
	switch s.cfg.Events.Publisher {
	case "redis":
		return events.NewRedisPublisher(events.RedisConfig{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			Queue:    s.cfg.Events.RedisQueue,
		}, s.logger)
	case "amqp":
		return events.NewAMQPPublisher(events.AMQPConfig{
			URL:   s.cfg.Events.AMQPURL,
			Queue: s.cfg.Events.AMQPQueue,
		}, s.logger)
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown events publisher: %s", s.cfg.Events.Publisher)
	}
}

// initUpstream 创建上游客户端并按需附加数据库 Key 池
func (s *Server) initUpstream() error {
	if s.cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url not configured")
	}

	client := upstream.New(upstream.Config{
		ProviderName: s.cfg.Upstream.Provider,
		APIKey:       s.cfg.Upstream.APIKey,
		BaseURL:      s.cfg.Upstream.BaseURL,
		DefaultModel: s.cfg.Upstream.DefaultModel,
		Timeout:      s.cfg.Upstream.Timeout,
	}, s.logger)

	if s.cfg.Upstream.KeyPoolEnabled && s.db != nil {
		pool := upstream.NewKeyPool(s.db, s.cfg.Upstream.Provider,
			upstream.KeySelectionStrategy(s.cfg.Upstream.KeyPoolStrategy), s.logger)
		if err := pool.LoadKeys(context.Background()); err != nil {
			s.logger.Warn("Key pool load failed, falling back to static API key", zap.Error(err))
		} else {
			client.SetKeyPool(pool)
			s.logger.Info("Upstream key pool attached",
				zap.String("strategy", s.cfg.Upstream.KeyPoolStrategy))
		}
	}

	s.upstreamClient = client
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	if s.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", s.pool.Ping))
	}
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("upstream", func(ctx context.Context) error {
		_, err := s.upstreamClient.HealthCheck(ctx)
		return err
	}))

	s.chatHandler = handlers.NewChatHandler(s.upstreamClient, s.sessions,
		s.cfg.Stop, s.cfg.Pipeline, s.logger)
	s.chatHandler.SetMetrics(s.collector)

	s.wsHandler = handlers.NewWSHandler(s.upstreamClient, s.sessions,
		s.cfg.Stop, s.cfg.Pipeline, s.logger)
	s.wsHandler.SetMetrics(s.collector)

	s.sessionHandler = handlers.NewSessionHandler(s.sessions, s.logger)

	if s.db != nil {
		s.apiKeyHandler = handlers.NewAPIKeyHandler(s.db, s.logger)
	}

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 聊天 API 路由
	// ========================================
	mux.HandleFunc("POST /v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("POST /v1/chat/completions/stream", s.chatHandler.HandleStream)
	mux.HandleFunc("GET /v1/chat/stream", s.wsHandler.HandleStream)

	// ========================================
	// 会话查询路由
	// ========================================
	mux.HandleFunc("GET /v1/sessions/{id}", s.sessionHandler.HandleGet)

	// ========================================
	// 上游 API Key 管理路由（需要数据库）
	// ========================================
	if s.apiKeyHandler != nil {
		mux.HandleFunc("GET /v1/providers/{provider}/keys", s.apiKeyHandler.HandleListAPIKeys)
		mux.HandleFunc("POST /v1/providers/{provider}/keys", s.apiKeyHandler.HandleCreateAPIKey)
		mux.HandleFunc("GET /v1/providers/{provider}/keys/stats", s.apiKeyHandler.HandleAPIKeyStats)
		mux.HandleFunc("PUT /v1/providers/{provider}/keys/{keyId}", s.apiKeyHandler.HandleUpdateAPIKey)
		mux.HandleFunc("DELETE /v1/providers/{provider}/keys/{keyId}", s.apiKeyHandler.HandleDeleteAPIKey)
		s.logger.Info("API key management routes registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/healthz", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.otelProviders != nil {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}

	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.ConfigFrom(s.cfg.Server), s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭会话管理器（发布器 + 存储）
	if s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			s.logger.Error("Session manager shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭数据库连接池
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭遥测
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
