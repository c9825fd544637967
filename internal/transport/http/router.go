package httptransport

import (
	"context"
	"net/http"
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "hostinbox/backend/internal/auth/jwt"
	"hostinbox/backend/internal/cache"
	"hostinbox/backend/internal/config"
	"hostinbox/backend/internal/credential"
	"hostinbox/backend/internal/health"
	"hostinbox/backend/internal/middleware"
	"hostinbox/backend/internal/monitoring"
	"hostinbox/backend/internal/service"
	"hostinbox/backend/internal/storage"
	"hostinbox/backend/internal/websocket"
)

// 推送去重窗口
const (
	pushCacheSize = 10000
	pushCacheTTL  = 10 * time.Minute
)

// Ingester 直接入库
type Ingester interface {
	Ingest(ctx context.Context, in service.IngestInput) (*service.IngestResult, error)
}

// HistoryRunner 账户历史处理
type HistoryRunner interface {
	HandleNotification(ctx context.Context, address string, cursor uint64) (*service.HistoryRunResult, error)
	SyncLatest(ctx context.Context, address string) (*service.HistoryRunResult, error)
	Backfill(ctx context.Context, address, query string, maxResults int) (*service.HistoryRunResult, error)
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	ingest  Ingester
	history HistoryRunner
	store   storage.Store
	cipher  *credential.Cipher
	pushes  *cache.LocalCache // 已处理的推送
	logger  *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config  *config.Config
	Ingest  Ingester
	History HistoryRunner
	Store   storage.Store
	Cipher  *credential.Cipher
	Health  *health.HealthChecker
	Metrics *monitoring.Metrics
	Tokens  *jwtpkg.Manager // 可选，运维 JWT
	Stream  *websocket.Hub  // 可选，实时事件流
	Logger  *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时不能携带凭证
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		router.Use(gincors.New(corsConfig))
	}

	handler := &Handler{
		ingest:  deps.Ingest,
		history: deps.History,
		store:   deps.Store,
		cipher:  deps.Cipher,
		pushes:  cache.NewLocalCache(pushCacheSize, pushCacheTTL),
		logger:  logger.Named("http"),
	}

	router.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		results := deps.Health.CheckHealth(c.Request.Context())
		status := http.StatusOK
		for name, v := range results {
			if name != "timestamp" && strings.HasPrefix(v, "ERROR") {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, results)
	})
	if deps.Health != nil {
		router.GET("/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// Pub/Sub 推送回调无法携带 Authorization 头，令牌放在查询参数中
	hooks := router.Group("/webhooks")
	hooks.Use(middleware.QueryToken("token", deps.Config.Gmail.PushToken), middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	hooks.POST("/gmail", handler.gmailPush)

	api := router.Group("/api/v1")
	api.Use(middleware.OperatorAuth(deps.Config.Server.APIToken, deps.Tokens))
	{
		api.POST("/ingest", middleware.BodySizeLimit(middleware.IngestBodyLimit), handler.ingestMessage)

		api.GET("/accounts", handler.listAccounts)
		api.GET("/accounts/:address", handler.getAccount)
		api.PUT("/accounts/:address", middleware.BodySizeLimit(middleware.DefaultBodyLimit), handler.saveAccount)
		api.GET("/accounts/:address/inbound", handler.listInbound)
		api.POST("/accounts/:address/sync", handler.syncAccount)
		api.POST("/accounts/:address/backfill", handler.backfillAccount)

		api.GET("/claims/:address/:messageId", handler.getClaim)
		api.DELETE("/claims/:address/:messageId", handler.releaseClaim)
	}

	// 事件流自行校验令牌，以便按令牌范围限制订阅
	if deps.Stream != nil {
		router.GET("/api/v1/events", deps.Stream.Handler())
	}

	return router
}
