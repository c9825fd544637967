// Package app 组装入库流水线的全部组件，供 server 与 ingestctl 共用。
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	jwtpkg "hostinbox/backend/internal/auth/jwt"
	"hostinbox/backend/internal/config"
	"hostinbox/backend/internal/credential"
	"hostinbox/backend/internal/health"
	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/mailbox/gmail"
	"hostinbox/backend/internal/mailbox/imap"
	"hostinbox/backend/internal/monitoring"
	"hostinbox/backend/internal/parser"
	"hostinbox/backend/internal/service"
	"hostinbox/backend/internal/storage"
	"hostinbox/backend/internal/storage/filesystem"
	"hostinbox/backend/internal/storage/hybrid"
	"hostinbox/backend/internal/storage/memory"
	"hostinbox/backend/internal/storage/postgres"
	"hostinbox/backend/internal/storage/redis"
	"hostinbox/backend/internal/websocket"
)

const (
	// 账户缓存有效期
	accountCacheTTL = 5 * time.Minute
	// 事件发布的 Redis 频道
	eventChannel = "hostinbox.events"
)

// App 已装配的运行时组件
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    storage.Store
	Raw      *filesystem.Store
	Cipher   *credential.Cipher
	Metrics  *monitoring.Metrics
	Ingest   *service.IngestionService
	History  *service.HistoryService
	Webhooks *service.WebhookDispatcher
	Health   *health.HealthChecker
	Tokens   *jwtpkg.Manager // 未配置 JWT 密钥时为 nil
	Stream   *websocket.Hub

	redis    *redis.Client
	pgClient *postgres.Client
	// hybrid 存储关闭时一并关闭 Redis
	storeOwnsRedis bool
}

// Option 装配选项
type Option func(*options)

type options struct {
	metrics   *monitoring.Metrics
	connector mailbox.Connector
}

// WithMetrics 使用指定的指标集合，默认注册到全局 Registry
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithConnector 替换按配置创建的邮箱连接器
func WithConnector(c mailbox.Connector) Option {
	return func(o *options) { o.connector = c }
}

// New 按配置装配所有组件。返回错误时已建立的连接均已关闭。
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Cipher, err = credential.NewCipherFromBase64(cfg.Credential.Key)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}

	a.Metrics = o.metrics
	if a.Metrics == nil {
		a.Metrics = monitoring.NewMetrics()
	}

	if cfg.Redis.Address != "" {
		a.redis, err = redis.New(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
	}

	if err = a.initStore(); err != nil {
		return nil, err
	}

	claims, err := a.claimRepository()
	if err != nil {
		return nil, err
	}
	a.Store = storage.WithClaims(a.Store, claims)

	a.Raw, err = filesystem.NewStore(cfg.Storage.RawPath)
	if err != nil {
		log.Warn("failed to initialize raw archive, continuing without it", zap.Error(err))
		a.Raw = nil
	}

	a.Webhooks = service.NewWebhookDispatcher(cfg.Webhook.URLs, cfg.Webhook.Secret, cfg.Webhook.Timeout, a.Store, log)
	a.Webhooks.SetMetrics(a.Metrics)

	a.Tokens = jwtpkg.NewManager(cfg.Server.JWTSecret, jwtpkg.DefaultIssuer)
	a.Stream = websocket.NewHub(cfg.CORS.AllowedOrigins, streamVerifier(cfg.Server.APIToken, a.Tokens), log)

	notifier := service.MultiNotifier{a.Webhooks, a.Stream}
	if a.redis != nil {
		notifier = append(notifier, redis.NewPublisher(a.redis, eventChannel))
	}

	a.Ingest = service.NewIngestionService(a.Store, parser.NewDefaultRegistry(), log)
	if a.Raw != nil {
		a.Ingest.SetRawStore(a.Raw)
	}
	a.Ingest.SetMetrics(a.Metrics)
	a.Ingest.SetNotifier(notifier)

	connector := o.connector
	if connector == nil {
		connector, err = newConnector(cfg, log)
		if err != nil {
			return nil, err
		}
	}

	a.History = service.NewHistoryService(a.Store, nil, connector, a.Cipher, a.Ingest, log)
	a.History.SetRunnerID(runnerID(cfg.Ingest.RunnerID))
	a.History.SetMaxBackfill(cfg.Ingest.MaxBackfill)
	a.History.SetNotifier(notifier)
	a.History.SetMetrics(a.Metrics)

	a.Health = health.NewHealthChecker(a.Store, log)
	if a.redis != nil {
		a.Health.AddDependency("redis", a.redis)
	}
	if a.pgClient != nil {
		a.Health.AddDependency("claims", a.pgClient)
	}

	return a, nil
}

// initStore 选择主存储：无数据库时使用内存，有 Redis 时叠加账户缓存
func (a *App) initStore() error {
	cfg := a.Config
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		a.Logger.Warn("using memory storage, data is lost on restart")
		a.Store = memory.NewStore()
		return nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.ConfigurePool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime); err != nil {
		_ = db.Close()
		return err
	}
	a.Logger.Info("using database storage", zap.String("type", cfg.Database.Type))

	if a.redis != nil {
		a.Store = hybrid.NewStore(db, a.redis, nil, accountCacheTTL, a.Logger)
		a.storeOwnsRedis = true
		return nil
	}
	a.Store = db
	return nil
}

// openDatabase 按类型打开 gorm 存储
func openDatabase(cfg config.DatabaseConfig) (*postgres.Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		return postgres.NewStore(cfg.DSN)
	case "mysql":
		return postgres.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// claimRepository 按配置返回独立的认领后端，nil 表示由主存储承担
func (a *App) claimRepository() (storage.ClaimRepository, error) {
	switch a.Config.Ingest.ClaimBackend {
	case "", config.ClaimBackendStore:
		return nil, nil
	case config.ClaimBackendPostgres:
		client, err := postgres.New(&a.Config.Database, a.Logger)
		if err != nil {
			return nil, err
		}
		a.pgClient = client
		return postgres.NewClaimStore(client), nil
	case config.ClaimBackendRedis:
		if a.redis == nil {
			return nil, errors.New("redis claim backend requires redis address")
		}
		return redis.NewClaimStore(a.redis), nil
	default:
		return nil, fmt.Errorf("unsupported claim backend: %s", a.Config.Ingest.ClaimBackend)
	}
}

func newConnector(cfg *config.Config, log *zap.Logger) (mailbox.Connector, error) {
	switch cfg.Ingest.Provider {
	case "", config.ProviderGmail:
		return gmail.NewConnector(gmail.Config{
			ClientID:          cfg.Gmail.ClientID,
			ClientSecret:      cfg.Gmail.ClientSecret,
			RedirectURL:       cfg.Gmail.RedirectURL,
			RequestsPerSecond: cfg.Gmail.RequestsPerSecond,
		}, log), nil
	case config.ProviderIMAP:
		return imap.NewConnector(imap.Config{
			Host: cfg.IMAP.Host,
			Port: cfg.IMAP.Port,
			TLS:  cfg.IMAP.TLS,
		}, log), nil
	default:
		return nil, fmt.Errorf("unsupported mailbox provider: %s", cfg.Ingest.Provider)
	}
}

// streamVerifier 事件流令牌校验，与 /api/v1 的认证规则一致
func streamVerifier(static string, tokens *jwtpkg.Manager) websocket.Verifier {
	if static == "" && tokens == nil {
		return nil
	}
	return func(token string) ([]string, error) {
		if static != "" && subtle.ConstantTimeCompare([]byte(token), []byte(static)) == 1 {
			return nil, nil
		}
		if tokens == nil {
			return nil, jwtpkg.ErrInvalidToken
		}
		claims, err := tokens.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		if len(claims.Accounts) == 0 {
			return nil, nil
		}
		return claims.Accounts, nil
	}
}

// runnerID 未配置时使用主机名加随机后缀
func runnerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hostinbox"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Poller 创建周期同步器，并挂上 webhook 重试与归档清理
func (a *App) Poller() *service.Poller {
	p := service.NewPoller(a.History, a.Store, a.Config.Ingest.PollInterval, a.Config.Ingest.Workers, a.Logger)

	p.AddMaintenance("webhook_retry", func(ctx context.Context) error {
		n, err := a.Webhooks.RetryFailedDeliveries(ctx, 0)
		if n > 0 {
			a.Logger.Info("webhook deliveries retried", zap.Int("count", n))
		}
		return err
	})

	if a.Raw != nil && a.Config.Storage.RetentionDays > 0 {
		p.AddMaintenance("raw_cleanup", func(ctx context.Context) error {
			n, err := a.Raw.CleanupExpired(a.Config.Storage.RetentionDays, time.Now())
			if n > 0 {
				a.Logger.Info("expired raw payloads removed", zap.Int("count", n))
			}
			return err
		})
	}
	return p
}

// Close 等待在途通知完成后关闭所有连接
func (a *App) Close() error {
	if a.Webhooks != nil {
		a.Webhooks.Wait()
	}
	var errs []error
	if a.pgClient != nil {
		a.pgClient.Close()
		a.pgClient = nil
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.Store = nil
	}
	if a.redis != nil && !a.storeOwnsRedis {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.redis = nil
	return errors.Join(errs...)
}
