package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"hostinbox/backend/internal/config"
)

const (
	// 认领事务很短，连接数不必与 gorm 连接池一致
	defaultClaimConns = 4
	claimConnIdleTime = 30 * time.Minute
	connectTimeout    = 10 * time.Second
)

// Client 认领标记专用的 pgx 连接池，需要显式 SERIALIZABLE 事务
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New 连接数据库并确认可用
func New(cfg *config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	poolConfig, err := claimPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping claim database: %w", err)
	}

	log = log.Named("claims")
	log.Info("claim pool connected",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.String("host", poolConfig.ConnConfig.Host),
	)
	return &Client{pool: pool, log: log}, nil
}

// claimPoolConfig 解析 DSN 并套用连接池上限
func claimPoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	conns := int32(defaultClaimConns)
	if n := int32(cfg.MaxOpenConns); n > 0 && n < conns {
		conns = n
	}
	poolConfig.MaxConns = conns
	poolConfig.MinConns = 0
	poolConfig.MaxConnIdleTime = claimConnIdleTime
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	return poolConfig, nil
}

// Close 关闭连接池
func (c *Client) Close() {
	c.pool.Close()
	c.log.Info("claim pool closed")
}

// Ping 健康检查使用
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}
