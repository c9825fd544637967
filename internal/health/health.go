package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// 单项依赖检查超时
const checkTimeout = 5 * time.Second

// Pinger 可探活的依赖（存储、Redis、Postgres 连接池）
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
//
// /live 只反映进程自身状态；/ready 额外检查所有已注册依赖。
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
	now    func() time.Time

	mu           sync.RWMutex
	dependencies []dependency
}

type dependency struct {
	name   string
	pinger Pinger
}

// NewHealthChecker 创建健康检查器，store 作为名为 storage 的依赖注册
func NewHealthChecker(store Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger.Named("health"),
		now:    time.Now,
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	if store != nil {
		hc.AddDependency("storage", store)
	}
	return hc
}

// AddDependency 注册一个就绪检查依赖
func (hc *HealthChecker) AddDependency(name string, p Pinger) {
	hc.mu.Lock()
	hc.dependencies = append(hc.dependencies, dependency{name: name, pinger: p})
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, healthcheck.Timeout(hc.pingCheck(name, p), checkTimeout))
}

func (hc *HealthChecker) pingCheck(name string, p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			hc.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			return err
		}
		return nil
	}
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部依赖检查并返回各项状态
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	hc.mu.RLock()
	deps := append([]dependency(nil), hc.dependencies...)
	hc.mu.RUnlock()

	results := make(map[string]string, len(deps)+1)
	for _, d := range deps {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := d.pinger.Ping(checkCtx)
		cancel()
		if err != nil {
			results[d.name] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results[d.name] = "OK"
		}
	}
	results["timestamp"] = hc.now().UTC().Format(time.RFC3339)
	return results
}
