package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/pool"
	"hostinbox/backend/internal/storage"
)

// Syncer 读取最新游标并处理一个账户
type Syncer interface {
	SyncLatest(ctx context.Context, address string) (*HistoryRunResult, error)
}

// MaintenanceFunc 每轮轮询后执行的维护任务
type MaintenanceFunc func(ctx context.Context) error

// Poller 周期性地为所有可处理账户执行 SyncLatest，补偿丢失的推送通知。
//
// 跨账户并发由协程池限制；同一轮内每个账户只提交一次。
type Poller struct {
	syncer      Syncer
	accounts    storage.AccountRepository
	interval    time.Duration
	workers     int
	logger      *zap.Logger
	maintenance map[string]MaintenanceFunc
}

// NewPoller 创建轮询器
func NewPoller(syncer Syncer, accounts storage.AccountRepository, interval time.Duration, workers int, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Poller{
		syncer:      syncer,
		accounts:    accounts,
		interval:    interval,
		workers:     workers,
		logger:      logger.Named("poller"),
		maintenance: make(map[string]MaintenanceFunc),
	}
}

// AddMaintenance 注册维护任务（如 Webhook 重试、归档清理）
func (p *Poller) AddMaintenance(name string, fn MaintenanceFunc) {
	p.maintenance[name] = fn
}

// Run 按间隔轮询直到 ctx 取消。间隔为 0 时立即返回。
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}

	workers := pool.NewWorkerPool(p.workers, p.workers*16)
	workers.SetPanicHandler(func(r interface{}) {
		p.logger.Error("sync task panicked", zap.Any("panic", r))
	})
	workers.Start(ctx)
	defer workers.Stop()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", zap.Duration("interval", p.interval), zap.Int("workers", p.workers))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.PollOnce(ctx, workers)
			p.runMaintenance(ctx)
		}
	}
}

// PollOnce 为每个 active 或 error_history_processing 账户提交一次同步并等待本轮完成，返回提交数量
func (p *Poller) PollOnce(ctx context.Context, workers *pool.WorkerPool) int {
	accounts, err := p.accounts.ListEmailAccounts(ctx)
	if err != nil {
		p.logger.Error("list accounts failed", zap.Error(err))
		return 0
	}

	var wg sync.WaitGroup
	submitted := 0
	for i := range accounts {
		if ctx.Err() != nil {
			break
		}
		if !pollable(accounts[i].Status) {
			continue
		}

		address := accounts[i].Address
		wg.Add(1)
		ok := workers.TrySubmit(func() {
			defer wg.Done()
			p.sync(ctx, address)
		})
		if !ok {
			wg.Done()
			p.logger.Warn("sync queue full, account deferred to next round", zap.String("account", address))
			continue
		}
		submitted++
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return submitted
}

func (p *Poller) sync(ctx context.Context, address string) {
	result, err := p.syncer.SyncLatest(ctx, address)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("sync failed", zap.String("account", address), zap.Error(err))
		}
		return
	}
	if result != nil && result.Outcome == OutcomeProcessed {
		p.logger.Debug("sync finished",
			zap.String("account", address),
			zap.Uint64("history_id", result.Cursor),
			zap.Int("ingested", result.Ingested),
		)
	}
}

func (p *Poller) runMaintenance(ctx context.Context) {
	for name, fn := range p.maintenance {
		if err := fn(ctx); err != nil {
			p.logger.Warn("maintenance task failed", zap.String("task", name), zap.Error(err))
		}
	}
}

func pollable(status domain.AccountStatus) bool {
	return status == domain.AccountStatusActive || status == domain.AccountStatusErrorHistoryProcessing
}
