package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostinbox/backend/internal/credential"
	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/monitoring"
	"hostinbox/backend/internal/storage"
)

// DefaultBackfillQuery 回填与游标失效时使用的查询
const DefaultBackfillQuery = "is:unread in:inbox"

// 一轮处理的结果
const (
	OutcomeProcessed = "processed" // 已处理并推进游标
	OutcomeStale     = "stale"     // 通知游标不比已存游标新
	OutcomeRevoked   = "revoked"   // 账户授权已失效，未处理
	OutcomeFailed    = "failed"    // 连接或列出历史失败，游标未推进
)

// 单条消息的结果
const (
	resultIngested = "ingested"
	resultNoMatch  = "no_match"
	resultConflict = "conflict"
	resultFailed   = "failed"
)

// HistoryRunResult 一轮历史处理的汇总
type HistoryRunResult struct {
	Account        string   `json:"account"`
	Outcome        string   `json:"outcome"`
	PreviousCursor uint64   `json:"previousCursor"`
	Cursor         uint64   `json:"cursor"`
	Seen           int      `json:"seen"`
	Ingested       int      `json:"ingested"`
	NoMatch        int      `json:"noMatch"`
	Conflicts      int      `json:"conflicts"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

func (r *HistoryRunResult) record(result string) {
	switch result {
	case resultIngested:
		r.Ingested++
	case resultNoMatch:
		r.NoMatch++
	case resultConflict:
		r.Conflicts++
	case resultFailed:
		r.Failed++
	}
}

// HistoryService 按账户历史游标处理新邮件。
//
// 账户状态：active，处理出错后为 error_history_processing，授权失效后为 revoked。
// 每封邮件先在 (账户, 消息ID) 上创建永久认领标记再处理，保证至多处理一次。
type HistoryService struct {
	store       storage.Store
	claims      storage.ClaimRepository
	connector   mailbox.Connector
	cipher      *credential.Cipher
	ingest      *IngestionService
	notifier    Notifier
	metrics     *monitoring.Metrics
	logger      *zap.Logger
	runnerID    string
	maxBackfill int
	now         func() time.Time
}

// NewHistoryService 创建历史处理服务。claims 为空时使用 store 自身的认领实现。
func NewHistoryService(store storage.Store, claims storage.ClaimRepository, connector mailbox.Connector, cipher *credential.Cipher, ingest *IngestionService, logger *zap.Logger) *HistoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if claims == nil {
		claims = store
	}
	return &HistoryService{
		store:       store,
		claims:      claims,
		connector:   connector,
		cipher:      cipher,
		ingest:      ingest,
		logger:      logger.Named("history"),
		runnerID:    uuid.NewString(),
		maxBackfill: 50,
		now:         time.Now,
	}
}

// SetRunnerID 设置写入认领标记的实例标识
func (s *HistoryService) SetRunnerID(id string) {
	if id != "" {
		s.runnerID = id
	}
}

// SetMaxBackfill 设置回填的默认最大消息数
func (s *HistoryService) SetMaxBackfill(n int) {
	if n > 0 {
		s.maxBackfill = n
	}
}

// SetNotifier 设置下游通知
func (s *HistoryService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetMetrics 设置监控指标
func (s *HistoryService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// SetClock 设置时钟
func (s *HistoryService) SetClock(now func() time.Time) {
	s.now = now
}

// HandleNotification 处理一条携带新历史游标的推送通知
func (s *HistoryService) HandleNotification(ctx context.Context, address string, cursor uint64) (*HistoryRunResult, error) {
	account, err := s.loadAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	result := &HistoryRunResult{Account: account.Address, PreviousCursor: account.HistoryCursor, Cursor: account.HistoryCursor}
	if done, err := s.precheck(ctx, account, cursor, result); done {
		return result, err
	}

	client, creds, err := s.connect(ctx, account)
	if err != nil {
		return s.failRun(ctx, account, result, err)
	}
	defer client.Close()
	defer s.saveCredentials(ctx, account, creds, client)

	return s.run(ctx, account, client, cursor, result)
}

// SyncLatest 读取邮箱当前最新游标并处理到该位置，用于补偿丢失的推送
func (s *HistoryService) SyncLatest(ctx context.Context, address string) (*HistoryRunResult, error) {
	account, err := s.loadAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	result := &HistoryRunResult{Account: account.Address, PreviousCursor: account.HistoryCursor, Cursor: account.HistoryCursor}
	if account.IsRevoked() {
		result.Outcome = OutcomeRevoked
		s.metrics.RecordHistoryRun(result.Outcome)
		return result, nil
	}

	client, creds, err := s.connect(ctx, account)
	if err != nil {
		return s.failRun(ctx, account, result, err)
	}
	defer client.Close()
	defer s.saveCredentials(ctx, account, creds, client)

	latest, err := client.LatestCursor(ctx)
	if err != nil {
		return s.failRun(ctx, account, result, fmt.Errorf("%w: latest cursor: %w", ErrUpstreamFetch, err))
	}

	if done, err := s.precheck(ctx, account, latest, result); done {
		return result, err
	}
	return s.run(ctx, account, client, latest, result)
}

// Backfill 按查询列出最多 maxResults 封邮件并逐一认领处理，不改变历史游标
func (s *HistoryService) Backfill(ctx context.Context, address, query string, maxResults int) (*HistoryRunResult, error) {
	account, err := s.loadAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if query == "" {
		query = DefaultBackfillQuery
	}
	if maxResults <= 0 {
		maxResults = s.maxBackfill
	}

	result := &HistoryRunResult{Account: account.Address, PreviousCursor: account.HistoryCursor, Cursor: account.HistoryCursor}
	if account.IsRevoked() {
		result.Outcome = OutcomeRevoked
		s.metrics.RecordHistoryRun(result.Outcome)
		return result, nil
	}

	client, creds, err := s.connect(ctx, account)
	if err != nil {
		return s.failRun(ctx, account, result, err)
	}
	defer client.Close()
	defer s.saveCredentials(ctx, account, creds, client)

	ids, err := client.ListMessages(ctx, query, maxResults)
	if err != nil {
		return s.failRun(ctx, account, result, fmt.Errorf("%w: list messages: %w", ErrUpstreamFetch, err))
	}

	authErr := s.processAll(ctx, account, client, ids, result)
	s.finish(ctx, account, result, authErr)
	return result, nil
}

// precheck 处理已失效账户与过期通知，返回 true 表示本轮到此结束
func (s *HistoryService) precheck(ctx context.Context, account *domain.EmailAccount, cursor uint64, result *HistoryRunResult) (bool, error) {
	if account.IsRevoked() {
		result.Outcome = OutcomeRevoked
		s.metrics.RecordHistoryRun(result.Outcome)
		return true, nil
	}
	if cursor > account.HistoryCursor {
		return false, nil
	}

	result.Outcome = OutcomeStale
	s.metrics.RecordHistoryRun(result.Outcome)
	s.logger.Debug("stale notification",
		zap.String("account", account.Address),
		zap.Uint64("history_id", cursor),
		zap.Uint64("stored_history_id", account.HistoryCursor),
	)
	if err := s.store.TouchEmailAccount(ctx, account.Address, s.now().UTC()); err != nil {
		return true, fmt.Errorf("%w: touch account: %w", ErrPersistence, err)
	}
	return true, nil
}

// run 列出 (已存游标, cursor] 之间新增的未读收件箱邮件并逐一处理，最后推进游标
func (s *HistoryService) run(ctx context.Context, account *domain.EmailAccount, client mailbox.Client, cursor uint64, result *HistoryRunResult) (*HistoryRunResult, error) {
	log := s.logger.With(zap.String("account", account.Address), zap.Uint64("history_id", cursor))

	ids, err := s.addedMessages(ctx, account, client, cursor, log)
	if err != nil {
		return s.failRun(ctx, account, result, err)
	}

	authErr := s.processAll(ctx, account, client, ids, result)
	if err := ctx.Err(); err != nil {
		result.Outcome = OutcomeFailed
		s.metrics.RecordHistoryRun(result.Outcome)
		log.Warn("history run interrupted, cursor not advanced", zap.Error(err))
		return result, err
	}

	if err := s.store.UpdateEmailHistoryCursor(ctx, account.Address, cursor); err != nil {
		log.Error("advance cursor failed", zap.Error(err))
		return result, fmt.Errorf("%w: advance cursor: %w", ErrPersistence, err)
	}
	result.Cursor = cursor
	if err := s.store.TouchEmailAccount(ctx, account.Address, s.now().UTC()); err != nil {
		log.Warn("touch account failed", zap.Error(err))
	}

	s.finish(ctx, account, result, authErr)
	return result, nil
}

// addedMessages 返回待处理的邮件ID。
// 从未同步过或提供方已不保留该游标时，退化为按未读收件箱查询。
func (s *HistoryService) addedMessages(ctx context.Context, account *domain.EmailAccount, client mailbox.Client, cursor uint64, log *zap.Logger) ([]string, error) {
	if account.HistoryCursor > 0 {
		history, err := client.ListHistory(ctx, account.HistoryCursor)
		if err == nil {
			return filterAdded(history.Added, cursor), nil
		}
		if !errors.Is(err, mailbox.ErrCursorExpired) {
			return nil, fmt.Errorf("%w: list history: %w", ErrUpstreamFetch, err)
		}
		log.Warn("history cursor expired, falling back to unread inbox", zap.Uint64("stored_history_id", account.HistoryCursor))
	}

	ids, err := client.ListMessages(ctx, DefaultBackfillQuery, s.maxBackfill)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", ErrUpstreamFetch, err)
	}
	return ids, nil
}

// filterAdded 只保留仍为未读收件箱、且不晚于通知游标的新增邮件，按出现顺序去重
func filterAdded(events []mailbox.HistoryEvent, cursor uint64) []string {
	seen := make(map[string]struct{}, len(events))
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if !e.IsUnreadInbox() {
			continue
		}
		if e.Cursor != 0 && e.Cursor > cursor {
			continue
		}
		if _, ok := seen[e.MessageID]; ok {
			continue
		}
		seen[e.MessageID] = struct{}{}
		ids = append(ids, e.MessageID)
	}
	return ids
}

// processAll 逐一处理邮件，单封失败不影响其余邮件。遇到授权错误时停止并返回该错误。
func (s *HistoryService) processAll(ctx context.Context, account *domain.EmailAccount, client mailbox.Client, ids []string, result *HistoryRunResult) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return nil
		}

		result.Seen++
		outcome, err := s.processMessage(ctx, account, client, id)
		result.record(outcome)
		s.metrics.RecordHistoryMessage(outcome)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", id, err))
			if mailbox.IsAuthError(err) {
				return err
			}
		}
	}
	return nil
}

// processMessage 认领、拉取、入库，成功入库后标记已读。认领标记不会回滚。
func (s *HistoryService) processMessage(ctx context.Context, account *domain.EmailAccount, client mailbox.Client, messageID string) (string, error) {
	log := s.logger.With(zap.String("account", account.Address), zap.String("message_id", messageID))

	if err := s.claim(ctx, account.Address, messageID); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			log.Debug("message already claimed")
			s.metrics.RecordClaimConflict()
			return resultConflict, nil
		}
		log.Error("claim failed", zap.Error(err))
		return resultFailed, err
	}

	msg, err := client.FetchMessage(ctx, messageID)
	if err != nil {
		err = &IngestError{Stage: StageFetch, Err: err}
		log.Error("fetch failed", zap.String("stage", string(StageFetch)), zap.Error(err))
		return resultFailed, err
	}

	text, html := mailbox.ExtractBodies(msg)
	res, err := s.ingest.Ingest(ctx, IngestInput{
		AccountAddress: account.Address,
		MessageID:      messageID,
		Provider:       account.Provider,
		Headers:        mailbox.ExtractHeaders(msg),
		Body:           text,
		HTML:           html,
		ReceivedAt:     msg.ReceivedAt,
		Account:        account,
	})
	if err != nil {
		log.Error("ingest failed", zap.String("stage", string(StageOf(err))), zap.Error(err))
		return resultFailed, err
	}
	if res.Status == StatusNoMatch {
		return resultNoMatch, nil
	}

	if err := client.MarkRead(ctx, messageID); err != nil {
		log.Warn("mark read failed", zap.Error(err))
		if mailbox.IsAuthError(err) {
			return resultIngested, err
		}
	}
	return resultIngested, nil
}

// claim 创建认领标记，已存在时返回 ErrClaimConflict
func (s *HistoryService) claim(ctx context.Context, address, messageID string) error {
	err := s.claims.ClaimMessage(ctx, address, messageID, s.runnerID)
	if errors.Is(err, storage.ErrClaimExists) {
		return fmt.Errorf("%w: %w", ErrClaimConflict, err)
	}
	if err != nil {
		return fmt.Errorf("%w: claim: %w", ErrPersistence, err)
	}
	return nil
}

// finish 根据本轮结果更新账户状态
func (s *HistoryService) finish(ctx context.Context, account *domain.EmailAccount, result *HistoryRunResult, authErr error) {
	log := s.logger.With(zap.String("account", account.Address))

	switch {
	case authErr != nil:
		s.markRevoked(ctx, account, authErr)
		result.Outcome = OutcomeRevoked
	case result.Failed > 0:
		lastError := ""
		if len(result.Errors) > 0 {
			lastError = result.Errors[len(result.Errors)-1]
		}
		if err := s.store.SetEmailAccountStatus(ctx, account.Address, domain.AccountStatusErrorHistoryProcessing, lastError); err != nil {
			log.Error("set account status failed", zap.Error(err))
		}
		result.Outcome = OutcomeProcessed
	default:
		if account.Status != domain.AccountStatusActive {
			if err := s.store.SetEmailAccountStatus(ctx, account.Address, domain.AccountStatusActive, ""); err != nil {
				log.Error("set account status failed", zap.Error(err))
			}
		}
		result.Outcome = OutcomeProcessed
	}

	s.metrics.RecordHistoryRun(result.Outcome)
	log.Info("history run finished",
		zap.String("outcome", result.Outcome),
		zap.Uint64("history_id", result.Cursor),
		zap.Int("seen", result.Seen),
		zap.Int("ingested", result.Ingested),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("failed", result.Failed),
	)

	s.notifyEvent(ctx, domain.WebhookEventHistoryProcessed, result.Account, result)
}

// failRun 连接或列出历史失败：不推进游标，按错误类型更新账户状态
func (s *HistoryService) failRun(ctx context.Context, account *domain.EmailAccount, result *HistoryRunResult, err error) (*HistoryRunResult, error) {
	result.Errors = append(result.Errors, err.Error())

	if mailbox.IsAuthError(err) {
		s.markRevoked(ctx, account, err)
		result.Outcome = OutcomeRevoked
	} else {
		if serr := s.store.SetEmailAccountStatus(ctx, account.Address, domain.AccountStatusErrorHistoryProcessing, err.Error()); serr != nil {
			s.logger.Error("set account status failed", zap.String("account", account.Address), zap.Error(serr))
		}
		result.Outcome = OutcomeFailed
	}

	s.metrics.RecordHistoryRun(result.Outcome)
	s.logger.Error("history run failed", zap.String("account", account.Address), zap.Error(err))
	return result, err
}

func (s *HistoryService) markRevoked(ctx context.Context, account *domain.EmailAccount, cause error) {
	if err := s.store.SetEmailAccountStatus(ctx, account.Address, domain.AccountStatusRevoked, cause.Error()); err != nil {
		s.logger.Error("set account status failed", zap.String("account", account.Address), zap.Error(err))
	}
	s.logger.Warn("account authorization revoked", zap.String("account", account.Address), zap.Error(cause))
	s.notifyEvent(ctx, domain.WebhookEventAccountRevoked, account.Address, map[string]string{
		"accountAddress": account.Address,
		"error":          cause.Error(),
	})
}

func (s *HistoryService) notifyEvent(ctx context.Context, event domain.WebhookEventType, account string, data interface{}) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, &domain.WebhookEvent{
		ID:        uuid.NewString(),
		Event:     event,
		Account:   account,
		Timestamp: s.now().UTC(),
		Data:      data,
	}); err != nil {
		s.logger.Warn("notify failed", zap.String("event", string(event)), zap.Error(err))
	}
}

func (s *HistoryService) loadAccount(ctx context.Context, address string) (*domain.EmailAccount, error) {
	normalized, err := domain.NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrAccountNotFound, err)
	}
	account, err := s.store.GetEmailAccount(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load account: %w", ErrPersistence, err)
	}
	return account, nil
}

// connect 解密凭据并建立邮箱连接，返回解密后的原始凭据用于比较刷新
func (s *HistoryService) connect(ctx context.Context, account *domain.EmailAccount) (mailbox.Client, *mailbox.Credentials, error) {
	creds := &mailbox.Credentials{}
	if account.EncryptedCredentials != "" {
		if s.cipher == nil {
			return nil, nil, fmt.Errorf("%w: no credential cipher configured", ErrMailboxUnavailable)
		}
		if err := s.cipher.OpenJSON(account.EncryptedCredentials, creds); err != nil {
			return nil, nil, fmt.Errorf("%w: decrypt credentials: %w", ErrMailboxUnavailable, err)
		}
	}

	client, err := s.connector.Connect(ctx, account, creds)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMailboxUnavailable, err)
	}
	return client, creds, nil
}

// saveCredentials 令牌被刷新时重新加密保存
func (s *HistoryService) saveCredentials(ctx context.Context, account *domain.EmailAccount, before *mailbox.Credentials, client mailbox.Client) {
	after := client.Credentials()
	if after == nil || s.cipher == nil || !credentialsChanged(before, after) {
		return
	}
	sealed, err := s.cipher.SealJSON(after)
	if err != nil {
		s.logger.Error("seal refreshed credentials failed", zap.String("account", account.Address), zap.Error(err))
		return
	}
	if err := s.store.UpdateEmailCredentials(ctx, account.Address, sealed); err != nil {
		s.logger.Error("save refreshed credentials failed", zap.String("account", account.Address), zap.Error(err))
		return
	}
	s.logger.Debug("credentials refreshed", zap.String("account", account.Address))
}

func credentialsChanged(before, after *mailbox.Credentials) bool {
	if before == nil {
		return true
	}
	return before.AccessToken != after.AccessToken ||
		before.RefreshToken != after.RefreshToken ||
		!before.Expiry.Equal(after.Expiry)
}
