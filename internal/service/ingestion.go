package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/identity"
	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/monitoring"
	"hostinbox/backend/internal/parser"
	"hostinbox/backend/internal/storage"
	"hostinbox/backend/internal/textnorm"
)

// IngestStatus 单封邮件的处理结果
type IngestStatus string

const (
	StatusIngested IngestStatus = "ingested"
	StatusNoMatch  IngestStatus = "no_match"
)

// storedHeaders 写入会话消息的头部
var storedHeaders = []string{"from", "to", "reply-to", "subject", "date", "message-id"}

// IngestInput 入库输入。
//
// Headers、Body、HTML 全部为空时通过 Client 拉取邮件；Account 为空时按地址查询。
type IngestInput struct {
	AccountAddress string
	MessageID      string
	Provider       string
	Headers        map[string]string
	Body           string
	HTML           string
	ReceivedAt     time.Time

	Account *domain.EmailAccount
	Client  mailbox.Client
}

func (in IngestInput) hasContent() bool {
	return len(in.Headers) > 0 || in.Body != "" || in.HTML != ""
}

// IngestResult 入库结果
type IngestResult struct {
	Status         IngestStatus                  `json:"status"`
	Parser         string                        `json:"parser,omitempty"`
	MessageID      string                        `json:"messageId,omitempty"`
	Payload        *domain.CanonicalEmailPayload `json:"payload,omitempty"`
	Identifiers    identity.Identifiers          `json:"identifiers"`
	MessageCreated bool                          `json:"messageCreated"`
	RawPath        string                        `json:"rawPath,omitempty"`
}

// Notifier 下游事件通知
type Notifier interface {
	Notify(ctx context.Context, event *domain.WebhookEvent) error
}

// IngestionService 单封邮件的入库流水线：解析、校验、身份推导、合并写入
type IngestionService struct {
	store     storage.Store
	registry  *parser.Registry
	validator *domain.PayloadValidator
	resolver  *identity.Resolver
	raw       storage.RawPayloadStore // 原始邮件归档（可选）
	notifier  Notifier                // 下游通知（可选）
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewIngestionService 创建入库服务
func NewIngestionService(store storage.Store, registry *parser.Registry, logger *zap.Logger) *IngestionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestionService{
		store:     store,
		registry:  registry,
		validator: domain.NewPayloadValidator(),
		resolver:  identity.NewResolver(),
		logger:    logger.Named("ingest"),
		now:       time.Now,
	}
}

// SetRawStore 设置原始邮件归档
func (s *IngestionService) SetRawStore(raw storage.RawPayloadStore) {
	s.raw = raw
}

// SetNotifier 设置下游通知
func (s *IngestionService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetMetrics 设置监控指标
func (s *IngestionService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// SetClock 设置时钟
func (s *IngestionService) SetClock(now func() time.Time) {
	s.now = now
}

// Ingest 处理一封邮件。
//
// 没有解析器匹配时返回 StatusNoMatch 且不写入任何记录。
// 拉取、校验、写入任一阶段失败都会返回 *IngestError，由调用方决定重投或跳过。
func (s *IngestionService) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	start := s.now()
	parserID := ""

	result, err := s.ingest(ctx, &in, &parserID)

	duration := s.now().Sub(start)
	switch {
	case err != nil:
		s.metrics.RecordFailure(string(StageOf(err)), parserID, duration)
	case result.Status == StatusNoMatch:
		s.metrics.RecordNoMatch(duration)
	default:
		s.metrics.RecordIngested(result.Parser, duration)
	}
	return result, err
}

func (s *IngestionService) ingest(ctx context.Context, in *IngestInput, parserID *string) (*IngestResult, error) {
	address, err := domain.NormalizeAddress(in.AccountAddress)
	if err != nil {
		return nil, stageError(StageValidate, "account address %q: %w", in.AccountAddress, err)
	}
	in.AccountAddress = address

	if !in.hasContent() {
		if err := s.fetch(ctx, in); err != nil {
			return nil, err
		}
	}

	headers := parser.NormalizeHeaders(in.Headers)
	if in.MessageID == "" {
		in.MessageID = strings.Trim(headers["message-id"], "<> ")
	}
	if in.MessageID == "" {
		in.MessageID = contentMessageID(headers, in.Body, in.HTML)
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.now().UTC()
	}
	if in.Provider == "" {
		in.Provider = domain.ProviderAPI
	}

	log := s.logger.With(
		zap.String("account", in.AccountAddress),
		zap.String("message_id", in.MessageID),
	)

	parsed, ok := s.registry.Parse(parser.Input{
		Headers:    headers,
		Body:       in.Body,
		HTML:       in.HTML,
		ReceivedAt: in.ReceivedAt,
	})
	if !ok {
		log.Info("no parser matched", zap.String("from", headers["from"]))
		return &IngestResult{Status: StatusNoMatch, MessageID: in.MessageID}, nil
	}
	*parserID = parsed.ParserID
	payload := parsed.Payload
	log = log.With(zap.String("parser", parsed.ParserID))

	if err := s.validator.Validate(&payload); err != nil {
		log.Warn("payload rejected", zap.Error(err))
		return nil, &IngestError{Stage: StageValidate, Err: err}
	}

	account, err := s.account(ctx, in)
	if err != nil {
		return nil, err
	}

	existing, err := s.existingReservation(ctx, &payload)
	if err != nil {
		return nil, err
	}

	ids := s.resolver.Derive(&payload, identity.RawInput{
		MessageID:  in.MessageID,
		ReceivedAt: in.ReceivedAt,
	}, existing, account)
	log = log.With(
		zap.String("reservation_id", ids.ReservationID),
		zap.String("conversation_id", ids.ConversationID),
	)

	created, err := s.persist(ctx, in, headers, &payload, ids, account)
	if err != nil {
		log.Error("persist failed", zap.Error(err))
		return nil, err
	}

	rawPath := s.archive(ctx, in, headers, log)

	if err := s.store.RecordInboundEmail(ctx, &domain.InboundEmail{
		ID:             uuid.NewString(),
		AccountAddress: in.AccountAddress,
		MessageID:      in.MessageID,
		Parser:         parsed.ParserID,
		Provider:       in.Provider,
		From:           headers["from"],
		Subject:        headers["subject"],
		ReservationID:  ids.ReservationID,
		ConversationID: ids.ConversationID,
		PropertyID:     ids.PropertyID,
		RawPath:        rawPath,
		ReceivedAt:     in.ReceivedAt,
	}); err != nil {
		return nil, stageError(StagePersist, "record inbound email: %w", err)
	}

	s.notify(ctx, &domain.WebhookEvent{
		ID:        uuid.NewString(),
		Event:     domain.WebhookEventMessageIngested,
		Account:   in.AccountAddress,
		Timestamp: s.now().UTC(),
		Data: domain.MessageIngestedData{
			AccountAddress: in.AccountAddress,
			MessageID:      in.MessageID,
			Parser:         parsed.ParserID,
			Channel:        payload.Channel,
			ReservationID:  ids.ReservationID,
			ConversationID: ids.ConversationID,
			HostID:         ids.HostID,
			PropertyID:     ids.PropertyID,
			ClientID:       ids.ClientID,
			Direction:      payload.Direction(),
			Status:         payload.ReservationStatus,
		},
	}, log)

	log.Info("message ingested", zap.Bool("created", created))

	return &IngestResult{
		Status:         StatusIngested,
		Parser:         parsed.ParserID,
		MessageID:      in.MessageID,
		Payload:        &payload,
		Identifiers:    ids,
		MessageCreated: created,
		RawPath:        rawPath,
	}, nil
}

// fetch 从邮箱拉取正文与头部
func (s *IngestionService) fetch(ctx context.Context, in *IngestInput) error {
	if in.Client == nil {
		return stageError(StageFetch, "no content supplied and no mailbox client for %s", in.AccountAddress)
	}
	if in.MessageID == "" {
		return stageError(StageFetch, "no content supplied and no message id")
	}

	msg, err := in.Client.FetchMessage(ctx, in.MessageID)
	if err != nil {
		return &IngestError{Stage: StageFetch, Err: err}
	}

	in.Headers = mailbox.ExtractHeaders(msg)
	in.Body, in.HTML = mailbox.ExtractBodies(msg)
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = msg.ReceivedAt
	}
	return nil
}

// account 返回入库使用的账户，未登记的地址使用只含地址的临时账户
func (s *IngestionService) account(ctx context.Context, in *IngestInput) (*domain.EmailAccount, error) {
	if in.Account != nil {
		return in.Account, nil
	}
	account, err := s.store.GetEmailAccount(ctx, in.AccountAddress)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return &domain.EmailAccount{Address: in.AccountAddress, Provider: in.Provider}, nil
	}
	if err != nil {
		return nil, stageError(StagePersist, "load account: %w", err)
	}
	return account, nil
}

// existingReservation 先按预订ID、再按会话ID查找已有预订
func (s *IngestionService) existingReservation(ctx context.Context, p *domain.CanonicalEmailPayload) (*domain.Reservation, error) {
	if p.ReservationID != "" {
		r, err := s.store.GetReservation(ctx, p.ReservationID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, storage.ErrReservationNotFound) {
			return nil, stageError(StagePersist, "get reservation: %w", err)
		}
	}
	if p.ConversationID != "" {
		r, err := s.store.FindReservationByConversation(ctx, p.ConversationID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, storage.ErrReservationNotFound) {
			return nil, stageError(StagePersist, "find reservation by conversation: %w", err)
		}
	}
	return nil, nil
}

// persist 依次合并写入房东、房源、预订、客人，追加会话消息并更新会话摘要
func (s *IngestionService) persist(ctx context.Context, in *IngestInput, headers map[string]string, p *domain.CanonicalEmailPayload, ids identity.Identifiers, account *domain.EmailAccount) (bool, error) {
	now := s.now().UTC()

	if _, err := s.store.UpsertHost(ctx, &domain.Host{
		ID:          ids.HostID,
		Email:       ids.HostEmail,
		DisplayName: account.Meta(domain.MetaHostName),
		UpdatedAt:   now,
	}); err != nil {
		return false, stageError(StagePersist, "upsert host: %w", err)
	}

	property := &domain.Property{
		ID:        ids.PropertyID,
		HostID:    ids.HostID,
		Name:      ids.PropertyName,
		UpdatedAt: now,
	}
	if p.Channel != "" {
		property.Channels = []string{p.Channel}
	}
	if _, err := s.store.UpsertProperty(ctx, property); err != nil {
		return false, stageError(StagePersist, "upsert property: %w", err)
	}

	if _, err := s.store.UpsertReservation(ctx, reservationFrom(in, p, ids, now)); err != nil {
		return false, stageError(StagePersist, "upsert reservation: %w", err)
	}

	if _, err := s.store.UpsertClient(ctx, clientFrom(p, ids, now)); err != nil {
		return false, stageError(StagePersist, "upsert client: %w", err)
	}

	body := messageBody(p, in.Body, in.HTML)
	msgHeaders := make(map[string]string, len(storedHeaders))
	for _, k := range storedHeaders {
		if v := headers[k]; v != "" {
			msgHeaders[k] = v
		}
	}

	created, err := s.store.AppendMessage(ctx, ids.PropertyID, ids.ConversationID, in.MessageID, &domain.ConversationMessage{
		ReservationID: ids.ReservationID,
		ClientID:      ids.ClientID,
		Channel:       p.Channel,
		Direction:     p.Direction(),
		SentAt:        in.ReceivedAt,
		Subject:       headers["subject"],
		Body:          body,
		Headers:       msgHeaders,
		Provider:      in.Provider,
	})
	if err != nil {
		return false, stageError(StagePersist, "append message: %w", err)
	}

	if err := s.store.TouchConversation(ctx, ids.PropertyID, ids.ConversationID, domain.ConversationSummary{
		ReservationID: ids.ReservationID,
		ClientID:      ids.ClientID,
		Channel:       p.Channel,
		LastMessageID: in.MessageID,
		Preview:       textnorm.Truncate(textnorm.CollapseWhitespace(body), domain.MessagePreviewLength),
		Direction:     p.Direction(),
		Provider:      in.Provider,
		LastMessageAt: in.ReceivedAt,
	}); err != nil {
		return false, stageError(StagePersist, "touch conversation: %w", err)
	}

	return created, nil
}

// archive 归档原始内容，失败只记录日志
func (s *IngestionService) archive(ctx context.Context, in *IngestInput, headers map[string]string, log *zap.Logger) string {
	if s.raw == nil {
		return ""
	}
	path, err := s.raw.StoreRawEmailPayload(ctx, &domain.RawEmailPayload{
		AccountAddress: in.AccountAddress,
		MessageID:      in.MessageID,
		Headers:        headers,
		Body:           in.Body,
		HTML:           in.HTML,
		ReceivedAt:     in.ReceivedAt,
	})
	if err != nil {
		log.Warn("archive raw payload failed", zap.Error(err))
		s.metrics.RecordError("archive", "ingest")
		return ""
	}
	return path
}

func (s *IngestionService) notify(ctx context.Context, event *domain.WebhookEvent, log *zap.Logger) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		log.Warn("notify failed", zap.String("event", string(event.Event)), zap.Error(err))
		s.metrics.RecordError("notify", "ingest")
	}
}

func reservationFrom(in *IngestInput, p *domain.CanonicalEmailPayload, ids identity.Identifiers, now time.Time) *domain.Reservation {
	r := &domain.Reservation{
		ID:             ids.ReservationID,
		HostID:         ids.HostID,
		PropertyID:     ids.PropertyID,
		ClientID:       ids.ClientID,
		Channel:        p.Channel,
		Status:         p.ReservationStatus,
		PaymentStatus:  p.PaymentStatus,
		ConversationID: ids.ConversationID,
		Source: domain.SourceRef{
			Provider:   in.Provider,
			ExternalID: p.ReservationID,
			MessageID:  in.MessageID,
		},
		Totals:        p.Totals,
		Services:      p.Services,
		Notes:         p.Notes,
		Metadata:      p.Metadata,
		SchemaVersion: domain.ReservationSchemaVersion,
		UpdatedAt:     now,
	}
	if p.Stay != nil {
		start, end := p.Stay.Start, p.Stay.End
		r.StayStart = &start
		r.StayEnd = &end
	}
	return r
}

func clientFrom(p *domain.CanonicalEmailPayload, ids identity.Identifiers, now time.Time) *domain.Client {
	c := &domain.Client{
		ID:                  ids.ClientID,
		DisplayName:         ids.ClientDisplayName,
		FullName:            p.GuestName,
		HostID:              ids.HostID,
		PropertyID:          ids.PropertyID,
		ActiveReservationID: ids.ReservationID,
		UpdatedAt:           now,
	}
	if ids.ClientEmail != "" {
		if p.Channel != "" {
			c.ChannelEmails = map[string]string{p.Channel: ids.ClientEmail}
		}
		if !isRelayAddress(ids.ClientEmail) {
			c.PrimaryEmail = ids.ClientEmail
		}
	}
	return c
}

// isRelayAddress 渠道中转邮箱不作为客人主邮箱
func isRelayAddress(address string) bool {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return false
	}
	host := address[at+1:]
	return strings.HasSuffix(host, "booking.com") || strings.HasSuffix(host, "airbnb.com")
}

// messageBody 聊天消息使用解析出的正文，其余使用规范化后的邮件正文
func messageBody(p *domain.CanonicalEmailPayload, body, html string) string {
	if p.MessageText != "" {
		return p.MessageText
	}
	text := textnorm.DecodeBody(body)
	if strings.TrimSpace(text) == "" {
		text = textnorm.StripHTML(html)
	}
	return textnorm.NormalizeLines(text)
}

// contentMessageID 缺少提供方消息ID时由内容生成确定性的ID
func contentMessageID(headers map[string]string, body, html string) string {
	h := sha256.New()
	for _, k := range []string{"from", "to", "subject", "date"} {
		h.Write([]byte(headers[k]))
		h.Write([]byte{0})
	}
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write([]byte(html))
	return "sha256-" + hex.EncodeToString(h.Sum(nil)[:16])
}
