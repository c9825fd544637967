package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/service"
	"hostinbox/backend/internal/storage"
)

// 单封邮件大小上限
const maxMessageBytes = 10 << 20

// 单封邮件入库超时
const ingestTimeout = 30 * time.Second

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收投递到已登记邮箱账户的邮件，不做任何转发。
// 收件人不存在时返回 550，入库失败时返回 451 让发送方稍后重试。
type Backend struct {
	ingest   *service.IngestionService
	accounts storage.AccountRepository
	limiter  *ConnectionLimiter
	logger   *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(ingest *service.IngestionService, accounts storage.AccountRepository, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		ingest:   ingest,
		accounts: accounts,
		logger:   logger.Named("smtp"),
	}
}

// SetLimiter 设置连接限流器
func (b *Backend) SetLimiter(l *ConnectionLimiter) {
	b.limiter = l
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend    *Backend
	from       string
	recipients []*domain.EmailAccount
	released   bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，只接受已登记的邮箱账户。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr, err := domain.NormalizeAddress(to)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	account, err := s.backend.accounts.GetEmailAccount(ctx, addr)
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	case err != nil:
		s.backend.logger.Error("recipient lookup failed", zap.String("recipient", addr), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary lookup failure",
		}
	}

	for _, existing := range s.recipients {
		if existing.Address == account.Address {
			return nil
		}
	}
	s.recipients = append(s.recipients, account)
	return nil
}

// Data 解析邮件并为每个收件人入库。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return err
	}

	msg, err := mailbox.ParseRFC822(raw)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      fmt.Sprintf("malformed message: %v", err),
		}
	}
	headers := mailbox.ExtractHeaders(msg)
	text, html := mailbox.ExtractBodies(msg)

	for _, account := range s.recipients {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		res, err := s.backend.ingest.Ingest(ctx, service.IngestInput{
			AccountAddress: account.Address,
			MessageID:      msg.ID,
			Provider:       domain.ProviderSMTP,
			Headers:        headers,
			Body:           text,
			HTML:           html,
			ReceivedAt:     msg.ReceivedAt,
			Account:        account,
		})
		cancel()
		if err != nil {
			s.backend.logger.Error("smtp ingest failed",
				zap.String("recipient", account.Address),
				zap.String("from", s.from),
				zap.String("stage", string(service.StageOf(err))),
				zap.Error(err),
			)
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "message could not be processed, try again later",
			}
		}
		s.backend.logger.Debug("smtp message accepted",
			zap.String("recipient", account.Address),
			zap.String("status", string(res.Status)),
			zap.String("message_id", res.MessageID),
		)
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.released = true
		s.backend.limiter.Release()
	}
	return nil
}
