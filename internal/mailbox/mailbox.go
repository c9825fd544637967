// Package mailbox 定义邮箱提供方的抽象：拉取邮件、列出历史变更、标记已读。
//
// Gmail 与 IMAP 适配器分别位于 gmail、imap 子包。
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hostinbox/backend/internal/domain"
)

// 历史事件中用于筛选新邮件的标签
const (
	LabelUnread = "UNREAD"
	LabelInbox  = "INBOX"
)

var (
	// ErrMessageNotFound 邮件不存在（可能已被删除）
	ErrMessageNotFound = errors.New("mailbox message not found")
	// ErrCursorExpired 提供方已不再保留该游标之后的历史
	ErrCursorExpired = errors.New("history cursor expired")
)

// AuthError 授权失败或过期且无法刷新
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Provider, e.Message)
}

// IsAuthError 判断错误链中是否包含 AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Part MIME 树节点，Body 已完成传输编码解码
type Part struct {
	MimeType string
	Headers  map[string]string
	Body     []byte
	Parts    []*Part
}

// Message 提供方无关的邮件表示
type Message struct {
	ID         string
	ThreadID   string
	Labels     []string
	ReceivedAt time.Time
	Payload    *Part
}

// HasLabel 是否带有指定标签
func (m *Message) HasLabel(label string) bool {
	return hasLabel(m.Labels, label)
}

// HistoryEvent 一条“新增邮件”历史记录
type HistoryEvent struct {
	MessageID string
	Labels    []string
	Cursor    uint64 // 产生该事件的历史记录游标
}

// IsUnreadInbox 新增邮件仍在收件箱且未读
func (e HistoryEvent) IsUnreadInbox() bool {
	return hasLabel(e.Labels, LabelUnread) && hasLabel(e.Labels, LabelInbox)
}

// History 游标区间内的新增邮件，Cursor 为提供方返回的最新游标
type History struct {
	Added  []HistoryEvent
	Cursor uint64
}

// Credentials 账户凭据，加密后保存在 EmailAccount.EncryptedCredentials
type Credentials struct {
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
}

// Client 已认证的单账户邮箱客户端
type Client interface {
	FetchMessage(ctx context.Context, messageID string) (*Message, error)
	ListMessages(ctx context.Context, query string, maxResults int) ([]string, error)
	// ListHistory 返回 since 之后新增的邮件
	ListHistory(ctx context.Context, since uint64) (*History, error)
	MarkRead(ctx context.Context, messageID string) error
	LatestCursor(ctx context.Context) (uint64, error)
	// Credentials 返回当前凭据，令牌刷新后与传入值不同
	Credentials() *Credentials
	Close() error
}

// Connector 为账户建立已认证的客户端
type Connector interface {
	Connect(ctx context.Context, account *domain.EmailAccount, creds *Credentials) (Client, error)
}

// ConnectorFunc 函数适配器
type ConnectorFunc func(ctx context.Context, account *domain.EmailAccount, creds *Credentials) (Client, error)

// Connect 调用 f
func (f ConnectorFunc) Connect(ctx context.Context, account *domain.EmailAccount, creds *Credentials) (Client, error) {
	return f(ctx, account, creds)
}

// ExtractHeaders 返回顶层头部，键为小写
func ExtractHeaders(m *Message) map[string]string {
	out := make(map[string]string)
	if m == nil || m.Payload == nil {
		return out
	}
	for k, v := range m.Payload.Headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

// ExtractBodies 深度优先取第一个 text/plain 与第一个 text/html，附件部分跳过
func ExtractBodies(m *Message) (text, html string) {
	if m == nil || m.Payload == nil {
		return "", ""
	}
	var walk func(p *Part)
	walk = func(p *Part) {
		if p == nil || (text != "" && html != "") {
			return
		}
		if isAttachment(p) {
			return
		}
		mt := strings.ToLower(p.MimeType)
		switch {
		case strings.HasPrefix(mt, "multipart/"):
			for _, child := range p.Parts {
				walk(child)
			}
		case strings.HasPrefix(mt, "text/html"):
			if html == "" {
				html = string(p.Body)
			}
		case strings.HasPrefix(mt, "text/plain"), mt == "":
			if text == "" {
				text = string(p.Body)
			}
		}
	}
	walk(m.Payload)
	return text, html
}

func isAttachment(p *Part) bool {
	for k, v := range p.Headers {
		if strings.EqualFold(k, "Content-Disposition") {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "attachment")
		}
	}
	return false
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
