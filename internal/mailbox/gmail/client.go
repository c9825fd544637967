// Package gmail 基于 Gmail API 的邮箱客户端，历史游标即 Gmail historyId。
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
)

const userID = "me"

// Config Gmail OAuth 与限流配置
type Config struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	RequestsPerSecond float64
	// Endpoint 非空时覆盖 API 地址，测试使用
	Endpoint   string
	HTTPClient *http.Client
}

// Connector 为每个账户创建 Gmail 客户端
type Connector struct {
	oauth *oauth2.Config
	cfg   Config
	log   *zap.Logger
}

var _ mailbox.Connector = (*Connector)(nil)

// NewConnector 创建 Gmail 连接器
func NewConnector(cfg Config, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	return &Connector{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoints.Google,
			Scopes:       []string{gmailapi.GmailModifyScope},
		},
		cfg: cfg,
		log: log.Named("gmail"),
	}
}

// Connect 使用保存的令牌建立客户端，令牌过期时自动刷新
func (c *Connector) Connect(ctx context.Context, account *domain.EmailAccount, creds *mailbox.Credentials) (mailbox.Client, error) {
	if creds == nil || (creds.RefreshToken == "" && creds.AccessToken == "") {
		return nil, &mailbox.AuthError{Provider: domain.ProviderGmail, Message: "no stored token for " + account.Address}
	}

	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
		Expiry:       creds.Expiry,
	}
	tokenCtx := ctx
	if c.cfg.HTTPClient != nil {
		tokenCtx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	ts := oauth2.ReuseTokenSource(token, c.oauth.TokenSource(tokenCtx, token))

	// 提前取一次令牌，刷新失败即视为授权失效
	if _, err := ts.Token(); err != nil {
		return nil, classify(err)
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(tokenCtx, ts))}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}

	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return newClient(svc, ts, rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), 1), c.log.With(zap.String("account", account.Address))), nil
}

// Client 单账户 Gmail 客户端
type Client struct {
	svc     *gmailapi.Service
	ts      oauth2.TokenSource
	limiter *rate.Limiter
	log     *zap.Logger
}

func newClient(svc *gmailapi.Service, ts oauth2.TokenSource, limiter *rate.Limiter, log *zap.Logger) *Client {
	return &Client{svc: svc, ts: ts, limiter: limiter, log: log}
}

// FetchMessage 拉取完整邮件
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*mailbox.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msg, err := c.svc.Users.Messages.Get(userID, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, mailbox.ErrMessageNotFound
		}
		return nil, classify(err)
	}
	return convertMessage(msg), nil
}

// ListMessages 按查询条件列出邮件 ID，最多 maxResults 条
func (c *Client) ListMessages(ctx context.Context, query string, maxResults int) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return ids, err
		}
		call := c.svc.Users.Messages.List(userID).Q(query).Context(ctx)
		if maxResults > 0 {
			call = call.MaxResults(int64(maxResults - len(ids)))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return ids, classify(err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if maxResults > 0 && len(ids) >= maxResults {
				return ids, nil
			}
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ListHistory 列出 since 之后的 messageAdded 记录，同一邮件只保留首次出现
func (c *Client) ListHistory(ctx context.Context, since uint64) (*mailbox.History, error) {
	out := &mailbox.History{Cursor: since}
	seen := make(map[string]struct{})
	pageToken := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		call := c.svc.Users.History.List(userID).
			StartHistoryId(since).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				return nil, mailbox.ErrCursorExpired
			}
			return nil, classify(err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if _, dup := seen[added.Message.Id]; dup {
					continue
				}
				seen[added.Message.Id] = struct{}{}
				out.Added = append(out.Added, mailbox.HistoryEvent{
					MessageID: added.Message.Id,
					Labels:    added.Message.LabelIds,
					Cursor:    h.Id,
				})
			}
		}
		if resp.HistoryId > out.Cursor {
			out.Cursor = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// MarkRead 移除 UNREAD 标签
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.svc.Users.Messages.Modify(userID, messageID, &gmailapi.ModifyMessageRequest{
		RemoveLabelIds: []string{mailbox.LabelUnread},
	}).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

// LatestCursor 返回邮箱当前的 historyId
func (c *Client) LatestCursor(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	profile, err := c.svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return 0, classify(err)
	}
	return profile.HistoryId, nil
}

// Credentials 返回当前（可能已刷新的）令牌
func (c *Client) Credentials() *mailbox.Credentials {
	tok, err := c.ts.Token()
	if err != nil {
		c.log.Warn("failed to read current token", zap.Error(err))
		return nil
	}
	return &mailbox.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// Close Gmail 客户端无需释放连接
func (c *Client) Close() error { return nil }

func convertMessage(m *gmailapi.Message) *mailbox.Message {
	out := &mailbox.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Labels:   m.LabelIds,
		Payload:  convertPart(m.Payload),
	}
	if m.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	return out
}

func convertPart(p *gmailapi.MessagePart) *mailbox.Part {
	if p == nil {
		return nil
	}
	part := &mailbox.Part{
		MimeType: p.MimeType,
		Headers:  make(map[string]string, len(p.Headers)),
	}
	for _, h := range p.Headers {
		key := strings.ToLower(h.Name)
		if _, exists := part.Headers[key]; !exists {
			part.Headers[key] = mailbox.DecodeHeader(h.Value)
		}
	}
	if p.Filename != "" {
		part.Headers["content-disposition"] = "attachment"
	}
	if p.Body != nil && p.Body.Data != "" {
		if data, err := decodeBase64URL(p.Body.Data); err == nil {
			part.Body = mailbox.ConvertCharset(data, charsetOf(part.Headers["content-type"]))
		}
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func charsetOf(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// authReasons 403 中表示授权问题的原因，其余 403（配额、限流）是暂时性错误
var authReasons = map[string]bool{
	"insufficientPermissions": true,
	"authError":               true,
	"forbidden":               true,
}

// classify 把令牌刷新失败、401 以及授权类 403 归为授权错误
func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &mailbox.AuthError{Provider: domain.ProviderGmail, Message: retrieveErr.Error()}
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusUnauthorized:
		return &mailbox.AuthError{Provider: domain.ProviderGmail, Message: err.Error()}
	case http.StatusForbidden:
		if forbiddenIsAuth(apiErr) {
			return &mailbox.AuthError{Provider: domain.ProviderGmail, Message: err.Error()}
		}
	}
	return err
}

// forbiddenIsAuth 没有原因或任一原因属于 usageLimits 时按暂时性错误处理
func forbiddenIsAuth(apiErr *googleapi.Error) bool {
	auth := false
	for _, item := range apiErr.Errors {
		if item.Domain == "usageLimits" || strings.HasSuffix(item.Reason, "LimitExceeded") {
			return false
		}
		if authReasons[item.Reason] {
			auth = true
		}
	}
	return auth
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
