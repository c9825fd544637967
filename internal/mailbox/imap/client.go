// Package imap 基于 IMAP 的邮箱客户端，历史游标即 INBOX 的 UID。
package imap

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
)

const inbox = "INBOX"

// Config IMAP 服务器配置
type Config struct {
	Host string
	Port int
	TLS  bool
}

// Connector 为账户建立 IMAP 连接
type Connector struct {
	cfg Config
	log *zap.Logger
}

var _ mailbox.Connector = (*Connector)(nil)

// NewConnector 创建 IMAP 连接器
func NewConnector(cfg Config, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{cfg: cfg, log: log.Named("imap")}
}

// Connect 登录并选中 INBOX，调用方负责 Close
func (c *Connector) Connect(ctx context.Context, account *domain.EmailAccount, creds *mailbox.Credentials) (mailbox.Client, error) {
	if creds == nil || creds.Password == "" {
		return nil, &mailbox.AuthError{Provider: domain.ProviderIMAP, Message: "no stored password for " + account.Address}
	}
	username := creds.Username
	if username == "" {
		username = account.Address
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(username, creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &mailbox.AuthError{
			Provider: domain.ProviderIMAP,
			Message:  fmt.Sprintf("authentication failed for %s: %v", username, err),
		}
	}

	selected, err := client.Select(inbox, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	return &Client{
		client:  client,
		creds:   creds,
		uidNext: uint32(selected.UIDNext),
		log:     c.log.With(zap.String("account", account.Address)),
	}, nil
}

// Client 单账户 IMAP 客户端
type Client struct {
	client  *imapclient.Client
	creds   *mailbox.Credentials
	uidNext uint32
	log     *zap.Logger
}

// FetchMessage 按 UID 拉取并解析邮件，不改变 \Seen 标记
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*mailbox.Message, error) {
	uid, err := parseUID(messageID)
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, mailbox.ErrMessageNotFound
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body", uid)
	}
	parsed, err := mailbox.ParseRFC822(raw)
	if err != nil {
		return nil, err
	}
	parsed.ID = messageID
	parsed.Labels = labelsFromFlags(buf.Flags)

	if err := fetchCmd.Close(); err != nil {
		return parsed, fmt.Errorf("closing fetch: %w", err)
	}
	return parsed, nil
}

// ListMessages 搜索 INBOX，query 为 "is:unread" 时只返回未读邮件，按 UID 取最新的 maxResults 条
func (c *Client) ListMessages(ctx context.Context, query string, maxResults int) ([]string, error) {
	criteria := criteriaForQuery(query)
	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if maxResults > 0 && len(uids) > maxResults {
		uids = uids[len(uids)-maxResults:]
	}
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// ListHistory 以 UID 大于 since 的邮件作为新增记录
func (c *Client) ListHistory(ctx context.Context, since uint64) (*mailbox.History, error) {
	start, err := startUID(since)
	if err != nil {
		return nil, err
	}
	uidSet := imap.UIDSet{imap.UIDRange{Start: start, Stop: 0}}
	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{UID: true, Flags: true})
	defer fetchCmd.Close()

	out := &mailbox.History{Cursor: since}
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		uid := uint64(buf.UID)
		// n:* 在没有更大 UID 时仍会返回最后一封
		if uid <= since {
			continue
		}
		out.Added = append(out.Added, mailbox.HistoryEvent{
			MessageID: strconv.FormatUint(uid, 10),
			Labels:    labelsFromFlags(buf.Flags),
			Cursor:    uid,
		})
		if uid > out.Cursor {
			out.Cursor = uid
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	return out, nil
}

// MarkRead 添加 \Seen 标记
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	uid, err := parseUID(messageID)
	if err != nil {
		return err
	}
	return c.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
}

// LatestCursor 返回当前最大 UID
func (c *Client) LatestCursor(ctx context.Context) (uint64, error) {
	status, err := c.client.Status(inbox, &imap.StatusOptions{UIDNext: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("status INBOX: %w", err)
	}
	next := uint64(status.UIDNext)
	if next == 0 {
		next = uint64(c.uidNext)
	}
	if next == 0 {
		return 0, nil
	}
	return next - 1, nil
}

// Credentials IMAP 凭据不会刷新
func (c *Client) Credentials() *mailbox.Credentials {
	return c.creds
}

// Close 注销并关闭连接
func (c *Client) Close() error {
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Debug("logout failed", zap.Error(err))
		return c.client.Close()
	}
	return nil
}

// startUID UID 是 32 位的，超出范围的游标不可能来自本邮箱
func startUID(since uint64) (imap.UID, error) {
	if since >= math.MaxUint32 {
		return 0, fmt.Errorf("%w: cursor %d exceeds the IMAP UID range", mailbox.ErrCursorExpired, since)
	}
	return imap.UID(since + 1), nil
}

func parseUID(messageID string) (imap.UID, error) {
	n, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid IMAP UID %q", messageID)
	}
	return imap.UID(n), nil
}

// labelsFromFlags INBOX 中的邮件一律带 INBOX 标签，未设置 \Seen 时带 UNREAD
func labelsFromFlags(flags []imap.Flag) []string {
	labels := []string{mailbox.LabelInbox}
	seen := false
	for _, f := range flags {
		if f == imap.FlagSeen {
			seen = true
			break
		}
	}
	if !seen {
		labels = append(labels, mailbox.LabelUnread)
	}
	return labels
}

func criteriaForQuery(query string) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if query == "is:unread" || query == "is:unread in:inbox" {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	return criteria
}
