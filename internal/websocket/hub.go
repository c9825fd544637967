// Package websocket 把入库事件实时推送给订阅的运维客户端。
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
)

const (
	// 订阅全部邮箱
	wildcard = "*"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Verifier 校验连接令牌，返回允许订阅的邮箱地址，nil 表示不限
type Verifier func(token string) (accounts []string, err error)

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType          `json:"type"`
	Account   string               `json:"account,omitempty"`
	Event     *domain.WebhookEvent `json:"event,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID       string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	accounts map[string]bool // 已订阅的邮箱
	scope    []string        // 允许订阅的邮箱，nil 表示不限
	mu       sync.RWMutex
	log      *zap.Logger
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients    map[string]*Client            // clientID -> Client
	accounts   map[string]map[string]*Client // address 或 "*" -> clientID -> Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *domain.WebhookEvent
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger

	allowedOrigins []string
	verify         Verifier
	now            func() time.Time
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - verify: 令牌校验函数，nil 表示不校验
//   - log: 日志记录器
func NewHub(allowedOrigins []string, verify Verifier, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{wildcard}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		accounts:       make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *domain.WebhookEvent, sendBuffer),
		done:           make(chan struct{}),
		log:            log.Named("websocket"),
		allowedOrigins: allowedOrigins,
		verify:         verify,
		now:            time.Now,
	}
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Notify 把事件排入广播队列，队列已满时丢弃，从不阻塞入库流程
func (h *Hub) Notify(ctx context.Context, event *domain.WebhookEvent) error {
	if event == nil {
		return nil
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast queue full, dropping event",
			zap.String("event", string(event.Event)),
			zap.String("account", event.Account))
	}
	return nil
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	for account := range client.accounts {
		if clients, exists := h.accounts[account]; exists {
			delete(clients, client.ID)
			if len(clients) == 0 {
				delete(h.accounts, account)
			}
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// broadcastEvent 发送给订阅了该邮箱或全部邮箱的客户端
func (h *Hub) broadcastEvent(event *domain.WebhookEvent) {
	account := strings.ToLower(event.Account)

	h.mu.RLock()
	targets := make(map[string]*Client)
	for id, c := range h.accounts[account] {
		targets[id] = c
	}
	for id, c := range h.accounts[wildcard] {
		targets[id] = c
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(&Message{
		Type:      MessageTypeEvent,
		Account:   account,
		Event:     event,
		Timestamp: h.now().UTC(),
	})
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: h.now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.accounts = make(map[string]map[string]*Client)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	requestOrigin := r.Header.Get("Origin")
	if requestOrigin == "" {
		return true
	}
	for _, origin := range h.allowedOrigins {
		if origin == wildcard || origin == requestOrigin {
			return true
		}
	}
	return false
}

// Handler 返回升级 WebSocket 连接的 gin 处理器。
// 令牌取自 access_token 查询参数或 Authorization: Bearer。
func (h *Hub) Handler() gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return func(c *gin.Context) {
		var scope []string
		if h.verify != nil {
			token := c.Query("access_token")
			if token == "" {
				token, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			}
			accounts, err := h.verify(token)
			if err != nil {
				h.log.Warn("websocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.ClientIP()))
				c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
				return
			}
			scope = accounts
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:       uuid.NewString(),
			conn:     conn,
			hub:      h,
			send:     make(chan []byte, sendBuffer),
			accounts: make(map[string]bool),
			scope:    scope,
			log:      h.log,
		}

		select {
		case h.register <- client:
		case <-h.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(strings.ToLower(strings.TrimSpace(msg.Account)))
	case MessageTypeUnsubscribe:
		c.unsubscribe(strings.ToLower(strings.TrimSpace(msg.Account)))
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.sendError("unknown message type: " + string(msg.Type))
	}
}

// allowed 限定范围的客户端不能订阅 "*"
func (c *Client) allowed(account string) bool {
	if c.scope == nil {
		return true
	}
	for _, a := range c.scope {
		if strings.EqualFold(a, account) {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(account string) {
	if account == "" {
		c.sendError("account is required")
		return
	}
	if !c.allowed(account) {
		c.log.Warn("subscription denied",
			zap.String("clientID", c.ID),
			zap.String("account", account))
		c.sendError("no permission to access account: " + account)
		return
	}

	c.mu.Lock()
	c.accounts[account] = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.hub.accounts[account] == nil {
		c.hub.accounts[account] = make(map[string]*Client)
	}
	c.hub.accounts[account][c.ID] = c
	c.hub.mu.Unlock()

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		Account:   account,
		Timestamp: c.hub.now().UTC(),
	})
}

func (c *Client) unsubscribe(account string) {
	c.mu.Lock()
	delete(c.accounts, account)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if clients, exists := c.hub.accounts[account]; exists {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(c.hub.accounts, account)
		}
	}
	c.hub.mu.Unlock()
}

func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: c.hub.now().UTC(),
	})
}

func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	// send 可能已被 Hub 关闭
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
