// Package parser 实现按渠道划分的邮件解析器注册表。
//
// 注册顺序即匹配顺序：Parse 返回第一个 Match 成功的解析器的结果。
package parser

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hostinbox/backend/internal/domain"
)

// Input 解析器输入。Headers 的键统一为小写。
type Input struct {
	Headers    map[string]string
	Body       string
	HTML       string
	ReceivedAt time.Time
}

// Header 读取头部（大小写不敏感）
func (in Input) Header(name string) string {
	return in.Headers[strings.ToLower(name)]
}

// Parser 单个渠道的解析器
type Parser interface {
	// ID 解析器标识，同时作为 payload.Source
	ID() string
	// Match 只根据头部判断是否归属该渠道，必须是纯函数
	Match(headers map[string]string) bool
	// Extract 构造规范化结果
	Extract(in Input) domain.CanonicalEmailPayload
}

// Result 解析结果
type Result struct {
	ParserID string
	Payload  domain.CanonicalEmailPayload
}

// Registry 解析器注册表，进程启动时构造一次并注入使用方
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
	now     func() time.Time
}

// Option 注册表选项
type Option func(*Registry)

// WithClock 设置 ReceivedAt 缺失时使用的时钟
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry 创建空注册表
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry 按固定顺序注册全部内置解析器
func NewDefaultRegistry(opts ...Option) *Registry {
	r := NewRegistry(opts...)
	for _, p := range []Parser{
		NewBookingChatParser(),
		NewBookingConfirmParser(),
		NewAirbnbChatParser(),
		NewAirbnbConfirmParser(),
	} {
		// 内置解析器 ID 唯一，不会失败
		_ = r.Register(p)
	}
	return r
}

// Register 追加解析器，ID 重复时返回错误
func (r *Registry) Register(p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.parsers {
		if existing.ID() == p.ID() {
			return fmt.Errorf("parser %q already registered", p.ID())
		}
	}
	r.parsers = append(r.parsers, p)
	return nil
}

// IDs 按注册顺序返回解析器 ID
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		ids = append(ids, p.ID())
	}
	return ids
}

// Parse 依次尝试已注册的解析器，没有解析器认领时 ok 为 false
func (r *Registry) Parse(in Input) (*Result, bool) {
	in.Headers = NormalizeHeaders(in.Headers)
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = r.now().UTC()
	}

	r.mu.RLock()
	parsers := make([]Parser, len(r.parsers))
	copy(parsers, r.parsers)
	r.mu.RUnlock()

	for _, p := range parsers {
		if !p.Match(in.Headers) {
			continue
		}
		payload := p.Extract(in)
		if payload.Source == "" {
			payload.Source = p.ID()
		}
		return &Result{ParserID: p.ID(), Payload: payload}, true
	}
	return nil, false
}

// NormalizeHeaders 返回键为小写的头部副本。
// 大小写不同的重复键按原键排序后取第一个非空值，保证结果确定。
func NormalizeHeaders(headers map[string]string) map[string]string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(headers))
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if existing, ok := out[key]; ok && existing != "" {
			continue
		}
		out[key] = headers[k]
	}
	return out
}
