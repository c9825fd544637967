package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/monitoring"
	"hostinbox/backend/internal/storage"
)

// 投递最多尝试次数
const maxDeliveryAttempts = 5

// 重试间隔：1分钟、5分钟、15分钟、1小时、6小时
var retryIntervals = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

// WebhookDispatcher 以 HMAC-SHA256 签名的 POST 请求把事件投递到配置的端点，并记录投递日志
type WebhookDispatcher struct {
	endpoints  []string
	secret     string
	store      storage.DeliveryRepository
	httpClient *http.Client
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewWebhookDispatcher 创建 Webhook 投递器
func NewWebhookDispatcher(endpoints []string, secret string, timeout time.Duration, store storage.DeliveryRepository, logger *zap.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		endpoints:  endpoints,
		secret:     secret,
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("webhook"),
		now:        time.Now,
	}
}

// SetMetrics 设置监控指标
func (d *WebhookDispatcher) SetMetrics(m *monitoring.Metrics) {
	d.metrics = m
}

// SetHTTPClient 设置 HTTP 客户端
func (d *WebhookDispatcher) SetHTTPClient(c *http.Client) {
	d.httpClient = c
}

// SetClock 设置时钟
func (d *WebhookDispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Notify 序列化事件并异步投递到所有端点
func (d *WebhookDispatcher) Notify(ctx context.Context, event *domain.WebhookEvent) error {
	if len(d.endpoints) == 0 {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	for _, endpoint := range d.endpoints {
		delivery := &domain.WebhookDelivery{
			ID:       uuid.NewString(),
			Endpoint: endpoint,
			EventID:  event.ID,
			Event:    event.Event,
			Payload:  string(payload),
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			// 投递与请求生命周期无关
			d.deliver(context.WithoutCancel(ctx), delivery)
		}()
	}
	return nil
}

// Wait 等待所有进行中的投递完成
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

// deliver 执行一次投递并保存结果，失败时按退避表计算下次重试时间
func (d *WebhookDispatcher) deliver(ctx context.Context, delivery *domain.WebhookDelivery) {
	delivery.Attempts++
	delivery.NextRetry = nil
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = d.now().UTC()
	}

	log := d.logger.With(
		zap.String("endpoint", delivery.Endpoint),
		zap.String("event", string(delivery.Event)),
		zap.Int("attempt", delivery.Attempts),
	)

	start := d.now()
	status, body, err := d.post(ctx, delivery)
	delivery.Duration = d.now().Sub(start).Milliseconds()
	delivery.StatusCode = status
	delivery.Response = body

	switch {
	case err != nil:
		delivery.Success = false
		delivery.Error = err.Error()
	case status >= 200 && status < 300:
		delivery.Success = true
		delivery.Error = ""
	default:
		delivery.Success = false
		delivery.Error = fmt.Sprintf("HTTP %d: %s", status, body)
	}

	if !delivery.Success {
		delivery.NextRetry = d.nextRetry(delivery.Attempts)
		log.Warn("webhook delivery failed", zap.String("error", delivery.Error))
	}
	d.metrics.RecordWebhookDelivery(string(delivery.Event), delivery.Success)

	if d.store == nil {
		return
	}
	if err := d.store.SaveWebhookDelivery(ctx, delivery); err != nil {
		log.Error("save webhook delivery failed", zap.Error(err))
	}
}

func (d *WebhookDispatcher) post(ctx context.Context, delivery *domain.WebhookDelivery) (int, string, error) {
	payload := []byte(delivery.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(payload, d.secret))
	req.Header.Set("X-Webhook-Event", string(delivery.Event))
	req.Header.Set("X-Webhook-ID", delivery.ID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}

// RetryFailedDeliveries 重新投递已到重试时间的失败记录，返回重试数量
func (d *WebhookDispatcher) RetryFailedDeliveries(ctx context.Context, limit int) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 100
	}
	deliveries, err := d.store.ListWebhookDeliveries(ctx, limit)
	if err != nil {
		return 0, err
	}

	now := d.now()
	retried := 0
	for i := range deliveries {
		delivery := deliveries[i]
		if delivery.Success || delivery.NextRetry == nil || delivery.NextRetry.After(now) {
			continue
		}
		d.deliver(ctx, &delivery)
		retried++
	}
	return retried, nil
}

// nextRetry 计算下次重试时间，超过重试次数返回 nil
func (d *WebhookDispatcher) nextRetry(attempts int) *time.Time {
	if attempts >= maxDeliveryAttempts {
		return nil
	}
	index := attempts - 1
	if index < 0 || index >= len(retryIntervals) {
		return nil
	}
	next := d.now().UTC().Add(retryIntervals[index])
	return &next
}

// Sign 生成 HMAC-SHA256 签名，格式 "sha256=<hex>"
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature 常数时间比较签名
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// MultiNotifier 依次调用多个通知器，返回合并后的错误
type MultiNotifier []Notifier

// Notify 通知所有下游，单个失败不影响其余
func (m MultiNotifier) Notify(ctx context.Context, event *domain.WebhookEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
