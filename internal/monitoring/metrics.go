package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 入库流水线监控指标
//
// 所有方法对 nil 接收者安全，未启用监控时可以直接传 nil。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 入库指标
	MessagesIngested   *prometheus.CounterVec
	MessagesNoMatch    prometheus.Counter
	ValidationFailures *prometheus.CounterVec
	StageFailures      *prometheus.CounterVec
	ClaimConflicts     prometheus.Counter
	IngestDuration     *prometheus.HistogramVec

	// 历史游标指标
	HistoryRuns     *prometheus.CounterVec
	HistoryMessages *prometheus.CounterVec

	// 下游通知指标
	WebhookDeliveries *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics 在默认注册表上创建监控指标
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith 在指定注册表上创建监控指标
func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostinbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_messages_ingested_total",
				Help: "Total number of messages ingested, by parser",
			},
			[]string{"parser"},
		),

		MessagesNoMatch: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostinbox_messages_no_match_total",
				Help: "Total number of messages no parser matched",
			},
		),

		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_validation_failures_total",
				Help: "Total number of canonical payloads rejected by validation",
			},
			[]string{"parser"},
		),

		StageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_ingest_failures_total",
				Help: "Total number of ingestion failures, by stage",
			},
			[]string{"stage"},
		),

		ClaimConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostinbox_claim_conflicts_total",
				Help: "Total number of messages skipped because another runner claimed them",
			},
		),

		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostinbox_ingest_duration_seconds",
				Help:    "Ingestion duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		HistoryRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_history_runs_total",
				Help: "Total number of history cursor runs, by outcome",
			},
			[]string{"outcome"},
		),

		HistoryMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_history_messages_total",
				Help: "Messages seen by history runs, by result",
			},
			[]string{"result"},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"event", "success"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostinbox_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostinbox_panics_total",
				Help: "Total number of panics",
			},
		),

		gatherer: gatherer,
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordIngested 记录一次成功入库
func (m *Metrics) RecordIngested(parser string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesIngested.WithLabelValues(parser).Inc()
	m.IngestDuration.WithLabelValues("ingested").Observe(duration.Seconds())
}

// RecordNoMatch 记录无解析器匹配
func (m *Metrics) RecordNoMatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesNoMatch.Inc()
	m.IngestDuration.WithLabelValues("no_match").Observe(duration.Seconds())
}

// RecordFailure 记录某一阶段的入库失败
func (m *Metrics) RecordFailure(stage, parser string, duration time.Duration) {
	if m == nil {
		return
	}
	if stage == "validate" {
		m.ValidationFailures.WithLabelValues(parser).Inc()
	}
	m.StageFailures.WithLabelValues(stage).Inc()
	m.IngestDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordClaimConflict 记录认领冲突
func (m *Metrics) RecordClaimConflict() {
	if m == nil {
		return
	}
	m.ClaimConflicts.Inc()
}

// RecordHistoryRun 记录一次历史游标处理的结果
func (m *Metrics) RecordHistoryRun(outcome string) {
	if m == nil {
		return
	}
	m.HistoryRuns.WithLabelValues(outcome).Inc()
}

// RecordHistoryMessage 记录历史游标处理中的单条消息结果
func (m *Metrics) RecordHistoryMessage(result string) {
	if m == nil {
		return
	}
	m.HistoryMessages.WithLabelValues(result).Inc()
}

// RecordWebhookDelivery 记录 Webhook 投递
func (m *Metrics) RecordWebhookDelivery(event string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.WebhookDeliveries.WithLabelValues(event, label).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
