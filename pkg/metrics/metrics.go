// Package metrics 提供 Prometheus helper，包含网关会话层常用 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/fixgateway/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// 管理 HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// 管理 HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 数据库查询计数
	DBQueriesTotal prometheus.Counter
	// 数据库查询耗时
	DBQueryDuration prometheus.Histogram

	// Redis 操作计数
	RedisOpsTotal prometheus.Counter
	// Redis 操作耗时
	RedisOpDuration prometheus.Histogram

	// 活跃会话数
	SessionsActive prometheus.Gauge
	// Logon/Negotiate/Establish 失败计数
	LogonFailuresTotal prometheus.Counter
	// 入站帧计数
	MessagesReceivedTotal prometheus.Counter
	// 出站帧计数
	MessagesSentTotal prometheus.Counter
	// 检测到的序号缺口次数
	GapsDetectedTotal prometheus.Counter
	// 发出的重传批次数
	RetransmitBatchesTotal prometheus.Counter
	// 重传批次中的消息数分布
	RetransmitBatchSize prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total admin HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		DBQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "db_queries_total",
			Help:      "Total database queries against the session registry",
		}),
		DBQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		RedisOpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "redis_ops_total",
			Help:      "Total Redis operations (duplicate-connection guard, rate limiting)",
		}),
		RedisOpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "redis_op_duration_seconds",
			Help:      "Redis operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in an active (non-terminal) state",
		}),
		LogonFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "logon_failures_total",
			Help:      "Total Logon/Negotiate/Establish rejections",
		}),
		MessagesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "messages_received_total",
			Help:      "Total inbound frames decoded",
		}),
		MessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "messages_sent_total",
			Help:      "Total outbound frames published",
		}),
		GapsDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "gaps_detected_total",
			Help:      "Total sequence gaps detected on inbound frames",
		}),
		RetransmitBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "retransmit_batches_total",
			Help:      "Total retransmit batches sent",
		}),
		RetransmitBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fixgateway",
			Subsystem: serviceName,
			Name:      "retransmit_batch_size",
			Help:      "Number of messages per retransmit batch",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 2500},
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	metrics := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBQueriesTotal,
		m.DBQueryDuration,
		m.RedisOpsTotal,
		m.RedisOpDuration,
		m.SessionsActive,
		m.LogonFailuresTotal,
		m.MessagesReceivedTotal,
		m.MessagesSentTotal,
		m.GapsDetectedTotal,
		m.RetransmitBatchesTotal,
		m.RetransmitBatchSize,
	}

	for _, metric := range metrics {
		if err := prometheus.DefaultRegisterer.Register(metric); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()

	return nil
}

// Collector 指标收集器接口，供会话层在 poll 循环中调用
type Collector interface {
	RecordMessageReceived()
	RecordMessageSent()
	RecordGapDetected()
	RecordRetransmitBatch(size int)
	RecordLogonFailure()
	SetSessionsActive(count int)
}

// DefaultCollector 默认指标收集器实现
type DefaultCollector struct {
	metrics *Metrics
}

// NewDefaultCollector 创建默认指标收集器
func NewDefaultCollector(metrics *Metrics) *DefaultCollector {
	return &DefaultCollector{metrics: metrics}
}

func (c *DefaultCollector) RecordMessageReceived() {
	c.metrics.MessagesReceivedTotal.Inc()
}

func (c *DefaultCollector) RecordMessageSent() {
	c.metrics.MessagesSentTotal.Inc()
}

func (c *DefaultCollector) RecordGapDetected() {
	c.metrics.GapsDetectedTotal.Inc()
}

func (c *DefaultCollector) RecordRetransmitBatch(size int) {
	c.metrics.RetransmitBatchesTotal.Inc()
	c.metrics.RetransmitBatchSize.Observe(float64(size))
}

func (c *DefaultCollector) RecordLogonFailure() {
	c.metrics.LogonFailuresTotal.Inc()
}

func (c *DefaultCollector) SetSessionsActive(count int) {
	c.metrics.SessionsActive.Set(float64(count))
}
