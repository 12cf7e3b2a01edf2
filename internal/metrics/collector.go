// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 上游指标
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamTokensUsed      *prometheus.CounterVec

	// 流处理指标
	streamChunksEmitted *prometheus.CounterVec
	streamStopHits      *prometheus.CounterVec
	streamHeldFragments *prometheus.CounterVec
	streamRelayDropped  *prometheus.CounterVec
	streamDuration      *prometheus.HistogramVec

	// 会话指标
	sessionsActive   *prometheus.GaugeVec
	sessionsFinished *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 上游指标
	c.upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.upstreamTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	// 流处理指标
	c.streamChunksEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_emitted_total",
			Help:      "Total number of post-processed chunks emitted to clients",
		},
		[]string{"transport"}, // transport: sse, ws
	)

	c.streamStopHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_stop_sequence_hits_total",
			Help:      "Total number of streams truncated by a stop sequence",
		},
		[]string{"provider"},
	)

	c.streamHeldFragments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_held_fragments_total",
			Help:      "Total number of fragments held back as potential stop prefixes",
		},
		[]string{"provider"},
	)

	c.streamRelayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_relay_dropped_total",
			Help:      "Total number of chunks dropped by the backpressure relay",
		},
		[]string{"policy"},
	)

	c.streamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "End-to-end streaming session duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "stop_reason"},
	)

	// 会话指标
	c.sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active streaming sessions",
		},
		[]string{"store"},
	)

	c.sessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of finished sessions",
		},
		[]string{"store", "stop_reason"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 上游指标记录
// =============================================================================

// RecordUpstreamRequest 记录上游请求
func (c *Collector) RecordUpstreamRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.upstreamRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.upstreamRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.upstreamTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.upstreamTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 🌊 流处理指标记录
// =============================================================================

// RecordChunkEmitted 记录发往客户端的分片
func (c *Collector) RecordChunkEmitted(transport string) {
	c.streamChunksEmitted.WithLabelValues(transport).Inc()
}

// RecordStopHit 记录停止序列命中
func (c *Collector) RecordStopHit(provider string) {
	c.streamStopHits.WithLabelValues(provider).Inc()
}

// RecordHeldFragment 记录被扣留的疑似停止前缀
func (c *Collector) RecordHeldFragment(provider string) {
	c.streamHeldFragments.WithLabelValues(provider).Inc()
}

// RecordRelayDropped 记录被背压中继丢弃的分片
func (c *Collector) RecordRelayDropped(policy string, n int64) {
	c.streamRelayDropped.WithLabelValues(policy).Add(float64(n))
}

// RecordStreamDuration 记录端到端流式会话耗时
func (c *Collector) RecordStreamDuration(provider, stopReason string, duration time.Duration) {
	c.streamDuration.WithLabelValues(provider, stopReason).Observe(duration.Seconds())
}

// =============================================================================
// 💬 会话指标记录
// =============================================================================

// SessionStarted 记录会话开始
func (c *Collector) SessionStarted(store string) {
	c.sessionsActive.WithLabelValues(store).Inc()
}

// SessionFinished 记录会话结束
func (c *Collector) SessionFinished(store, stopReason string) {
	c.sessionsActive.WithLabelValues(store).Dec()
	c.sessionsFinished.WithLabelValues(store, stopReason).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
