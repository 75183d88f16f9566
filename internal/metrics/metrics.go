// ============================================================================
// Beaver-Mail Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露協調器、工作佇列、即時推送層的運行指標
//
// 指標分類:
//
//   1. 佇列 (Counter / Gauge)：
//      - beavermail_queue_operations_total{queue,op}: enqueue/dequeue/complete/fail 次數
//      - beavermail_queue_items{queue,partition}: 最近一次 Stats 的分區數量
//
//   2. 處理週期 (Counter / Histogram / Gauge)：
//      - beavermail_cycles_total{outcome}: idle / saved / error
//      - beavermail_cycle_duration_seconds: 單一週期耗時
//      - beavermail_pipeline_latency_seconds: 管線呼叫耗時
//      - beavermail_items_processed_total / beavermail_drafts_created_total
//      - beavermail_dispatch_failures_total: 草稿派送失敗（逐筆記錄，不中斷週期）
//      - beavermail_orchestrator_state{state}: 當前狀態為 1，其餘為 0
//
//   3. 即時推送 (Gauge / Counter)：
//      - beavermail_subscribers: 目前連線數
//      - beavermail_broadcast_messages_total{channel}
//      - beavermail_broadcast_failures_total: 送出失敗而被斷線的訂閱者
//
// Prometheus 查詢示例:
//
//   # 週期錯誤率
//   rate(beavermail_cycles_total{outcome="error"}[5m]) / rate(beavermail_cycles_total[5m])
//
//   # intake 佇列積壓
//   beavermail_queue_items{queue="intake",partition="pending"}
//
// 所有 Record 方法對 nil *Collector 都是 no-op，元件可以不注入指標。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 佇列指標
	queueOps   *prometheus.CounterVec
	queueItems *prometheus.GaugeVec

	// 週期指標
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	pipelineLatency  prometheus.Histogram
	itemsProcessed   prometheus.Counter
	draftsCreated    prometheus.Counter
	dispatchFailures prometheus.Counter
	state            *prometheus.GaugeVec

	// 推送指標
	subscribers       prometheus.Gauge
	broadcasts        *prometheus.CounterVec
	broadcastFailures prometheus.Counter
}

var cycleStates = []string{"idle", "checking", "processing", "saving", "error"}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用預設 registerer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		queueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beavermail_queue_operations_total",
			Help: "Total number of work queue operations",
		}, []string{"queue", "op"}),
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beavermail_queue_items",
			Help: "Items per queue partition at the last stats snapshot",
		}, []string{"queue", "partition"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beavermail_cycles_total",
			Help: "Total number of processing cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beavermail_cycle_duration_seconds",
			Help:    "Processing cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beavermail_pipeline_latency_seconds",
			Help:    "Pipeline collaborator call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		itemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beavermail_items_processed_total",
			Help: "Total number of mailbox items marked processed",
		}),
		draftsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beavermail_drafts_created_total",
			Help: "Total number of drafts persisted",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beavermail_dispatch_failures_total",
			Help: "Total number of drafts that failed to persist or dispatch",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beavermail_orchestrator_state",
			Help: "1 for the orchestrator's current state, 0 otherwise",
		}, []string{"state"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beavermail_subscribers",
			Help: "Current number of connected real-time subscribers",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beavermail_broadcast_messages_total",
			Help: "Total number of messages delivered to subscribers by channel",
		}, []string{"channel"}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beavermail_broadcast_failures_total",
			Help: "Total number of subscribers disconnected after a failed send",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.queueOps,
		c.queueItems,
		c.cycles,
		c.cycleDuration,
		c.pipelineLatency,
		c.itemsProcessed,
		c.draftsCreated,
		c.dispatchFailures,
		c.state,
		c.subscribers,
		c.broadcasts,
		c.broadcastFailures,
	)

	return c
}

// RecordQueueOp 記錄一次佇列操作
func (c *Collector) RecordQueueOp(queue, op string) {
	if c == nil {
		return
	}
	c.queueOps.WithLabelValues(queue, op).Inc()
}

// UpdateQueueStats 更新佇列分區統計
func (c *Collector) UpdateQueueStats(queue string, pending, processing, completed, failed int64) {
	if c == nil {
		return
	}
	c.queueItems.WithLabelValues(queue, "pending").Set(float64(pending))
	c.queueItems.WithLabelValues(queue, "processing").Set(float64(processing))
	c.queueItems.WithLabelValues(queue, "completed").Set(float64(completed))
	c.queueItems.WithLabelValues(queue, "error").Set(float64(failed))
}

// RecordCycle 記錄一個週期的結果與耗時
func (c *Collector) RecordCycle(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(seconds)
}

// RecordPipeline 記錄管線呼叫耗時
func (c *Collector) RecordPipeline(seconds float64) {
	if c == nil {
		return
	}
	c.pipelineLatency.Observe(seconds)
}

// RecordProcessed 記錄已處理項目數
func (c *Collector) RecordProcessed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.itemsProcessed.Add(float64(n))
}

// RecordDraft 記錄一份已儲存的草稿
func (c *Collector) RecordDraft() {
	if c == nil {
		return
	}
	c.draftsCreated.Inc()
}

// RecordDispatchFailure 記錄一次派送失敗
func (c *Collector) RecordDispatchFailure() {
	if c == nil {
		return
	}
	c.dispatchFailures.Inc()
}

// SetState 將當前狀態設為 1，其他狀態設為 0
func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	for _, s := range cycleStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

// SetSubscribers 設置目前連線數
func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.subscribers.Set(float64(n))
}

// RecordBroadcast 記錄一次頻道投遞
func (c *Collector) RecordBroadcast(channel string, delivered int) {
	if c == nil || delivered <= 0 {
		return
	}
	c.broadcasts.WithLabelValues(channel).Add(float64(delivered))
}

// RecordBroadcastFailure 記錄一個因送出失敗而被斷線的訂閱者
func (c *Collector) RecordBroadcastFailure() {
	if c == nil {
		return
	}
	c.broadcastFailures.Inc()
}

// Handler 回傳 gatherer 的 /metrics handler（nil 時使用預設 gatherer）
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: 指標來源（nil 時使用預設 gatherer）
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
