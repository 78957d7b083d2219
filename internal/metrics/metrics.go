// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal 记录管理接口 HTTP 请求的总数
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pds_http_requests_total",
			Help: "Total number of admin http requests handled by the server.",
		},
		[]string{"path", "method", "code"}, // 按路径、方法、状态码分类
	)

	// JobExecutionTotal 记录已结束任务的总数
	JobExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pds_job_executions_total",
			Help: "Total number of finished job executions.",
		},
		[]string{"product_id", "status"}, // 按产品、最终状态 (DONE/FAILED/CANCELED) 分类
	)

	// ProcessTimeoutsTotal 记录因超时被强制结束的进程数
	ProcessTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pds_process_timeouts_total",
			Help: "Total number of product processes killed because they ran out of time.",
		},
		[]string{"product_id"},
	)

	// JobCancellationsTotal 记录取消请求数
	JobCancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pds_job_cancellations_total",
			Help: "Total number of cancel requests for tracked jobs.",
		},
	)

	// QueueSize 当前准入队列中的任务数
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pds_execution_queue_size",
			Help: "Number of jobs currently tracked by the execution queue.",
		},
	)

	// ExecutionDuration 记录产品进程运行时长
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pds_execution_duration_seconds",
			Help:    "Duration of product executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"product_id"},
	)
)
