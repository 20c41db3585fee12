package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 运行指标（进程级，注册到默认 registry）。
var (
	OpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluebookify_op_total",
			Help: "Pipeline operations by component, stage and result",
		},
		[]string{"comp", "stage", "result"},
	)

	ErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluebookify_error_total",
			Help: "Pipeline errors by component and classification code",
		},
		[]string{"comp", "code"},
	)

	OpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bluebookify_op_duration_ms",
			Help:    "Stage duration in milliseconds",
			Buckets: []float64{1, 5, 25, 100, 500, 1000, 5000, 15000, 60000},
		},
		[]string{"comp", "stage"},
	)

	SpansExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluebookify_spans_extracted_total",
		Help: "Citation spans found by the extractor",
	})

	ChangesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluebookify_changes_applied_total",
		Help: "Spans whose replacement differed from the original",
	})

	OracleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluebookify_oracle_calls_total",
			Help: "Oracle invocations by result",
		},
		[]string{"result"}, // success, error
	)
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { OpTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { ErrorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	OpDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// MetricsHandler 暴露 /metrics。
func MetricsHandler() http.Handler { return promhttp.Handler() }
