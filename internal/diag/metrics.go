package diag

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// 进程级指标（Prometheus 注册表，运行结束后可写出 textfile）：
// - restat_op_total{comp,stage,result}
// - restat_error_total{comp,code}
// - restat_op_duration_ms{comp,stage}
// - restat_tokens_total{direction}
// - restat_parse_failures_total{kind}
type metrics struct {
	reg       *prometheus.Registry
	ops       *prometheus.CounterVec
	errs      *prometheus.CounterVec
	dur       *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	parseFail *prometheus.CounterVec
}

var m = newMetrics()

func newMetrics() *metrics {
	mm := &metrics{
		reg: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restat_op_total",
			Help: "Operations by component, stage and result.",
		}, []string{"comp", "stage", "result"}),
		errs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restat_error_total",
			Help: "Classified errors by component and code.",
		}, []string{"comp", "code"}),
		dur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restat_op_duration_ms",
			Help:    "Stage duration in milliseconds.",
			Buckets: []float64{1, 5, 25, 100, 250, 1000, 2500, 10000, 30000, 120000},
		}, []string{"comp", "stage"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restat_tokens_total",
			Help: "Model tokens reported by backends.",
		}, []string{"direction"}),
		parseFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restat_parse_failures_total",
			Help: "Model answers that could not be parsed, by kind.",
		}, []string{"kind"}),
	}
	mm.reg.MustRegister(mm.ops, mm.errs, mm.dur, mm.tokens, mm.parseFail)
	return mm
}

// Registry 返回进程级注册表（供测试与导出）。
func Registry() *prometheus.Registry { return m.reg }

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	m.ops.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	m.errs.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	m.dur.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// AddTokens 累加后端报告的 token（direction=input|output）。
func AddTokens(direction string, n int) {
	if n > 0 {
		m.tokens.WithLabelValues(direction).Add(float64(n))
	}
}

// IncParseFailure 按失败类别计数。
func IncParseFailure(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	m.parseFail.WithLabelValues(kind).Inc()
}

// WriteTextfile 以 Prometheus 文本格式写出全部指标（node_exporter textfile 约定）。
// 目标目录不存在时创建。
func WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
