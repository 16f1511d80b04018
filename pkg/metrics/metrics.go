// Package metrics 定义流水线的 prometheus 指标。
package metrics

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "bidkb"
	subsystem = "pipeline"
)

// Pipeline 汇总各阶段耗时、结果计数和积压水位。方法对 nil 接收者安全，测试里可以不注册指标。
type Pipeline struct {
	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	backlog       prometheus.Gauge
}

// NewPipeline 创建并注册流水线指标，同时注册 Go 运行时指标。
func NewPipeline(registry *prometheus.Registry) *Pipeline {
	registry.MustRegister(collectors.NewGoCollector())

	p := &Pipeline{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      fmt.Sprintf("stage duration of /%s/%s", namespace, subsystem),
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_total",
			Help:      fmt.Sprintf("stage count of /%s/%s", namespace, subsystem),
		}, []string{"stage", "outcome"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backlog",
			Help:      "records in uploaded/parsing/archiving/indexing",
		}),
	}
	registry.MustRegister(p.stageDuration, p.stageTotal, p.backlog)
	return p
}

// StageTimer 开始计时，调用方在阶段结束时 ObserveDuration。
func (p *Pipeline) StageTimer(stage string) *prometheus.Timer {
	if p == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(p.stageDuration.WithLabelValues(stage))
}

// StageDone 记录一次阶段结果，outcome 为 ok / failed / cancelled。
func (p *Pipeline) StageDone(stage, outcome string) {
	if p == nil {
		return
	}
	p.stageTotal.WithLabelValues(stage, outcome).Inc()
}

func (p *Pipeline) SetBacklog(n int64) {
	if p == nil {
		return
	}
	p.backlog.Set(float64(n))
}

// Handler 返回 /metrics 的 gin 处理函数。
func Handler(registry *prometheus.Registry) gin.HandlerFunc {
	h := promhttp.InstrumentMetricHandler(registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
