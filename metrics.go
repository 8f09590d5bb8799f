package main

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"oraclesim/arb"
	"oraclesim/sweep"
)

// Metrics 求解和扫描的 Prometheus 指标
type Metrics struct {
	registry *prometheus.Registry

	// SolvesTotal 按结果统计的求解次数（ok, no_bracket, not_converged, error）
	SolvesTotal *prometheus.CounterVec
	// SolveIterations 每次求根的迭代次数
	SolveIterations prometheus.Histogram
	// SweepJobsTotal 按最终状态统计的扫描任务数
	SweepJobsTotal *prometheus.CounterVec
	// SweepStopsTotal 按停止原因统计的单组合扫描次数
	SweepStopsTotal *prometheus.CounterVec
	// SweepSamplesTotal 已写入的样本数
	SweepSamplesTotal prometheus.Counter
	// QueueDropped 队列满时被丢弃的任务数
	QueueDropped prometheus.Counter
}

// NewMetrics 在独立的注册表上创建指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SolvesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclesim_solves_total",
				Help: "Arbitrage sizing solves by result",
			},
			[]string{"result"},
		),
		SolveIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oraclesim_solve_iterations",
				Help:    "Root finder iterations per solve",
				Buckets: []float64{0, 5, 10, 20, 40, 60, 80, 100},
			},
		),
		SweepJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclesim_sweep_jobs_total",
				Help: "Sweep jobs by final status",
			},
			[]string{"status"},
		),
		SweepStopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclesim_sweep_stops_total",
				Help: "Per-combination sweeps by stop reason",
			},
			[]string{"reason"},
		),
		SweepSamplesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "oraclesim_sweep_samples_total",
				Help: "Sweep samples persisted",
			},
		),
		QueueDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "oraclesim_queue_dropped_total",
				Help: "Sweep jobs dropped because the queue was full",
			},
		),
	}
}

// Registry 返回指标注册表，供 /metrics 使用
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSolve 记录一次求解
func (m *Metrics) ObserveSolve(res arb.RootResult, err error) {
	switch {
	case err == nil:
		m.SolvesTotal.WithLabelValues("ok").Inc()
		m.SolveIterations.Observe(float64(res.Iterations))
	case errors.Is(err, arb.ErrNoBracket):
		m.SolvesTotal.WithLabelValues("no_bracket").Inc()
	case errors.Is(err, arb.ErrRootNotConverged):
		m.SolvesTotal.WithLabelValues("not_converged").Inc()
	default:
		m.SolvesTotal.WithLabelValues("error").Inc()
	}
}

// ObserveSweep 记录单组合扫描结果
func (m *Metrics) ObserveSweep(res *sweep.Result) {
	m.SweepStopsTotal.WithLabelValues(res.Reason.String()).Inc()
}
