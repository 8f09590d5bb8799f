package main

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"oraclesim/fixedpoint"
	"oraclesim/sweep"
)

// SweepWorker 从队列中取出扫描任务，执行并持久化结果
type SweepWorker struct {
	queue   *SweepQueue
	store   *ResultStore
	presets *Presets
	engine  *sweep.Engine
	metrics *Metrics
	logger  log.Logger
}

// NewSweepWorker 创建扫描任务执行者
func NewSweepWorker(queue *SweepQueue, store *ResultStore, presets *Presets, metrics *Metrics) *SweepWorker {
	logger := log.Root().New("module", "worker")
	return &SweepWorker{
		queue:   queue,
		store:   store,
		presets: presets,
		engine:  sweep.NewEngine(logger),
		metrics: metrics,
		logger:  logger,
	}
}

// Start 开始处理扫描任务，ctx 取消后返回
func (w *SweepWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue.Subscribe():
			w.handleJob(ctx, job)
		}
	}
}

func (w *SweepWorker) handleJob(ctx context.Context, job SweepJob) {
	w.logger.Info("扫描任务开始", "id", job.ID, "pool", job.Pool, "combos", job.Label(),
		"start", job.StartSize, "step", job.StepSize)
	if err := w.store.UpdateRun(ctx, job.ID, runRunning, "", ""); err != nil {
		w.logger.Error("更新任务状态失败", "id", job.ID, "err", err)
		return
	}

	reasons, err := w.runJob(ctx, job)
	status, errMsg := runDone, ""
	if err != nil {
		status, errMsg = runFailed, err.Error()
		w.logger.Error("扫描任务失败", "id", job.ID, "err", err)
	} else {
		w.logger.Info("扫描任务完成", "id", job.ID, "reasons", reasons)
	}
	w.metrics.SweepJobsTotal.WithLabelValues(status).Inc()

	// ctx 可能已取消，状态仍需写回
	if err := w.store.UpdateRun(context.WithoutCancel(ctx), job.ID, status, reasons, errMsg); err != nil {
		w.logger.Error("更新任务状态失败", "id", job.ID, "err", err)
	}
}

// runJob 对任务中的每个组合在新池子上扫描并写入样本，返回逗号分隔的停止原因
func (w *SweepWorker) runJob(ctx context.Context, job SweepJob) (string, error) {
	factory, err := w.presets.Factory(job.Pool)
	if err != nil {
		return "", err
	}

	results, runErr := w.engine.RunAllTradePairs(ctx, factory, job.Combos, sweep.Config{
		StartSize:     job.StartSize,
		StepSize:      job.StepSize,
		MaxIterations: job.MaxIterations,
	})

	reasons := make([]string, 0, len(results))
	for _, res := range results {
		w.metrics.ObserveSweep(res)
		reasons = append(reasons, res.Label+":"+res.Reason.String())
		if len(res.Samples) > 0 {
			last := res.Samples[len(res.Samples)-1]
			w.logger.Debug("组合扫描结束", "id", job.ID, "pair", res.Label, "samples", len(res.Samples),
				"last_size", last.TradeSize, "change", fixedpoint.Format(last.PriceChange, 6))
		}
	}
	// 中断或失败时已收集的样本仍然保存
	samples := sweep.Flatten(results)
	if err := w.store.InsertSamples(context.WithoutCancel(ctx), job.ID, samples); err != nil {
		return strings.Join(reasons, ","), err
	}
	w.metrics.SweepSamplesTotal.Add(float64(len(samples)))

	if runErr != nil {
		return strings.Join(reasons, ","), runErr
	}
	if n := len(results); n < len(job.Combos) || (n > 0 && results[n-1].Reason == sweep.StopInterrupted) {
		return strings.Join(reasons, ","), errors.New("扫描被中断")
	}
	return strings.Join(reasons, ","), nil
}
