package main

import (
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"

	"oraclesim/sweep"
)

// SweepJob 一个异步扫描任务，每个组合在按预设重建的新池子上运行
type SweepJob struct {
	ID            string
	Pool          string
	Combos        []sweep.Combination
	StartSize     *big.Int
	StepSize      *big.Int
	MaxIterations int
}

// NewSweepJob 创建带随机 ID 的扫描任务
func NewSweepJob(pool string, combos []sweep.Combination, startSize, stepSize *big.Int, maxIterations int) SweepJob {
	return SweepJob{
		ID:            uuid.NewString(),
		Pool:          pool,
		Combos:        combos,
		StartSize:     new(big.Int).Set(startSize),
		StepSize:      new(big.Int).Set(stepSize),
		MaxIterations: maxIterations,
	}
}

// Label 任务包含的组合名称
func (j SweepJob) Label() string {
	names := make([]string, len(j.Combos))
	for i, c := range j.Combos {
		names[i] = c.Name
	}
	return strings.Join(names, ",")
}

// SweepQueue 用于缓存待执行的扫描任务
type SweepQueue struct {
	ch chan SweepJob
	mu sync.Mutex
}

// NewSweepQueue 创建新的扫描队列
func NewSweepQueue(size int) *SweepQueue {
	return &SweepQueue{
		ch: make(chan SweepJob, size),
	}
}

// Publish 推送新的扫描任务，如果队列已满则丢弃最旧的任务并返回它
func (q *SweepQueue) Publish(job SweepJob) (dropped SweepJob, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- job:
		return SweepJob{}, false
	default:
		select {
		case dropped = <-q.ch:
			ok = true
		default:
		}
		q.ch <- job
		return dropped, ok
	}
}

// Subscribe 返回队列的只读 channel
func (q *SweepQueue) Subscribe() <-chan SweepJob {
	return q.ch
}
