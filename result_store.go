package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"oraclesim/sweep"
)

// 扫描任务状态
const (
	runQueued  = "queued"
	runRunning = "running"
	runDone    = "done"
	runFailed  = "failed"
	runDropped = "dropped"
)

var errRunNotFound = errors.New("扫描任务不存在")

// RunRecord 一次扫描任务
type RunRecord struct {
	ID      string `json:"id"`
	Pool    string `json:"pool"`
	Label   string `json:"label"`
	Status  string `json:"status"`
	Reasons string `json:"reasons,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SampleRecord 持久化的扫描样本，定点数以十进制整数字符串保存
type SampleRecord struct {
	Seq         int      `json:"seq"`
	Pair        string   `json:"pair"`
	TradeSize   string   `json:"trade_size"`
	PriceChange string   `json:"price_change"`
	Oracle      []string `json:"oracle"`
}

// ResultStore 负责扫描任务和样本的持久化
type ResultStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewResultStore 创建结果存储，path 为空时默认使用 oraclesim.db
func NewResultStore(path string) (*ResultStore, error) {
	if path == "" {
		path = defaultSQLitePath
	}

	dsn := path
	if !strings.HasPrefix(path, "file:") {
		// 设置 busy_timeout 和 WAL，提高并发写入能力
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 使用单连接模式，避免驱动在内部创建多个连接导致锁冲突
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &ResultStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (rs *ResultStore) init() error {
	statements := []string{`
CREATE TABLE IF NOT EXISTS sweep_runs (
	id TEXT PRIMARY KEY,
	pool TEXT NOT NULL,
	label TEXT NOT NULL,
	status TEXT NOT NULL,
	reasons TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`, `
CREATE TABLE IF NOT EXISTS sweep_samples (
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	pair TEXT NOT NULL,
	trade_size TEXT NOT NULL,
	price_change TEXT NOT NULL,
	oracle TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);`}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, stmt := range statements {
		if _, err := rs.db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化数据表失败: %w", err)
		}
	}
	return nil
}

// CreateRun 登记一个排队中的扫描任务
func (rs *ResultStore) CreateRun(ctx context.Context, id, pool, label string) error {
	const insertStmt = `
INSERT INTO sweep_runs (id, pool, label, status, created_at, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
`

	rs.mu.Lock()
	defer rs.mu.Unlock()

	_, err := rs.db.ExecContext(ctx, insertStmt, id, pool, label, runQueued)
	return err
}

// UpdateRun 更新任务状态、停止原因和错误信息
func (rs *ResultStore) UpdateRun(ctx context.Context, id, status, reasons, errMsg string) error {
	const updateStmt = `
UPDATE sweep_runs SET status = ?, reasons = ?, error = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`

	rs.mu.Lock()
	defer rs.mu.Unlock()

	res, err := rs.db.ExecContext(ctx, updateStmt, status, reasons, errMsg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", errRunNotFound, id)
	}
	return nil
}

// InsertSamples 在一个事务内写入样本，seq 从已有样本数之后继续编号
func (rs *ResultStore) InsertSamples(ctx context.Context, runID string, samples []sweep.Sample) error {
	const insertStmt = `
INSERT INTO sweep_samples (run_id, seq, pair, trade_size, price_change, oracle)
VALUES (?, ?, ?, ?, ?, ?);
`

	rs.mu.Lock()
	defer rs.mu.Unlock()

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sweep_samples WHERE run_id = ?;`, runID).Scan(&next); err != nil {
		return err
	}
	for i, s := range samples {
		oracle, err := json.Marshal(bigStrings(s.Oracle))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertStmt, runID, next+i, s.Pair, s.TradeSize.String(), s.PriceChange.String(), string(oracle)); err != nil {
			return fmt.Errorf("写入样本失败: %w", err)
		}
	}
	return tx.Commit()
}

// GetRun 查询任务
func (rs *ResultStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	const selectStmt = `
SELECT id, pool, label, status, reasons, error
FROM sweep_runs WHERE id = ?;
`

	rs.mu.Lock()
	defer rs.mu.Unlock()

	var run RunRecord
	err := rs.db.QueryRowContext(ctx, selectStmt, id).Scan(&run.ID, &run.Pool, &run.Label, &run.Status, &run.Reasons, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListSamples 按写入顺序返回任务的全部样本
func (rs *ResultStore) ListSamples(ctx context.Context, runID string) ([]SampleRecord, error) {
	const selectStmt = `
SELECT seq, pair, trade_size, price_change, oracle
FROM sweep_samples WHERE run_id = ? ORDER BY seq;
`

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rows, err := rs.db.QueryContext(ctx, selectStmt, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []SampleRecord
	for rows.Next() {
		var (
			rec    SampleRecord
			oracle string
		)
		if err := rows.Scan(&rec.Seq, &rec.Pair, &rec.TradeSize, &rec.PriceChange, &oracle); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(oracle), &rec.Oracle); err != nil {
			return nil, fmt.Errorf("解析预言机读数失败: %w", err)
		}
		samples = append(samples, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// Close 关闭数据库
func (rs *ResultStore) Close() error {
	if rs.db != nil {
		return rs.db.Close()
	}
	return nil
}

func bigStrings(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}
