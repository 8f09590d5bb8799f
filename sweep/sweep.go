// Package sweep 反复驱动套利求解和交易执行，按交易规模或目标价格生成操纵成本曲线
package sweep

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"oraclesim/arb"
	"oraclesim/fairprice"
	"oraclesim/fixedpoint"
	"oraclesim/pool"
)

// OutcomeKind 单次迭代的结果类型
type OutcomeKind int

const (
	// Sampled 迭代成功并产生一个样本
	Sampled OutcomeKind = iota
	// Exhausted 池子无法继续承受压力，属于预期的停止条件
	Exhausted
	// Aborted 非预期错误，需要向上传递
	Aborted
)

func (k OutcomeKind) String() string {
	switch k {
	case Sampled:
		return "sampled"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome 单次迭代的结果：成功附带样本，失败附带原因
type Outcome struct {
	Kind   OutcomeKind
	Sample *Sample
	Err    error
}

// Classify 区分预期的停止条件和其他错误
func Classify(err error) OutcomeKind {
	switch {
	case err == nil:
		return Sampled
	case errors.Is(err, pool.ErrStateRestore), errors.Is(err, pool.ErrPoolCorrupted):
		return Aborted
	case errors.Is(err, pool.ErrTradeRejected), errors.Is(err, pool.ErrNotConverged), errors.Is(err, fixedpoint.ErrOverflow):
		return Exhausted
	default:
		return Aborted
	}
}

// Sample 扫描中的一个采样点，创建后不再修改
type Sample struct {
	// TradeSize 每个交易对的交易规模（计价资产整数单位）
	TradeSize *big.Int
	// PriceChange LP 公允价格相对扫描前基准的变化（1e18 定点，可为负）
	PriceChange *big.Int
	// Oracle 迭代结束后的预言机读数
	Oracle []*big.Int
	// Pair 交易组合名称
	Pair  string
	Trace []TraceStep
}

// TraceStep 交易序列中每一步之后的池子状态
type TraceStep struct {
	BlockTimestamp      int64
	LastPricesTimestamp int64
	// NormalizedLPPrice LP 价格 / 虚拟价格
	NormalizedLPPrice *big.Int
	LastPrices        []*big.Int
	PriceOracle       []*big.Int
	PriceScale        []*big.Int
}

// StopReason 扫描停止原因
type StopReason int

const (
	StopExhausted StopReason = iota
	StopInterrupted
	StopMaxIterations
	StopAborted
)

func (r StopReason) String() string {
	switch r {
	case StopExhausted:
		return "exhausted"
	case StopInterrupted:
		return "interrupted"
	case StopMaxIterations:
		return "max-iterations"
	case StopAborted:
		return "aborted"
	default:
		return fmt.Sprintf("stop(%d)", int(r))
	}
}

// Config 单次扫描配置
type Config struct {
	// Label 写入每个样本的组合名称
	Label string
	Pairs []arb.Pair
	// StartSize 起始规模，第一次迭代使用 StartSize + StepSize
	StartSize *big.Int
	StepSize  *big.Int
	// FinalTrade 每次迭代末尾用于触发预言机更新的小额交易，计价资产数量
	FinalTrade *big.Int
	// MaxIterations 迭代上限，0 表示直到失败为止
	MaxIterations int
}

// Result 扫描结果
type Result struct {
	Label    string
	Samples  []Sample
	Baseline *big.Int
	Reason   StopReason
	// StopErr 导致停止的错误，仅用于诊断
	StopErr error
	// FailedSize 失败那次探测的规模
	FailedSize *big.Int
}

// Engine 扫描引擎
type Engine struct {
	logger log.Logger
}

// NewEngine 创建扫描引擎，logger 为 nil 时使用全局日志
func NewEngine(logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Root().New("module", "sweep")
	}
	return &Engine{logger: logger}
}

func (c *Config) validate(p pool.Pool) error {
	if len(c.Pairs) == 0 {
		return errors.New("sweep: no coin pairs")
	}
	if c.StartSize == nil || c.StartSize.Sign() < 0 {
		return errors.New("sweep: start size must be non-negative")
	}
	if c.StepSize == nil || c.StepSize.Sign() <= 0 {
		return errors.New("sweep: step size must be positive")
	}
	n := p.NumCoins()
	for _, pair := range c.Pairs {
		if pair.I == pair.J || pair.I < 0 || pair.J < 0 || pair.I >= n || pair.J >= n {
			return fmt.Errorf("sweep: %w: %s", pool.ErrInvalidCoin, pair)
		}
	}
	return nil
}

// Sweep 从 StartSize 开始逐步增大交易规模持续施压，直到池子无法承受
//
// 每次迭代都以上一次迭代提交后的池子状态为输入，成功则提交并把新状态传给
// 下一次迭代；失败时恢复到上一次提交的状态，丢弃失败的样本，保留已有样本，
// 停止原因记录在 Result 中。只有非预期错误会作为 error 返回，此时 Result 仍
// 包含已收集的样本。ctx 在两次迭代之间检查。
func (e *Engine) Sweep(ctx context.Context, p pool.Pool, cfg Config) (*Result, error) {
	if err := cfg.validate(p); err != nil {
		return nil, err
	}
	finalTrade := cfg.FinalTrade
	if finalTrade == nil {
		finalTrade = fixedpoint.Wad()
	}

	baseline, err := fairprice.Normalized(p)
	if err != nil {
		return nil, err
	}
	res := &Result{Label: cfg.Label, Baseline: baseline}

	size := new(big.Int).Set(cfg.StartSize)
	state := p.CaptureState()
	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			res.Reason, res.StopErr = StopInterrupted, err
			return res, nil
		}
		if cfg.MaxIterations > 0 && iter >= cfg.MaxIterations {
			res.Reason = StopMaxIterations
			return res, nil
		}

		size = new(big.Int).Add(size, cfg.StepSize)
		next, outcome := e.iterate(p, state, &cfg, size, finalTrade, baseline)
		switch outcome.Kind {
		case Sampled:
			res.Samples = append(res.Samples, *outcome.Sample)
			state = next
		case Exhausted:
			e.logger.Warn("扫描结束：池子无法继续承受", "label", cfg.Label, "size", size, "samples", len(res.Samples), "err", outcome.Err)
			res.Reason, res.StopErr, res.FailedSize = StopExhausted, outcome.Err, size
			return res, nil
		default:
			e.logger.Error("扫描异常中止", "label", cfg.Label, "size", size, "err", outcome.Err)
			res.Reason, res.StopErr, res.FailedSize = StopAborted, outcome.Err, size
			return res, outcome.Err
		}
	}
}

// iterate 从 from 状态出发执行一轮交易序列，成功时返回提交后的新状态
func (e *Engine) iterate(p pool.Pool, from pool.State, cfg *Config, size, finalTrade, baseline *big.Int) (pool.State, Outcome) {
	if err := p.RestoreState(from); err != nil {
		return nil, Outcome{Kind: Aborted, Err: fmt.Errorf("%w: %w", pool.ErrStateRestore, err)}
	}
	sample, err := pool.Attempt(p, func(p pool.Pool) (*Sample, error) {
		return e.runTrades(p, cfg, size, finalTrade, baseline)
	})
	if err != nil {
		return nil, Outcome{Kind: Classify(err), Err: err}
	}
	return p.CaptureState(), Outcome{Kind: Sampled, Sample: sample}
}

// runTrades 执行一轮：进入新区块，按比例对每个交易对下单，再推进一个区块，
// 最后用一笔小额交易触发预言机更新
func (e *Engine) runTrades(p pool.Pool, cfg *Config, size, finalTrade, baseline *big.Int) (*Sample, error) {
	scale := append([]*big.Int{fixedpoint.Wad()}, p.PriceScale()...)
	var trace []TraceStep
	record := func() error {
		step, err := traceStep(p)
		if err != nil {
			return err
		}
		trace = append(trace, step)
		return nil
	}

	p.SetLastPricesTimestamp(p.BlockTimestamp())
	p.IncrementBlocks(1)
	if err := record(); err != nil {
		return nil, err
	}

	for _, pair := range cfg.Pairs {
		amount := new(big.Int).Mul(size, fixedpoint.WadSquared())
		amount.Div(amount, scale[pair.I])
		if _, _, err := p.Exchange(pair.I, pair.J, amount); err != nil {
			return nil, fmt.Errorf("trade %s size %s: %w", pair, size, err)
		}
		if err := record(); err != nil {
			return nil, err
		}
	}

	p.IncrementBlocks(1)
	if err := record(); err != nil {
		return nil, err
	}
	if _, _, err := p.Exchange(0, 1, finalTrade); err != nil {
		return nil, fmt.Errorf("oracle refresh trade: %w", err)
	}
	if err := record(); err != nil {
		return nil, err
	}

	last := trace[len(trace)-1]
	change, err := fairprice.RelativeChange(baseline, last.NormalizedLPPrice)
	if err != nil {
		return nil, err
	}
	return &Sample{
		TradeSize:   new(big.Int).Set(size),
		PriceChange: change,
		Oracle:      last.PriceOracle,
		Pair:        cfg.Label,
		Trace:       trace,
	}, nil
}

func traceStep(p pool.Pool) (TraceStep, error) {
	norm, err := fairprice.Normalized(p)
	if err != nil {
		return TraceStep{}, err
	}
	return TraceStep{
		BlockTimestamp:      p.BlockTimestamp(),
		LastPricesTimestamp: p.LastPricesTimestamp(),
		NormalizedLPPrice:   norm,
		LastPrices:          p.LastPrices(),
		PriceOracle:         p.PriceOracle(),
		PriceScale:          p.PriceScale(),
	}, nil
}
