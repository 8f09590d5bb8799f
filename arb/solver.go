// Package arb 计算把池子预言机推到目标价格所需的套利交易规模
package arb

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"oraclesim/fixedpoint"
	"oraclesim/oracle"
	"oraclesim/pool"
)

// DefaultBracketMultiplier 搜索上界为 D 的倍数，经验值
const DefaultBracketMultiplier = 10

var (
	// ErrNoBracket 搜索区间两端目标函数同号，目标价格在区间内不可达
	ErrNoBracket = errors.New("arb: no bracketing solution")
	// ErrRootNotConverged 求根迭代次数耗尽
	ErrRootNotConverged = errors.New("arb: root finder did not converge")
	// ErrUnsupportedPair 交易对两侧都不是计价资产，没有对应的预言机
	ErrUnsupportedPair = errors.New("arb: unsupported coin pair")
	// ErrDuplicatePair 同一交易对出现多次
	ErrDuplicatePair = errors.New("arb: duplicate coin pair")
)

// Pair 有序交易对
type Pair struct {
	I, J int
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d,%d)", p.I, p.J)
}

// Reverse 返回反向交易对
func (p Pair) Reverse() Pair {
	return Pair{I: p.J, J: p.I}
}

// Target 交易对 (I, J) 的目标价格：1 单位 I 换得的 J 数量（1e18 定点）
type Target struct {
	Pair  Pair
	Price *big.Int
}

// Trade 求解得到的套利交易，返回后不再修改
type Trade struct {
	CoinIn   int
	CoinOut  int
	AmountIn *big.Int
}

func (t Trade) String() string {
	return fmt.Sprintf("%d->%d %s", t.CoinIn, t.CoinOut, t.AmountIn)
}

// Solver 套利规模求解器
type Solver struct {
	params            oracle.Params
	bracketMultiplier int64
	xtol, rtol        float64
	maxIter           int
	logger            log.Logger
}

// Option 求解器选项
type Option func(*Solver)

// WithBracketMultiplier 设置搜索上界倍数
func WithBracketMultiplier(m int64) Option {
	return func(s *Solver) { s.bracketMultiplier = m }
}

// WithTolerance 设置求根容差和最大迭代次数
func WithTolerance(xtol, rtol float64, maxIter int) Option {
	return func(s *Solver) {
		s.xtol, s.rtol, s.maxIter = xtol, rtol, maxIter
	}
}

// WithLogger 设置日志
func WithLogger(l log.Logger) Option {
	return func(s *Solver) { s.logger = l }
}

// NewSolver 创建求解器
func NewSolver(params oracle.Params, opts ...Option) (*Solver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s := &Solver{
		params:            params,
		bracketMultiplier: DefaultBracketMultiplier,
		xtol:              DefaultXTol,
		rtol:              DefaultRTol,
		maxIter:           DefaultMaxIter,
		logger:            log.Root().New("module", "arb"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bracketMultiplier <= 0 {
		return nil, fmt.Errorf("arb: bracket multiplier must be positive, got %d", s.bracketMultiplier)
	}
	return s, nil
}

// Params 返回 EMA 参数
func (s *Solver) Params() oracle.Params { return s.params }

// Solve 依次求解每个目标对应的交易，按 targets 顺序返回
//
// lastEMA 为 nil 时使用池子当前的预言机读数。任一交易对求解失败即返回错误，
// 由调用方决定跳过还是中止。池子状态不会被修改。
func (s *Solver) Solve(p pool.Pool, targets []Target, lastEMA *big.Int) ([]Trade, error) {
	seen := make(map[Pair]struct{}, len(targets))
	for _, t := range targets {
		if _, dup := seen[t.Pair]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePair, t.Pair)
		}
		seen[t.Pair] = struct{}{}
	}

	trades := make([]Trade, 0, len(targets))
	for _, t := range targets {
		trade, _, err := s.SolvePair(p, t, lastEMA)
		if err != nil {
			return nil, fmt.Errorf("solve %s: %w", t.Pair, err)
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// SolvePair 求解单个交易对，同时返回求根诊断信息
func (s *Solver) SolvePair(p pool.Pool, t Target, lastEMA *big.Int) (Trade, RootResult, error) {
	var res RootResult
	if t.Price == nil || t.Price.Sign() <= 0 {
		return Trade{}, res, fmt.Errorf("arb: target price for %s must be positive", t.Pair)
	}
	k, err := oracleCoin(t.Pair, p.NumCoins())
	if err != nil {
		return Trade{}, res, err
	}
	if lastEMA == nil {
		lastEMA = p.PriceOracle()[k-1]
	}
	targetEMA, err := TargetEMA(t)
	if err != nil {
		return Trade{}, res, err
	}
	in, out, err := Direction(p, t)
	if err != nil {
		return Trade{}, res, err
	}

	f := s.objective(p, in, out, k, lastEMA, targetEMA)
	zero, err := f(new(big.Int))
	if err != nil {
		return Trade{}, res, err
	}
	res.FunctionCalls = 1
	// 目标已满足：误差不超过一个定点单位
	if zero.CmpAbs(big.NewInt(1)) <= 0 {
		res.Converged = true
		return Trade{CoinIn: in, CoinOut: out, AmountIn: new(big.Int)}, res, nil
	}

	d, err := p.D()
	if err != nil {
		return Trade{}, res, err
	}
	upper, calls, err := maxAccepted(f, new(big.Int).Mul(d, big.NewInt(s.bracketMultiplier)))
	if err != nil {
		return Trade{}, res, err
	}
	if calls > 1 {
		s.logger.Debug("搜索上界收缩到可成交规模", "pair", t.Pair, "upper", upper, "calls", calls)
	}
	upperF, _ := new(big.Float).SetInt(upper).Float64()
	if fixedpoint.FloorFloat(upperF).Cmp(upper) > 0 {
		upperF = math.Nextafter(upperF, 0)
	}

	scaled := func(x float64) (float64, error) {
		diff, err := f(fixedpoint.FloorFloat(x))
		if err != nil {
			return 0, err
		}
		return fixedpoint.ToFloat(diff), nil
	}
	res, err = brentq(scaled, 0, upperF, s.xtol, s.rtol, s.maxIter)
	res.FunctionCalls += 1 + calls
	if err != nil {
		s.logger.Debug("求根失败", "pair", t.Pair, "target", fixedpoint.Format(t.Price, 6), "err", err)
		return Trade{}, res, err
	}

	trade := Trade{CoinIn: in, CoinOut: out, AmountIn: fixedpoint.FloorFloat(res.Root)}
	s.logger.Debug("求解完成", "pair", t.Pair, "trade", trade, "iterations", res.Iterations)
	return trade, res, nil
}

// objective 返回 f(dx) = new_ema - target_ema（1e18 定点）
//
// 每次求值都在快照作用域内执行，不会在两次调用之间留下任何状态。
func (s *Solver) objective(p pool.Pool, in, out, k int, lastEMA, targetEMA *big.Int) func(*big.Int) (*big.Int, error) {
	return func(dx *big.Int) (*big.Int, error) {
		return pool.WithSnapshot(p, func(p pool.Pool) (*big.Int, error) {
			if dx.Sign() > 0 {
				if _, _, err := p.Exchange(in, out, dx); err != nil {
					return nil, err
				}
			}
			spot, err := p.Price(k, 0, false)
			if err != nil {
				return nil, err
			}
			ema, err := s.params.Update(spot, lastEMA)
			if err != nil {
				return nil, err
			}
			return ema.Sub(ema, targetEMA), nil
		})
	}
}

// maxAccepted 返回不超过 upper 且池子能够成交的最大交易规模，以及求值次数
//
// upper 可以成交时原样返回。否则先折半直到成交，再在成交与被拒绝的规模之间
// 二分，直到区间宽度不超过下界的 1e-9。池子拒绝任何正规模时返回 ErrNoBracket。
func maxAccepted(f func(*big.Int) (*big.Int, error), upper *big.Int) (*big.Int, int, error) {
	accepted := func(dx *big.Int) (bool, error) {
		_, err := f(dx)
		if errors.Is(err, pool.ErrTradeRejected) {
			return false, nil
		}
		return err == nil, err
	}

	ok, err := accepted(upper)
	if err != nil || ok {
		return upper, 1, err
	}
	calls := 1
	hi := new(big.Int).Set(upper)
	lo := new(big.Int).Rsh(upper, 1)
	for {
		if lo.Sign() == 0 {
			return nil, calls, fmt.Errorf("%w: pool rejects every trade size", ErrNoBracket)
		}
		ok, err = accepted(lo)
		calls++
		if err != nil {
			return nil, calls, err
		}
		if ok {
			break
		}
		hi.Set(lo)
		lo.Rsh(lo, 1)
	}

	width := new(big.Int)
	for {
		width.Sub(hi, lo)
		if width.Cmp(big.NewInt(1)) <= 0 || new(big.Int).Mul(width, maxAcceptedPrecision).Cmp(lo) <= 0 {
			return lo, calls, nil
		}
		mid := new(big.Int).Add(lo, hi)
		mid.Rsh(mid, 1)
		ok, err = accepted(mid)
		calls++
		if err != nil {
			return nil, calls, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
}

var maxAcceptedPrecision = big.NewInt(1_000_000_000)

// Direction 选择套利方向：比较两个方向上不含手续费的价格误差，取较大的一侧
func Direction(p pool.Pool, t Target) (coinIn, coinOut int, err error) {
	i, j := t.Pair.I, t.Pair.J
	pij, err := p.Price(i, j, false)
	if err != nil {
		return 0, 0, err
	}
	pji, err := p.Price(j, i, false)
	if err != nil {
		return 0, 0, err
	}
	inv, err := fixedpoint.Inverse(t.Price)
	if err != nil {
		return 0, 0, err
	}
	errI := new(big.Int).Sub(pij, t.Price)
	errJ := new(big.Int).Sub(pji, inv)
	if errI.Cmp(errJ) >= 0 {
		return i, j, nil
	}
	return j, i, nil
}

// TargetEMA 把交易对方向上的目标价格换算成预言机方向（非计价资产以计价资产计）
func TargetEMA(t Target) (*big.Int, error) {
	switch {
	case t.Pair.I == 0:
		return fixedpoint.Inverse(t.Price)
	case t.Pair.J == 0:
		return new(big.Int).Set(t.Price), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPair, t.Pair)
	}
}

// oracleCoin 返回交易对中非计价资产的下标
func oracleCoin(pair Pair, n int) (int, error) {
	if pair.I == pair.J || pair.I < 0 || pair.J < 0 || pair.I >= n || pair.J >= n {
		return 0, fmt.Errorf("%w: %s in %d-coin pool", pool.ErrInvalidCoin, pair, n)
	}
	switch {
	case pair.I == 0:
		return pair.J, nil
	case pair.J == 0:
		return pair.I, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedPair, pair)
	}
}
