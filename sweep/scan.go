package sweep

import (
	"errors"
	"fmt"
	"math/big"

	"oraclesim/arb"
	"oraclesim/fixedpoint"
	"oraclesim/pool"
)

// ScanRow 目标价格扫描中的一行：把预言机推到目标价所需的交易及其成本
type ScanRow struct {
	TargetPrice *big.Int
	CoinIn      int
	CoinOut     int
	AmountIn    *big.Int
	AmountOut   *big.Int
	// PoolPrice 交易后池子的现价 price(0, 1)
	PoolPrice *big.Int
	// InValue/OutValue 按扫描开始时价格折算成计价资产的价值
	InValue  *big.Int
	OutValue *big.Int
	Cost     *big.Int
	Root     arb.RootResult
	// Err 该目标价求解失败的原因，失败时交易字段为空
	Err error
}

// TargetGrid 生成 [lo, hi] 内步长为 step 的目标价格序列
func TargetGrid(lo, hi, step *big.Int) ([]*big.Int, error) {
	if step == nil || step.Sign() <= 0 {
		return nil, errors.New("sweep: grid step must be positive")
	}
	if lo.Cmp(hi) > 0 {
		return nil, fmt.Errorf("sweep: grid low %s above high %s", lo, hi)
	}
	var grid []*big.Int
	for v := new(big.Int).Set(lo); v.Cmp(hi) <= 0; v = new(big.Int).Add(v, step) {
		grid = append(grid, v)
	}
	return grid, nil
}

// DefaultTargetGrid 0.9870 到 1.0130、步长 0.0010 的目标价格
func DefaultTargetGrid() []*big.Int {
	grid, _ := TargetGrid(
		fixedpoint.MulDiv(big.NewInt(9870), fixedpoint.Wad(), big.NewInt(10000)),
		fixedpoint.MulDiv(big.NewInt(10130), fixedpoint.Wad(), big.NewInt(10000)),
		fixedpoint.MulDiv(big.NewInt(10), fixedpoint.Wad(), big.NewInt(10000)),
	)
	return grid
}

// ScanTargets 对每个目标价求解交易对 pair 的套利规模，并在快照作用域内执行
// 该交易以计算成本，池子状态不变
//
// 上一次 EMA 取池子当前现价。单个目标求解失败只记录在该行上，扫描继续；
// 状态恢复失败会中止扫描。
func (e *Engine) ScanTargets(p pool.Pool, solver *arb.Solver, pair arb.Pair, targets []*big.Int) ([]ScanRow, error) {
	k := pair.J
	if pair.J == 0 {
		k = pair.I
	}
	startPrice, err := p.Price(k, 0, false)
	if err != nil {
		return nil, err
	}

	rows := make([]ScanRow, 0, len(targets))
	for _, target := range targets {
		row := ScanRow{TargetPrice: new(big.Int).Set(target)}
		trade, root, err := solver.SolvePair(p, arb.Target{Pair: pair, Price: target}, startPrice)
		row.Root = root
		if err != nil {
			if errors.Is(err, pool.ErrStateRestore) || errors.Is(err, pool.ErrPoolCorrupted) {
				return rows, err
			}
			e.logger.Warn("目标价求解失败", "pair", pair, "target", fixedpoint.Format(target, 4), "err", err)
			row.Err = err
			rows = append(rows, row)
			continue
		}
		if err := e.evaluate(p, &row, trade, k, startPrice); err != nil {
			if errors.Is(err, pool.ErrStateRestore) || errors.Is(err, pool.ErrPoolCorrupted) {
				return rows, err
			}
			row.Err = err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (e *Engine) evaluate(p pool.Pool, row *ScanRow, trade arb.Trade, k int, startPrice *big.Int) error {
	row.CoinIn, row.CoinOut, row.AmountIn = trade.CoinIn, trade.CoinOut, trade.AmountIn
	type outcome struct{ out, price *big.Int }
	res, err := pool.WithSnapshot(p, func(p pool.Pool) (outcome, error) {
		out := new(big.Int)
		if trade.AmountIn.Sign() > 0 {
			dy, _, err := p.Exchange(trade.CoinIn, trade.CoinOut, trade.AmountIn)
			if err != nil {
				return outcome{}, err
			}
			out = dy
		}
		price, err := p.Price(0, k, false)
		if err != nil {
			return outcome{}, err
		}
		return outcome{out: out, price: price}, nil
	})
	if err != nil {
		return err
	}

	row.AmountOut, row.PoolPrice = res.out, res.price
	if trade.CoinIn == 0 {
		row.InValue = new(big.Int).Set(trade.AmountIn)
		row.OutValue = fixedpoint.MulDiv(res.out, startPrice, fixedpoint.Wad())
	} else {
		row.InValue = fixedpoint.MulDiv(trade.AmountIn, startPrice, fixedpoint.Wad())
		row.OutValue = new(big.Int).Set(res.out)
	}
	row.Cost = new(big.Int).Sub(row.InValue, row.OutValue)
	return nil
}
