package sweep

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"oraclesim/arb"
	"oraclesim/pool"
)

// Combination 一组同时施压的交易对
type Combination struct {
	Name  string
	Pairs []arb.Pair
}

// dual 是否为双资产组合
func (c Combination) dual() bool {
	return len(c.Pairs) > 1
}

// DefaultCombinations 三币池（计价资产 + 两个风险资产）的六种施压组合，
// 单资产和双资产各两个方向
func DefaultCombinations(coins []string) []Combination {
	quote, a, b := "USD", "wBTC", "ETH"
	if len(coins) >= 3 {
		quote, a, b = coins[0], coins[1], coins[2]
	}
	return []Combination{
		{Name: quote + "-" + a, Pairs: []arb.Pair{{I: 0, J: 1}}},
		{Name: quote + "-" + b, Pairs: []arb.Pair{{I: 0, J: 2}}},
		{Name: quote + "-BOTH", Pairs: []arb.Pair{{I: 0, J: 1}, {I: 0, J: 2}}},
		{Name: a + "-" + quote, Pairs: []arb.Pair{{I: 1, J: 0}}},
		{Name: b + "-" + quote, Pairs: []arb.Pair{{I: 2, J: 0}}},
		{Name: "BOTH-" + quote, Pairs: []arb.Pair{{I: 1, J: 0}, {I: 2, J: 0}}},
	}
}

// Factory 从不可变配置重建一个全新的池子
type Factory func() (pool.Pool, error)

// RunAllTradePairs 对每个组合在独立的新池子上执行一次扫描
//
// base 提供起始规模、步长、末尾小额交易和迭代上限，Label 和 Pairs 由组合
// 覆盖。双资产组合的起始规模和步长减半，使总压力与单资产组合可比。
// 某个组合异常中止时返回已完成的结果和错误。
func (e *Engine) RunAllTradePairs(ctx context.Context, factory Factory, combos []Combination, base Config) ([]*Result, error) {
	if base.StartSize == nil || base.StepSize == nil {
		return nil, errors.New("sweep: start size and step size are required")
	}
	results := make([]*Result, 0, len(combos))
	two := big.NewInt(2)
	for _, combo := range combos {
		cfg := base
		cfg.Label, cfg.Pairs = combo.Name, combo.Pairs
		cfg.StartSize, cfg.StepSize = new(big.Int).Set(base.StartSize), new(big.Int).Set(base.StepSize)
		if combo.dual() {
			cfg.StartSize.Quo(cfg.StartSize, two)
			cfg.StepSize.Quo(cfg.StepSize, two)
		}

		p, err := factory()
		if err != nil {
			return results, fmt.Errorf("build pool for %s: %w", combo.Name, err)
		}
		res, err := e.Sweep(ctx, p, cfg)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, fmt.Errorf("sweep %s: %w", combo.Name, err)
		}
		e.logger.Info("组合扫描完成", "pair", combo.Name, "samples", len(res.Samples), "reason", res.Reason)
		if res.Reason == StopInterrupted {
			break
		}
	}
	return results, nil
}

// Flatten 把多个扫描结果的样本按顺序合并
func Flatten(results []*Result) []Sample {
	var out []Sample
	for _, r := range results {
		out = append(out, r.Samples...)
	}
	return out
}
