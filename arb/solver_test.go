package arb

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"oraclesim/fixedpoint"
	"oraclesim/oracle"
	"oraclesim/pool"
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.Wad())
}

func price(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fixedpoint.Parse(s)
	require.NoError(t, err)
	return v
}

func newPool(t *testing.T) *pool.StableSwap {
	t.Helper()
	p, err := pool.New(pool.Config{
		Name:         "mkUSD/USDC",
		Coins:        []string{"USD", "mkUSD"},
		A:            200,
		Fee:          4_000_000,
		Balances:     []*big.Int{units(1_000_000), units(1_000_000)},
		OracleWindow: oracle.DefaultAveragingWindow,
	})
	require.NoError(t, err)
	return p
}

func newSolver(t *testing.T, opts ...Option) *Solver {
	t.Helper()
	s, err := NewSolver(oracle.DefaultParams(), opts...)
	require.NoError(t, err)
	return s
}

// relClose 判断 a 与 b 的相对误差是否小于 1e-9
func relClose(a, b *big.Int) bool {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(1_000_000_000))
	return diff.Cmp(new(big.Int).Abs(b)) <= 0
}

func TestSolvePushesOracleToTarget(t *testing.T) {
	p := newPool(t)
	s := newSolver(t)
	target := price(t, "1.01")
	before := p.CaptureState()

	trade, res, err := s.SolvePair(p, Target{Pair: Pair{I: 1, J: 0}, Price: target}, nil)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 0, trade.CoinIn)
	assert.Equal(t, 1, trade.CoinOut)
	assert.True(t, relClose(trade.AmountIn, mustInt(t, "982064334620995132325888")), "amount %s", trade.AmountIn)

	// 求解不改变池子
	after := newPool(t)
	require.NoError(t, after.RestoreState(before))
	assert.Equal(t, after.Balances(), p.Balances())
	assert.Equal(t, after.PriceOracle(), p.PriceOracle())

	_, _, err = p.Exchange(trade.CoinIn, trade.CoinOut, trade.AmountIn)
	require.NoError(t, err)
	p.IncrementBlocks(1)
	pending, err := p.PendingPriceOracle()
	require.NoError(t, err)

	gap := new(big.Int).Sub(pending[0], target)
	assert.True(t, gap.CmpAbs(big.NewInt(1_000_000_000_000)) < 0, "oracle %s, target %s", pending[0], target)
}

func TestSolveInvertedTarget(t *testing.T) {
	p := newPool(t)
	s := newSolver(t)

	trade, _, err := s.SolvePair(p, Target{Pair: Pair{I: 0, J: 1}, Price: price(t, "1.01")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, trade.CoinIn)
	assert.Equal(t, 0, trade.CoinOut)
	assert.True(t, relClose(trade.AmountIn, mustInt(t, "1047370359864753525882880")), "amount %s", trade.AmountIn)
}

func TestSolveOrientationIndependent(t *testing.T) {
	p := newPool(t)
	s := newSolver(t)
	target := price(t, "1.01")
	inv, err := fixedpoint.Inverse(target)
	require.NoError(t, err)

	pair := Pair{I: 0, J: 1}
	a, _, err := s.SolvePair(p, Target{Pair: pair, Price: target}, nil)
	require.NoError(t, err)
	b, _, err := s.SolvePair(p, Target{Pair: pair.Reverse(), Price: inv}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSolveTargetAlreadyMet(t *testing.T) {
	p := newPool(t)
	s := newSolver(t)
	spot, err := p.Price(1, 0, false)
	require.NoError(t, err)

	trade, res, err := s.SolvePair(p, Target{Pair: Pair{I: 1, J: 0}, Price: spot}, nil)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0, trade.AmountIn.Sign())
}

func TestSolveUnreachableTarget(t *testing.T) {
	p := newPool(t)
	s := newSolver(t)

	_, _, err := s.SolvePair(p, Target{Pair: Pair{I: 1, J: 0}, Price: units(1_000)}, nil)
	assert.ErrorIs(t, err, ErrNoBracket)
}

func TestSolveMultipleTargets(t *testing.T) {
	p := newPool(t)
	s := newSolver(t)
	target := price(t, "1.01")

	trades, err := s.Solve(p, []Target{
		{Pair: Pair{I: 1, J: 0}, Price: target},
		{Pair: Pair{I: 0, J: 1}, Price: target},
	}, fixedpoint.Wad())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 0, trades[0].CoinIn)
	assert.Equal(t, 1, trades[1].CoinIn)

	_, err = s.Solve(p, []Target{
		{Pair: Pair{I: 1, J: 0}, Price: target},
		{Pair: Pair{I: 1, J: 0}, Price: target},
	}, nil)
	assert.ErrorIs(t, err, ErrDuplicatePair)
}

func TestSolveRejectsPairs(t *testing.T) {
	p, err := pool.New(pool.Config{
		A:            2700,
		Balances:     []*big.Int{units(1_000), units(1_000), units(1_000)},
		OracleWindow: 865,
	})
	require.NoError(t, err)
	s := newSolver(t)

	_, _, err = s.SolvePair(p, Target{Pair: Pair{I: 1, J: 2}, Price: fixedpoint.Wad()}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedPair)

	_, _, err = s.SolvePair(p, Target{Pair: Pair{I: 0, J: 3}, Price: fixedpoint.Wad()}, nil)
	assert.ErrorIs(t, err, pool.ErrInvalidCoin)

	_, _, err = s.SolvePair(p, Target{Pair: Pair{I: 0, J: 1}, Price: big.NewInt(0)}, nil)
	assert.Error(t, err)
}

func TestNewSolverOptions(t *testing.T) {
	_, err := NewSolver(oracle.Params{})
	assert.ErrorIs(t, err, oracle.ErrInvalidParams)

	_, err = NewSolver(oracle.DefaultParams(), WithBracketMultiplier(0))
	assert.Error(t, err)

	// 目标价 10 需要超过 D 的交易量
	target := Target{Pair: Pair{I: 1, J: 0}, Price: units(10)}
	_, _, err = newSolver(t, WithBracketMultiplier(1)).SolvePair(newPool(t), target, nil)
	assert.ErrorIs(t, err, ErrNoBracket)

	trade, _, err := newSolver(t).SolvePair(newPool(t), target, nil)
	require.NoError(t, err)
	assert.True(t, trade.AmountIn.Cmp(units(2_000_000)) > 0)

	s := newSolver(t, WithTolerance(DefaultXTol, DefaultRTol, 1))
	_, res, err := s.SolvePair(newPool(t), Target{Pair: Pair{I: 1, J: 0}, Price: price(t, "1.01")}, nil)
	assert.ErrorIs(t, err, ErrRootNotConverged)
	assert.Equal(t, 1, res.Iterations)

	s = newSolver(t, WithLogger(log.NewLogger(log.DiscardHandler())), WithBracketMultiplier(3))
	assert.Equal(t, oracle.DefaultParams(), s.Params())
	_, _, err = s.SolvePair(newPool(t), Target{Pair: Pair{I: 1, J: 0}, Price: price(t, "1.01")}, nil)
	assert.NoError(t, err)
}

func newTricrypto(t *testing.T) *pool.StableSwap {
	t.Helper()
	p, err := pool.New(pool.Config{
		Name:         "tricrypto",
		Coins:        []string{"USD", "wBTC", "ETH"},
		A:            2700,
		Fee:          4_000_000,
		Balances:     []*big.Int{units(30_000_000), units(500), units(10_000)},
		Rates:        []*big.Int{units(1), units(60_000), units(3_000)},
		OracleWindow: oracle.DefaultAveragingWindow,
		SafetyChecks: true,
	})
	require.NoError(t, err)
	return p
}

func TestSolveWithinSafeBalances(t *testing.T) {
	cases := []struct {
		pair   Pair
		target string
		coinIn int
		oracle int
	}{
		{pair: Pair{I: 2, J: 0}, target: "2999.5", coinIn: 2, oracle: 1},
		{pair: Pair{I: 1, J: 0}, target: "59900", coinIn: 1, oracle: 0},
		{pair: Pair{I: 1, J: 0}, target: "60600", coinIn: 0, oracle: 0},
		{pair: Pair{I: 2, J: 0}, target: "3030", coinIn: 0, oracle: 1},
	}
	s := newSolver(t)
	for _, tc := range cases {
		t.Run(tc.pair.String()+"@"+tc.target, func(t *testing.T) {
			p := newTricrypto(t)
			target := price(t, tc.target)

			// 默认上界处的交易越过安全区间
			d, err := p.D()
			require.NoError(t, err)
			upper := new(big.Int).Mul(d, big.NewInt(DefaultBracketMultiplier))
			_, _, err = p.Exchange(tc.coinIn, tc.pair.I+tc.pair.J-tc.coinIn, upper)
			require.ErrorIs(t, err, pool.ErrTradeRejected)

			trade, res, err := s.SolvePair(p, Target{Pair: tc.pair, Price: target}, nil)
			require.NoError(t, err)
			assert.True(t, res.Converged)
			assert.Equal(t, tc.coinIn, trade.CoinIn)

			_, _, err = p.Exchange(trade.CoinIn, trade.CoinOut, trade.AmountIn)
			require.NoError(t, err)
			p.IncrementBlocks(1)
			pending, err := p.PendingPriceOracle()
			require.NoError(t, err)
			assert.True(t, relClose(pending[tc.oracle], target), "oracle %s, target %s", pending[tc.oracle], target)
		})
	}
}

func TestSolveBeyondSafeBalances(t *testing.T) {
	s := newSolver(t)
	for _, target := range []Target{
		{Pair: Pair{I: 1, J: 0}, Price: units(59_400)},
		{Pair: Pair{I: 2, J: 0}, Price: units(2_970)},
	} {
		p := newTricrypto(t)
		before := p.Balances()
		_, _, err := s.SolvePair(p, target, nil)
		assert.ErrorIs(t, err, ErrNoBracket, target.Pair.String())
		assert.NotErrorIs(t, err, pool.ErrTradeRejected, target.Pair.String())
		assert.Equal(t, before, p.Balances())
	}
}

func TestMaxAccepted(t *testing.T) {
	limit := big.NewInt(1_000)
	f := func(dx *big.Int) (*big.Int, error) {
		if dx.Cmp(limit) > 0 {
			return nil, fmt.Errorf("%w: too large", pool.ErrTradeRejected)
		}
		return new(big.Int), nil
	}

	got, calls, err := maxAccepted(f, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), got)
	assert.Equal(t, 1, calls)

	got, calls, err = maxAccepted(f, big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, limit, got)
	assert.Greater(t, calls, 1)

	_, _, err = maxAccepted(func(*big.Int) (*big.Int, error) {
		return nil, pool.ErrTradeRejected
	}, big.NewInt(1_000))
	assert.ErrorIs(t, err, ErrNoBracket)

	boom := errors.New("boom")
	_, _, err = maxAccepted(func(*big.Int) (*big.Int, error) { return nil, boom }, big.NewInt(1_000))
	assert.ErrorIs(t, err, boom)
}

func TestMaxAcceptedBoundary(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := big.NewInt(rapid.Int64Range(1, 1_000_000_000).Draw(t, "limit"))
		upper := new(big.Int).Mul(limit, big.NewInt(rapid.Int64Range(2, 1_000).Draw(t, "factor")))
		f := func(dx *big.Int) (*big.Int, error) {
			if dx.Cmp(limit) > 0 {
				return nil, pool.ErrTradeRejected
			}
			return new(big.Int), nil
		}
		got, _, err := maxAccepted(f, upper)
		if err != nil {
			t.Fatalf("limit %s upper %s: %v", limit, upper, err)
		}
		if got.Cmp(limit) != 0 {
			t.Fatalf("got %s, want %s", got, limit)
		}
	})
}

func TestTargetEMA(t *testing.T) {
	target := price(t, "1.25")

	got, err := TargetEMA(Target{Pair: Pair{I: 2, J: 0}, Price: target})
	require.NoError(t, err)
	assert.Equal(t, target, got)

	got, err = TargetEMA(Target{Pair: Pair{I: 0, J: 2}, Price: target})
	require.NoError(t, err)
	assert.Equal(t, price(t, "0.8"), got)

	_, err = TargetEMA(Target{Pair: Pair{I: 1, J: 2}, Price: target})
	assert.ErrorIs(t, err, ErrUnsupportedPair)
}

func mustInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return v
}
