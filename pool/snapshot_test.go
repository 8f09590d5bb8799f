package pool

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type observed struct {
	balances  []*big.Int
	oracle    []*big.Int
	last      []*big.Int
	ts, lastT int64
}

func observe(p *StableSwap) observed {
	return observed{
		balances: p.Balances(),
		oracle:   p.PriceOracle(),
		last:     p.LastPrices(),
		ts:       p.BlockTimestamp(),
		lastT:    p.LastPricesTimestamp(),
	}
}

func TestWithSnapshotRestoresOnSuccess(t *testing.T) {
	p := newBalanced(t)
	before := observe(p)

	dy, err := WithSnapshot(p, func(p Pool) (*big.Int, error) {
		p.IncrementBlocks(3)
		dy, _, err := p.Exchange(0, 1, units(250_000))
		return dy, err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dy.Sign())
	assert.Equal(t, before, observe(p))
}

func TestWithSnapshotRestoresOnError(t *testing.T) {
	p := newBalanced(t)
	before := observe(p)
	boom := errors.New("boom")

	_, err := WithSnapshot(p, func(p Pool) (struct{}, error) {
		if _, _, err := p.Exchange(1, 0, units(10_000)); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, observe(p))
}

func TestWithSnapshotRestoresOnPanic(t *testing.T) {
	p := newBalanced(t)
	before := observe(p)

	assert.Panics(t, func() {
		_, _ = WithSnapshot(p, func(p Pool) (int, error) {
			_, _, _ = p.Exchange(0, 1, units(10_000))
			p.IncrementBlocks(1)
			panic("mid-scope")
		})
	})
	assert.Equal(t, before, observe(p))
}

func TestWithSnapshotNested(t *testing.T) {
	p := newBalanced(t)
	before := observe(p)

	_, err := WithSnapshot(p, func(outer Pool) (struct{}, error) {
		_, _, err := outer.Exchange(0, 1, units(10_000))
		require.NoError(t, err)
		mid := observe(p)

		_, err = WithSnapshot(outer, func(inner Pool) (struct{}, error) {
			inner.IncrementBlocks(5)
			_, _, err := inner.Exchange(1, 0, units(20_000))
			return struct{}{}, err
		})
		require.NoError(t, err)
		assert.Equal(t, mid, observe(p))
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, before, observe(p))
}

func TestWithSnapshotForeignRestore(t *testing.T) {
	p := newBalanced(t)

	_, err := WithSnapshot(p, func(p Pool) (struct{}, error) {
		// 恢复外来状态会把池子标记为损坏，退出时的恢复也无法挽回
		return struct{}{}, p.RestoreState("bogus")
	})
	assert.ErrorIs(t, err, ErrStateRestore)
	_, err = p.D()
	assert.ErrorIs(t, err, ErrPoolCorrupted)
}

func TestAttemptCommitsOnSuccess(t *testing.T) {
	p := newBalanced(t)

	_, err := Attempt(p, func(p Pool) (*big.Int, error) {
		dy, _, err := p.Exchange(0, 1, units(10_000))
		return dy, err
	})
	require.NoError(t, err)
	assert.Equal(t, units(1_010_000), p.Balances()[0])
}

func TestAttemptRollsBackOnFailure(t *testing.T) {
	p := newBalanced(t)
	before := observe(p)

	_, err := Attempt(p, func(p Pool) (*big.Int, error) {
		if _, _, err := p.Exchange(0, 1, units(10_000)); err != nil {
			return nil, err
		}
		_, _, err := p.Exchange(0, 1, big.NewInt(-1))
		return nil, err
	})
	assert.ErrorIs(t, err, ErrTradeRejected)
	assert.Equal(t, before, observe(p))
}

func TestWithSnapshotLeavesNoTrace(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p, err := New(balancedConfig())
		if err != nil {
			t.Fatal(err)
		}
		before := observe(p)
		steps := rapid.IntRange(1, 8).Draw(t, "steps")

		_, _ = WithSnapshot(p, func(p Pool) (struct{}, error) {
			for s := 0; s < steps; s++ {
				i := rapid.IntRange(0, 1).Draw(t, "coin")
				amount := units(rapid.Int64Range(1, 500_000).Draw(t, "amount"))
				if rapid.Bool().Draw(t, "advance") {
					p.IncrementBlocks(1)
				}
				if _, _, err := p.Exchange(i, 1-i, amount); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		})

		after := observe(p)
		if !assert.ObjectsAreEqual(before, after) {
			t.Fatalf("state leaked: %+v != %+v", after, before)
		}
	})
}
