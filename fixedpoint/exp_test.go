package fixedpoint

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestExpKnownValues(t *testing.T) {
	tests := []struct {
		name string
		x    string
		want string
	}{
		{"zero", "0", "1000000000000000000"},
		{"one", "1000000000000000000", "2718281828459045235"},
		{"block decay", "-13872832369942196", "986222951924300176"},
		{"just above underflow", "-41446531673892822312", "1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Exp(mustBig(tc.x))
			require.NoError(t, err)
			require.Equal(t, tc.want, got.String())
		})
	}
}

func TestExpUnderflowBoundary(t *testing.T) {
	got, err := Exp(ExpUnderflow)
	require.NoError(t, err)
	require.Zero(t, got.Sign())

	below := new(big.Int).Sub(ExpUnderflow, big.NewInt(1))
	got, err = Exp(below)
	require.NoError(t, err)
	require.Zero(t, got.Sign())
}

func TestExpOverflowBoundary(t *testing.T) {
	_, err := Exp(ExpOverflow)
	require.ErrorIs(t, err, ErrOverflow)

	above := new(big.Int).Add(ExpOverflow, big.NewInt(1))
	_, err = Exp(above)
	require.True(t, errors.Is(err, ErrOverflow))

	justBelow := new(big.Int).Sub(ExpOverflow, big.NewInt(1))
	got, err := Exp(justBelow)
	require.NoError(t, err)
	require.True(t, FitsUint256(got))
}

func TestExpMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// 在 (-42, 135) * 1e18 内抽样两个点
		a := rapid.Int64Range(-41_000_000, 135_000_000).Draw(t, "a")
		d := rapid.Int64Range(1, 1_000_000).Draw(t, "d")
		scale := big.NewInt(1_000_000_000_000)

		x := new(big.Int).Mul(big.NewInt(a), scale)
		y := new(big.Int).Mul(big.NewInt(a+d), scale)
		if y.Cmp(ExpOverflow) >= 0 {
			return
		}
		ex, err := Exp(x)
		if err != nil {
			t.Fatalf("exp(%s): %v", x, err)
		}
		ey, err := Exp(y)
		if err != nil {
			t.Fatalf("exp(%s): %v", y, err)
		}
		if ex.Cmp(ey) > 0 {
			t.Fatalf("exp not monotonic: exp(%s)=%s > exp(%s)=%s", x, ex, y, ey)
		}
	})
}

func TestCbrt(t *testing.T) {
	got, err := Cbrt(Wad())
	require.NoError(t, err)
	require.Equal(t, Wad(), got)

	eight := new(big.Int).Mul(big.NewInt(8), Wad())
	got, err = Cbrt(eight)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Mul(big.NewInt(2), Wad()), got)

	_, err = Cbrt(big.NewInt(-1))
	require.ErrorIs(t, err, ErrNegative)
}

func TestIntCbrtFloor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := new(big.Int).SetUint64(rapid.Uint64().Draw(t, "n"))
		n.Mul(n, new(big.Int).SetUint64(rapid.Uint64Range(1, 1<<40).Draw(t, "m")))

		r := IntCbrt(n)
		r3 := new(big.Int).Exp(r, big.NewInt(3), nil)
		r1 := new(big.Int).Add(r, big.NewInt(1))
		r13 := new(big.Int).Exp(r1, big.NewInt(3), nil)
		if r3.Cmp(n) > 0 || r13.Cmp(n) <= 0 {
			t.Fatalf("cbrt(%s)=%s is not the floor cube root", n, r)
		}
	})
}

func TestParseAndFormat(t *testing.T) {
	v, err := Parse("1.01")
	require.NoError(t, err)
	require.Equal(t, "1010000000000000000", v.String())
	require.Equal(t, "1.0100", Format(v, 4))

	_, err = Parse("abc")
	require.Error(t, err)

	inv, err := Inverse(Wad())
	require.NoError(t, err)
	require.Equal(t, Wad(), inv)
}
