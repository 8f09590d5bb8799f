package fixedpoint

import (
	"fmt"
	"math/big"
)

var big3 = big.NewInt(3)

// Cbrt 计算 1e18 精度的立方根，即 floor(cbrt(x * 1e36))
func Cbrt(x *big.Int) (*big.Int, error) {
	if x.Sign() < 0 {
		return nil, fmt.Errorf("%w: cbrt(%s)", ErrNegative, x)
	}
	return IntCbrt(new(big.Int).Mul(x, wadSq)), nil
}

// IntCbrt 返回 floor(cbrt(n))，n 必须非负
//
// 从一个不小于真实根的 2 的幂出发做整数牛顿迭代，序列单调下降，
// 第一次不再下降时即为向下取整的立方根。
func IntCbrt(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return new(big.Int)
	}
	x := new(big.Int).Lsh(big.NewInt(1), uint((n.BitLen()+2)/3))
	for {
		// y = (2x + n / x^2) / 3
		y := new(big.Int).Mul(x, x)
		y.Div(n, y)
		y.Add(y, new(big.Int).Lsh(x, 1))
		y.Div(y, big3)
		if y.Cmp(x) >= 0 {
			return x
		}
		x = y
	}
}
