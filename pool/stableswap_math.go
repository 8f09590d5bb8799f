package pool

import (
	"fmt"
	"math/big"

	"oraclesim/fixedpoint"
)

const maxIterations = 255

var (
	big1 = big.NewInt(1)
	big2 = big.NewInt(2)
)

/*
getD 迭代计算 StableSwap 不变量 D

A * n**n * Sum(x_i) + D = A * D * n**n + D**(n+1) / (n**n * prod(x_i))

收敛解：
D[j+1] = (Ann * S + D_P * n) * D / ((Ann - 1) * D + (n + 1) * D_P)
*/
func getD(xp []*big.Int, ann *big.Int) (*big.Int, error) {
	n := big.NewInt(int64(len(xp)))
	s := new(big.Int)
	for _, x := range xp {
		if x.Sign() <= 0 {
			return nil, fmt.Errorf("%w: non-positive balance %s", ErrNotConverged, x)
		}
		s.Add(s, x)
	}

	d := new(big.Int).Set(s)
	annS := new(big.Int).Mul(ann, s)
	annMinus1 := new(big.Int).Sub(ann, big1)
	nPlus1 := new(big.Int).Add(n, big1)
	for iter := 0; iter < maxIterations; iter++ {
		dp := new(big.Int).Set(d)
		for _, x := range xp {
			dp.Mul(dp, d)
			dp.Div(dp, new(big.Int).Mul(x, n))
		}
		prev := new(big.Int).Set(d)

		num := new(big.Int).Mul(dp, n)
		num.Add(num, annS)
		num.Mul(num, d)
		den := new(big.Int).Mul(annMinus1, d)
		den.Add(den, new(big.Int).Mul(nPlus1, dp))
		d = num.Div(num, den)

		if closeEnough(d, prev) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: D", ErrNotConverged)
}

/*
getY 在令 x[i] = x 时求解 x[j]

x_1**2 + x_1 * (Sum' - (Ann - 1) * D / Ann) = D ** (n+1) / (n ** (2 * n) * prod' * A)
x_1**2 + b*x_1 = c

x_1 = (x_1**2 + c) / (2*x_1 + b - D)
*/
func getY(i, j int, x *big.Int, xp []*big.Int, ann, d *big.Int) (*big.Int, error) {
	n := big.NewInt(int64(len(xp)))
	c := new(big.Int).Set(d)
	s := new(big.Int)
	for k := range xp {
		if k == j {
			continue
		}
		v := xp[k]
		if k == i {
			v = x
		}
		if v.Sign() <= 0 {
			return nil, fmt.Errorf("%w: non-positive balance %s", ErrNotConverged, v)
		}
		s.Add(s, v)
		c.Mul(c, d)
		c.Div(c, new(big.Int).Mul(v, n))
	}
	c.Mul(c, d)
	c.Div(c, new(big.Int).Mul(ann, n))
	b := new(big.Int).Div(d, ann)
	b.Add(b, s)

	y := new(big.Int).Set(d)
	for iter := 0; iter < maxIterations; iter++ {
		prev := new(big.Int).Set(y)
		num := new(big.Int).Mul(y, y)
		num.Add(num, c)
		den := new(big.Int).Mul(big2, y)
		den.Add(den, b)
		den.Sub(den, d)
		if den.Sign() <= 0 {
			return nil, fmt.Errorf("%w: y denominator", ErrNotConverged)
		}
		y = num.Div(num, den)
		if closeEnough(y, prev) {
			return y, nil
		}
	}
	return nil, fmt.Errorf("%w: y", ErrNotConverged)
}

// marginalPrice 返回在归一化余额 xp 下 1 单位 i 换得的 j 数量（1e18 定点，不含手续费）
//
// 由不变量隐函数求导：
// dy/dx = x_j * (x_i * Ann * n**n * prod + D**(n+1)) / (x_i * (x_j * Ann * n**n * prod + D**(n+1)))
func marginalPrice(i, j int, xp []*big.Int, ann, d *big.Int) *big.Int {
	n := int64(len(xp))
	k := new(big.Int).Exp(big.NewInt(n), big.NewInt(n), nil)
	k.Mul(k, ann)
	for _, x := range xp {
		k.Mul(k, x)
	}
	dn1 := new(big.Int).Exp(d, big.NewInt(n+1), nil)

	num := new(big.Int).Mul(xp[i], k)
	num.Add(num, dn1)
	num.Mul(num, xp[j])
	num.Mul(num, fixedpoint.Wad())

	den := new(big.Int).Mul(xp[j], k)
	den.Add(den, dn1)
	den.Mul(den, xp[i])
	return num.Div(num, den)
}

func closeEnough(a, b *big.Int) bool {
	diff := new(big.Int).Sub(a, b)
	return diff.CmpAbs(big1) <= 0
}
