package fixedpoint

import (
	"fmt"
	"math/big"
)

// 自然指数的定义域边界（1e18 精度）
var (
	// ExpUnderflow 小于等于该值时结果 < 0.5，直接返回 0
	ExpUnderflow, _ = new(big.Int).SetString("-41446531673892822313", 10)
	// ExpOverflow 大于等于该值时结果无法用 int256 表示
	ExpOverflow, _ = new(big.Int).SetString("135305999368893231589", 10)
)

// 有理逼近所用常数，来自 Snekmate 的 wad_exp 实现，必须逐位保留
var (
	five18 = new(big.Int).Exp(big.NewInt(5), big.NewInt(18), nil)
	ln2X96 = mustBig("54916777467707473351141471128")
	half96 = new(big.Int).Lsh(big.NewInt(1), 95)

	expP1 = mustBig("1346386616545796478920950773328")
	expP2 = mustBig("57155421227552351082224309758442")
	expP3 = mustBig("94201549194550492254356042504812")
	expP4 = mustBig("28719021644029726153956944680412240")
	expP5 = new(big.Int).Lsh(mustBig("4385272521454847904659076985693276"), 96)

	expQ1 = mustBig("2855989394907223263936484059900")
	expQ2 = mustBig("50020603652535783019961831881945")
	expQ3 = mustBig("533845033583426703283633433725380")
	expQ4 = mustBig("3604857256930695427073651918091429")
	expQ5 = mustBig("14423608567350463180887372962807573")
	expQ6 = mustBig("26449188498355588339934803723976023")

	expScale = mustBig("3822833074963236453042738258902158003155416615667")
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("fixedpoint: bad constant " + s)
	}
	return v
}

// Exp 计算 1e18 精度的自然指数 e^(x/1e18) * 1e18
//
// 计算过程只使用整数加、乘、整除和移位：先转换到 2^96 二进制基，
// 按 ln2 的整数倍做区间规约（k ∈ [-61, 195]），再用 (6, 7) 阶有理多项式逼近，
// 最后乘以 2^k 和缩放常数还原。x <= ExpUnderflow 时返回 0，
// x >= ExpOverflow 时返回 ErrOverflow。
func Exp(x *big.Int) (*big.Int, error) {
	if x.Cmp(ExpUnderflow) <= 0 {
		return new(big.Int), nil
	}
	if x.Cmp(ExpOverflow) >= 0 {
		return nil, fmt.Errorf("%w: exp(%s)", ErrOverflow, x)
	}

	// 1e18 基 -> 2^96 基：乘以 2^78 / 5^18
	value := new(big.Int).Lsh(x, 78)
	value.Div(value, five18)

	// k = round(value / ln2)
	k := new(big.Int).Lsh(value, 96)
	k.Div(k, ln2X96)
	k.Add(k, half96)
	k.Rsh(k, 96)
	value.Sub(value, new(big.Int).Mul(k, ln2X96))

	y := new(big.Int).Add(value, expP1)
	y.Mul(y, value)
	y.Rsh(y, 96)
	y.Add(y, expP2)

	p := new(big.Int).Add(y, value)
	p.Sub(p, expP3)
	p.Mul(p, y)
	p.Rsh(p, 96)
	p.Add(p, expP4)
	p.Mul(p, value)
	p.Add(p, expP5)

	q := new(big.Int).Sub(value, expQ1)
	q.Mul(q, value)
	q.Rsh(q, 96)
	q.Add(q, expQ2)
	q = horner(q, value, expQ3, false)
	q = horner(q, value, expQ4, true)
	q = horner(q, value, expQ5, false)
	q = horner(q, value, expQ6, true)

	// q 在规约区间内没有实根且恒为正
	r := new(big.Int).Div(p, q)

	shift := 195 - k.Int64()
	r.Mul(r, expScale)
	r.Rsh(r, uint(shift))
	return r, nil
}

// horner 计算 ((q * value) >> 96) ± c
func horner(q, value, c *big.Int, add bool) *big.Int {
	z := new(big.Int).Mul(q, value)
	z.Rsh(z, 96)
	if add {
		return z.Add(z, c)
	}
	return z.Sub(z, c)
}
