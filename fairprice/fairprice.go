// Package fairprice 根据池子不变量和多资产预言机估算 LP 份额的公允价格
package fairprice

import (
	"errors"
	"fmt"
	"math/big"

	"oraclesim/fixedpoint"
)

// ErrOracleLength 预言机读数不足两个
var ErrOracleLength = errors.New("fairprice: need at least two oracle readings")

// Source LP 价格估算所需的只读池子视图
type Source interface {
	VirtualPrice() (*big.Int, error)
	PriceOracle() []*big.Int
}

var (
	three = big.NewInt(3)
	pow24 = fixedpoint.Pow10(24)
	pow18 = fixedpoint.Pow10(18)
)

// LPPrice 计算 3 * virtual_price * cbrt(oracle[0] * oracle[1]) / 1e24
//
// 这是三币平衡池在几何平均假设下的闭式估算，只读，不需要快照作用域。
func LPPrice(src Source) (*big.Int, error) {
	vp, err := src.VirtualPrice()
	if err != nil {
		return nil, err
	}
	return LPPriceFrom(vp, src.PriceOracle())
}

// LPPriceFrom 用给定的虚拟价格和预言机读数计算 LP 价格
func LPPriceFrom(virtualPrice *big.Int, priceOracle []*big.Int) (*big.Int, error) {
	if len(priceOracle) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrOracleLength, len(priceOracle))
	}
	root, err := fixedpoint.Cbrt(new(big.Int).Mul(priceOracle[0], priceOracle[1]))
	if err != nil {
		return nil, err
	}
	z := new(big.Int).Mul(three, virtualPrice)
	z.Mul(z, root)
	return z.Div(z, pow24), nil
}

// Normalized 返回 LP 价格与虚拟价格之比（1e18 定点）
func Normalized(src Source) (*big.Int, error) {
	vp, err := src.VirtualPrice()
	if err != nil {
		return nil, err
	}
	if vp.Sign() == 0 {
		return nil, fmt.Errorf("fairprice: zero virtual price")
	}
	lp, err := LPPriceFrom(vp, src.PriceOracle())
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(lp, pow18, vp), nil
}

// RelativeChange 返回 (after / before - 1)，1e18 定点，可为负
func RelativeChange(before, after *big.Int) (*big.Int, error) {
	if before.Sign() == 0 {
		return nil, fmt.Errorf("fairprice: zero baseline")
	}
	z := fixedpoint.MulDiv(after, pow18, before)
	return z.Sub(z, pow18), nil
}
