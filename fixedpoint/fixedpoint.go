// Package fixedpoint 提供 1e18 精度定点数运算，所有结果与链上整数实现逐位一致
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals 定点数小数位数
const Decimals = 18

var (
	// ErrOverflow 结果超出可表示范围
	ErrOverflow = errors.New("fixedpoint: numeric overflow")
	// ErrNegative 输入为负数
	ErrNegative = errors.New("fixedpoint: negative input")
)

var (
	wad   = math.BigPow(10, 18)
	wadSq = math.BigPow(10, 36)
)

// Wad 返回 1e18 的副本
func Wad() *big.Int {
	return new(big.Int).Set(wad)
}

// WadSquared 返回 1e36 的副本
func WadSquared() *big.Int {
	return new(big.Int).Set(wadSq)
}

// Pow10 返回 10^n
func Pow10(n int64) *big.Int {
	return math.BigPow(10, n)
}

// MulDiv 计算 floor(a * b / c)，c 必须为正
func MulDiv(a, b, c *big.Int) *big.Int {
	z := new(big.Int).Mul(a, b)
	return z.Div(z, c)
}

// Inverse 计算 floor(1e36 / x)，即定点数的倒数
func Inverse(x *big.Int) (*big.Int, error) {
	if x.Sign() <= 0 {
		return nil, fmt.Errorf("fixedpoint: inverse of non-positive value %s", x)
	}
	return new(big.Int).Div(wadSq, x), nil
}

// FitsUint256 判断 x 是否落在 [0, 2^256) 内
func FitsUint256(x *big.Int) bool {
	if x.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(x)
	return !overflow
}

// ToDecimal 将 1e18 定点数转换为十进制数，便于展示
func ToDecimal(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -Decimals)
}

// Format 以 n 位小数格式化定点数
func Format(x *big.Int, places int32) string {
	return ToDecimal(x).StringFixed(places)
}

// Parse 将十进制字符串（例如 "1.01"）解析为 1e18 定点数，多余的小数位被截断
func Parse(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: invalid decimal %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// FromDecimal 将十进制数转换为 1e18 定点数（向零截断）
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).Truncate(0).BigInt()
}

// ToFloat 将整数按 1e18 缩放转换为 float64，仅用于数值求根等非链上路径
func ToFloat(x *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x), new(big.Float).SetInt(wad)).Float64()
	return f
}

// FloorFloat 将非负 float64 向下取整为整数，NaN 或负数返回 0
func FloorFloat(f float64) *big.Int {
	if f != f || f <= 0 {
		return new(big.Int)
	}
	z, _ := big.NewFloat(f).Int(nil)
	return z
}
