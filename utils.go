package main

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"

	"oraclesim/arb"
	"oraclesim/fixedpoint"
)

// ParseInteger 将十进制或 "0x" 开头的十六进制字符串转换为 *big.Int，
// 结果不得超过 256 位
func ParseInteger(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("空整数")
	}
	n, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %s", s)
	}
	return n, nil
}

// ParsePair 解析 "i,j" 形式的交易对
func ParsePair(s string) (arb.Pair, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return arb.Pair{}, fmt.Errorf("交易对格式应为 i,j: %q", s)
	}
	i, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return arb.Pair{}, fmt.Errorf("交易对下标非法: %q", s)
	}
	j, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return arb.Pair{}, fmt.Errorf("交易对下标非法: %q", s)
	}
	return arb.Pair{I: i, J: j}, nil
}

// FormatFixed 将 1e18 定点数格式化为去掉多余零的十进制字符串
func FormatFixed(x *big.Int) string {
	if x == nil {
		return ""
	}
	return fixedpoint.ToDecimal(x).String()
}

// FormatFixedSlice 逐个格式化定点数
func FormatFixedSlice(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = FormatFixed(v)
	}
	return out
}

// FormatTrade 以币种名称描述一笔交易，例如 "USD -> mkUSD 1000.5"
func FormatTrade(coins []string, trade arb.Trade) string {
	name := func(k int) string {
		if k >= 0 && k < len(coins) {
			return coins[k]
		}
		return strconv.Itoa(k)
	}
	var builder strings.Builder
	builder.WriteString(name(trade.CoinIn))
	builder.WriteString(" -> ")
	builder.WriteString(name(trade.CoinOut))
	builder.WriteString(" ")
	builder.WriteString(FormatFixed(trade.AmountIn))
	return builder.String()
}
