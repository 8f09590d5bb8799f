// Package pool 定义模拟引擎依赖的 AMM 池子能力集合，并提供快照作用域执行和一个
// StableSwap 参考实现
package pool

import (
	"errors"
	"math/big"
	"time"
)

var (
	// ErrTradeRejected 池子拒绝交易（流动性不足、不变量失效、数值越界等）
	ErrTradeRejected = errors.New("pool: trade rejected")
	// ErrStateRestore 快照无法恢复，池子状态视为已损坏
	ErrStateRestore = errors.New("pool: state restore failed")
	// ErrPoolCorrupted 池子在恢复失败后拒绝任何操作
	ErrPoolCorrupted = errors.New("pool: instance corrupted")
	// ErrInvalidCoin 币种下标非法
	ErrInvalidCoin = errors.New("pool: invalid coin index")
	// ErrInvalidConfig 池子配置非法
	ErrInvalidConfig = errors.New("pool: invalid config")
	// ErrNotConverged 不变量迭代未收敛
	ErrNotConverged = errors.New("pool: invariant did not converge")
)

// State 池子可变状态的不透明快照，只能交还给产生它的池子恢复
type State interface{}

// Pool 池子能力集合，币种 0 为计价资产
type Pool interface {
	// NumCoins 返回币种数量
	NumCoins() int
	// Price 返回 1 单位 i 可换得的 j 数量（1e18 定点），useFee 为 false 时不扣手续费
	Price(i, j int, useFee bool) (*big.Int, error)
	// Exchange 用 dx 个 i 兑换 j，返回实际得到的 j 数量和手续费
	Exchange(i, j int, dx *big.Int) (dy, fee *big.Int, err error)
	// D 返回池子不变量
	D() (*big.Int, error)
	// VirtualPrice 返回每份 LP 的不变量价值
	VirtualPrice() (*big.Int, error)
	// PriceOracle 返回每个非计价资产的 EMA 预言机读数
	PriceOracle() []*big.Int
	// LastPrices 返回每个非计价资产最近一次记录的现价
	LastPrices() []*big.Int
	// PriceScale 返回每个非计价资产的价格刻度
	PriceScale() []*big.Int

	CaptureState() State
	RestoreState(State) error

	// AdvanceTime 推进池子内部时钟而不交易
	AdvanceTime(d time.Duration)
	// IncrementBlocks 推进 n 个区块
	IncrementBlocks(n int)
	BlockTimestamp() int64
	SetBlockTimestamp(ts int64)
	LastPricesTimestamp() int64
	SetLastPricesTimestamp(ts int64)
}

func copyInts(src []*big.Int) []*big.Int {
	dst := make([]*big.Int, len(src))
	for i, v := range src {
		dst[i] = new(big.Int).Set(v)
	}
	return dst
}
