package pool

import (
	"fmt"
	"math/big"
	"time"

	"oraclesim/fixedpoint"
	"oraclesim/oracle"
)

const (
	// FeeDenominator 手续费分母
	FeeDenominator = 10_000_000_000
	// DefaultBlockTime 默认出块间隔（秒）
	DefaultBlockTime = 12
)

// 池子安全区间：每个币的归一化余额占 D/n 的比例必须在 [1e16, 1e20] 内
var (
	minSafeFrac = fixedpoint.Pow10(16)
	maxSafeFrac = fixedpoint.Pow10(20)
)

// Config 池子的不可变配置，每次 New 都从它重建一个全新的池子
type Config struct {
	Name  string
	Coins []string
	// A 放大系数，按合约惯例为 A * n**(n-1)
	A uint64
	// Fee 交易手续费，分母为 FeeDenominator
	Fee uint64
	// Balances 各币种初始余额（原生单位）
	Balances []*big.Int
	// Rates 各币种折算到计价资产的比率（1e18 定点），为空时全部为 1e18
	Rates []*big.Int
	// OracleWindow 预言机 EMA 窗口（秒）
	OracleWindow uint64
	// OracleCap 写入预言机的现价上限，nil 表示不设上限
	OracleCap *big.Int
	// BlockTime 出块间隔（秒），0 表示 DefaultBlockTime
	BlockTime uint64
	// StartTimestamp 初始区块时间戳
	StartTimestamp int64
	// SafetyChecks 开启后拒绝使任一币种偏离安全区间的交易
	SafetyChecks bool
}

// Validate 检查配置
func (c *Config) Validate() error {
	n := len(c.Balances)
	if n < 2 {
		return fmt.Errorf("%w: need at least 2 coins, got %d", ErrInvalidConfig, n)
	}
	if len(c.Coins) != 0 && len(c.Coins) != n {
		return fmt.Errorf("%w: %d coin names for %d balances", ErrInvalidConfig, len(c.Coins), n)
	}
	if len(c.Rates) != 0 && len(c.Rates) != n {
		return fmt.Errorf("%w: %d rates for %d balances", ErrInvalidConfig, len(c.Rates), n)
	}
	if c.A == 0 {
		return fmt.Errorf("%w: amplification must be positive", ErrInvalidConfig)
	}
	if c.Fee >= FeeDenominator {
		return fmt.Errorf("%w: fee %d >= denominator", ErrInvalidConfig, c.Fee)
	}
	if c.OracleWindow == 0 {
		return fmt.Errorf("%w: oracle window must be positive", ErrInvalidConfig)
	}
	for i, b := range c.Balances {
		if b == nil || b.Sign() <= 0 {
			return fmt.Errorf("%w: balance %d must be positive", ErrInvalidConfig, i)
		}
	}
	for i, r := range c.Rates {
		if r == nil || r.Sign() <= 0 {
			return fmt.Errorf("%w: rate %d must be positive", ErrInvalidConfig, i)
		}
	}
	return nil
}

// StableSwap N 币 Curve StableSwap 池子模型，带每区块最多更新一次的 EMA 预言机
type StableSwap struct {
	name      string
	coins     []string
	ann       *big.Int
	fee       *big.Int
	rates     []*big.Int
	window    uint64
	oracleCap *big.Int
	blockTime int64
	safety    bool

	balances            []*big.Int
	supply              *big.Int
	lastPrices          []*big.Int
	priceOracle         []*big.Int
	blockTimestamp      int64
	lastPricesTimestamp int64
	corrupted           bool
}

type stableSwapState struct {
	balances            []*big.Int
	supply              *big.Int
	lastPrices          []*big.Int
	priceOracle         []*big.Int
	blockTimestamp      int64
	lastPricesTimestamp int64
}

// New 从配置构建一个全新的池子，LP 份额初始等于 D，预言机初始等于现价
func New(cfg Config) (*StableSwap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(cfg.Balances)

	rates := copyInts(cfg.Rates)
	if len(rates) == 0 {
		rates = make([]*big.Int, n)
		for i := range rates {
			rates[i] = fixedpoint.Wad()
		}
	}
	blockTime := int64(cfg.BlockTime)
	if blockTime == 0 {
		blockTime = DefaultBlockTime
	}
	coins := append([]string(nil), cfg.Coins...)
	if len(coins) == 0 {
		for i := 0; i < n; i++ {
			coins = append(coins, fmt.Sprintf("coin%d", i))
		}
	}
	var oracleCap *big.Int
	if cfg.OracleCap != nil {
		oracleCap = new(big.Int).Set(cfg.OracleCap)
	}

	s := &StableSwap{
		name:                cfg.Name,
		coins:               coins,
		ann:                 new(big.Int).SetUint64(cfg.A * uint64(n)),
		fee:                 new(big.Int).SetUint64(cfg.Fee),
		rates:               rates,
		window:              cfg.OracleWindow,
		oracleCap:           oracleCap,
		blockTime:           blockTime,
		safety:              cfg.SafetyChecks,
		balances:            copyInts(cfg.Balances),
		blockTimestamp:      cfg.StartTimestamp,
		lastPricesTimestamp: cfg.StartTimestamp,
	}

	d, err := s.D()
	if err != nil {
		return nil, err
	}
	s.supply = d

	spot, err := s.spotPrices(s.balances)
	if err != nil {
		return nil, err
	}
	s.lastPrices = spot
	s.priceOracle = copyInts(spot)
	return s, nil
}

// Name 池子名称
func (s *StableSwap) Name() string { return s.name }

// Coins 币种名称
func (s *StableSwap) Coins() []string { return append([]string(nil), s.coins...) }

// NumCoins 币种数量
func (s *StableSwap) NumCoins() int { return len(s.balances) }

// Balances 返回当前余额副本
func (s *StableSwap) Balances() []*big.Int { return copyInts(s.balances) }

// TotalSupply 返回 LP 份额总量
func (s *StableSwap) TotalSupply() *big.Int { return new(big.Int).Set(s.supply) }

func (s *StableSwap) usable() error {
	if s.corrupted {
		return ErrPoolCorrupted
	}
	return nil
}

func (s *StableSwap) checkPair(i, j int) error {
	n := len(s.balances)
	if i < 0 || i >= n || j < 0 || j >= n || i == j {
		return fmt.Errorf("%w: (%d, %d) in %d-coin pool", ErrInvalidCoin, i, j, n)
	}
	return nil
}

func (s *StableSwap) xp(balances []*big.Int) []*big.Int {
	xp := make([]*big.Int, len(balances))
	for i, b := range balances {
		xp[i] = fixedpoint.MulDiv(b, s.rates[i], fixedpoint.Wad())
	}
	return xp
}

// D 返回当前归一化余额下的不变量
func (s *StableSwap) D() (*big.Int, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return getD(s.xp(s.balances), s.ann)
}

// VirtualPrice 返回 D * 1e18 / supply
func (s *StableSwap) VirtualPrice() (*big.Int, error) {
	d, err := s.D()
	if err != nil {
		return nil, err
	}
	if s.supply.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero supply", ErrInvalidConfig)
	}
	return fixedpoint.MulDiv(d, fixedpoint.Wad(), s.supply), nil
}

// Price 返回 1 单位 i 换得的 j 数量（原生单位，1e18 定点）
func (s *StableSwap) Price(i, j int, useFee bool) (*big.Int, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.checkPair(i, j); err != nil {
		return nil, err
	}
	return s.priceAt(i, j, s.balances, useFee)
}

func (s *StableSwap) priceAt(i, j int, balances []*big.Int, useFee bool) (*big.Int, error) {
	xp := s.xp(balances)
	d, err := getD(xp, s.ann)
	if err != nil {
		return nil, err
	}
	p := marginalPrice(i, j, xp, s.ann, d)
	p = fixedpoint.MulDiv(p, s.rates[i], s.rates[j])
	if useFee {
		keep := new(big.Int).Sub(big.NewInt(FeeDenominator), s.fee)
		p = fixedpoint.MulDiv(p, keep, big.NewInt(FeeDenominator))
	}
	return p, nil
}

// spotPrices 返回每个非计价资产以计价资产表示的不含手续费现价
func (s *StableSwap) spotPrices(balances []*big.Int) ([]*big.Int, error) {
	prices := make([]*big.Int, len(balances)-1)
	for k := 1; k < len(balances); k++ {
		p, err := s.priceAt(k, 0, balances, false)
		if err != nil {
			return nil, err
		}
		if s.oracleCap != nil && p.Cmp(s.oracleCap) > 0 {
			p = new(big.Int).Set(s.oracleCap)
		}
		prices[k-1] = p
	}
	return prices, nil
}

// Exchange 用 dx 个 i 兑换 j
//
// 手续费留在池中。同一区块内的第一次状态变更会先用旧现价推进预言机，
// 交易完成后记录新的现价。
func (s *StableSwap) Exchange(i, j int, dx *big.Int) (*big.Int, *big.Int, error) {
	if err := s.usable(); err != nil {
		return nil, nil, err
	}
	if err := s.checkPair(i, j); err != nil {
		return nil, nil, err
	}
	if dx == nil || dx.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: non-positive amount in", ErrTradeRejected)
	}

	xp := s.xp(s.balances)
	d, err := getD(xp, s.ann)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTradeRejected, err)
	}
	x := new(big.Int).Add(xp[i], fixedpoint.MulDiv(dx, s.rates[i], fixedpoint.Wad()))
	y, err := getY(i, j, x, xp, s.ann, d)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTradeRejected, err)
	}

	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, big1)
	if dy.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: exchange produces no output", ErrTradeRejected)
	}
	fee := fixedpoint.MulDiv(dy, s.fee, big.NewInt(FeeDenominator))
	dy.Sub(dy, fee)
	dyNative := fixedpoint.MulDiv(dy, fixedpoint.Wad(), s.rates[j])
	feeNative := fixedpoint.MulDiv(fee, fixedpoint.Wad(), s.rates[j])

	balances := copyInts(s.balances)
	balances[i].Add(balances[i], dx)
	balances[j].Sub(balances[j], dyNative)
	if balances[j].Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: insufficient %s liquidity", ErrTradeRejected, s.coins[j])
	}
	if !fixedpoint.FitsUint256(balances[i]) {
		return nil, nil, fmt.Errorf("%w: %s balance overflows uint256", ErrTradeRejected, s.coins[i])
	}
	if s.safety {
		if err := s.checkSafe(balances, d); err != nil {
			return nil, nil, err
		}
	}

	oracleNext, oracleTs, err := s.nextOracle()
	if err != nil {
		return nil, nil, err
	}
	spot, err := s.spotPrices(balances)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTradeRejected, err)
	}

	s.balances = balances
	s.priceOracle = oracleNext
	s.lastPricesTimestamp = oracleTs
	s.lastPrices = spot
	return dyNative, feeNative, nil
}

// nextOracle 返回本次状态变更后的预言机读数，同一区块内保持不变
func (s *StableSwap) nextOracle() ([]*big.Int, int64, error) {
	if s.blockTimestamp <= s.lastPricesTimestamp {
		return s.priceOracle, s.lastPricesTimestamp, nil
	}
	elapsed := uint64(s.blockTimestamp - s.lastPricesTimestamp)
	next := make([]*big.Int, len(s.priceOracle))
	for k := range s.priceOracle {
		v, err := oracle.Update(s.lastPrices[k], s.priceOracle[k], s.window, elapsed)
		if err != nil {
			return nil, 0, err
		}
		next[k] = v
	}
	return next, s.blockTimestamp, nil
}

func (s *StableSwap) checkSafe(balances []*big.Int, d *big.Int) error {
	n := big.NewInt(int64(len(balances)))
	for k, x := range s.xp(balances) {
		frac := new(big.Int).Mul(x, n)
		frac.Mul(frac, fixedpoint.Wad())
		frac.Div(frac, d)
		if frac.Cmp(minSafeFrac) < 0 || frac.Cmp(maxSafeFrac) > 0 {
			return fmt.Errorf("%w: unsafe %s balance", ErrTradeRejected, s.coins[k])
		}
	}
	return nil
}

// PriceOracle 返回预言机读数副本
func (s *StableSwap) PriceOracle() []*big.Int { return copyInts(s.priceOracle) }

// PendingPriceOracle 返回当前区块下一次状态变更将写入的预言机读数
func (s *StableSwap) PendingPriceOracle() ([]*big.Int, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	next, _, err := s.nextOracle()
	if err != nil {
		return nil, err
	}
	return copyInts(next), nil
}

// LastPrices 返回最近记录的现价副本
func (s *StableSwap) LastPrices() []*big.Int { return copyInts(s.lastPrices) }

// PriceScale 返回非计价资产相对计价资产的价格刻度
func (s *StableSwap) PriceScale() []*big.Int {
	scale := make([]*big.Int, len(s.rates)-1)
	for k := 1; k < len(s.rates); k++ {
		scale[k-1] = fixedpoint.MulDiv(s.rates[k], fixedpoint.Wad(), s.rates[0])
	}
	return scale
}

// CaptureState 深拷贝全部可变状态
func (s *StableSwap) CaptureState() State {
	return &stableSwapState{
		balances:            copyInts(s.balances),
		supply:              new(big.Int).Set(s.supply),
		lastPrices:          copyInts(s.lastPrices),
		priceOracle:         copyInts(s.priceOracle),
		blockTimestamp:      s.blockTimestamp,
		lastPricesTimestamp: s.lastPricesTimestamp,
	}
}

// RestoreState 恢复快照；快照不属于本池子时池子被标记为损坏
func (s *StableSwap) RestoreState(state State) error {
	st, ok := state.(*stableSwapState)
	if !ok || st == nil || len(st.balances) != len(s.balances) {
		s.corrupted = true
		return fmt.Errorf("%w: foreign snapshot %T", ErrStateRestore, state)
	}
	s.balances = copyInts(st.balances)
	s.supply = new(big.Int).Set(st.supply)
	s.lastPrices = copyInts(st.lastPrices)
	s.priceOracle = copyInts(st.priceOracle)
	s.blockTimestamp = st.blockTimestamp
	s.lastPricesTimestamp = st.lastPricesTimestamp
	return nil
}

// AdvanceTime 推进时钟，不足一秒的部分被忽略
func (s *StableSwap) AdvanceTime(d time.Duration) {
	s.blockTimestamp += int64(d / time.Second)
}

// IncrementBlocks 推进 n 个区块
func (s *StableSwap) IncrementBlocks(n int) {
	s.blockTimestamp += int64(n) * s.blockTime
}

// BlockTimestamp 当前区块时间戳（秒）
func (s *StableSwap) BlockTimestamp() int64 { return s.blockTimestamp }

// SetBlockTimestamp 直接设置区块时间戳，不触发预言机更新
func (s *StableSwap) SetBlockTimestamp(ts int64) { s.blockTimestamp = ts }

// LastPricesTimestamp 预言机最近一次写入时的区块时间戳
func (s *StableSwap) LastPricesTimestamp() int64 { return s.lastPricesTimestamp }

// SetLastPricesTimestamp 直接设置预言机最近写入时间戳
func (s *StableSwap) SetLastPricesTimestamp(ts int64) { s.lastPricesTimestamp = ts }

var _ Pool = (*StableSwap)(nil)
