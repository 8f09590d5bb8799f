package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"gopkg.in/yaml.v3"

	"oraclesim/pool"
	"oraclesim/sweep"
)

var errUnknownPool = errors.New("未知池子")

// 内置池子预设
//
// 三个 mkUSD 稳定池共用 0x3de2...b935 的参数，只是 D 不同，余额按 D/2 平分；
// tricrypto 是三币（USD/wBTC/ETH）压力测试池，开启安全区间检查。
const builtinPresetsYAML = `
pools:
  - name: mkUSD-crvUSD
    address: "0x3de254a0f838a844f727fee81040e0fa7884b935"
    coins: [USD, mkUSD]
    a: 200
    fee: 4000000
    balances: ["2386611861361916732881025", "2386611861361916732881025"]
    oracle_window: 865
    oracle_cap: "2000000000000000000"
  - name: mkUSD-USDC
    address: "0x3de254a0f838a844f727fee81040e0fa7884b935"
    coins: [USD, mkUSD]
    a: 200
    fee: 4000000
    balances: ["873690022368984184924364", "873690022368984184924364"]
    oracle_window: 865
    oracle_cap: "2000000000000000000"
  - name: mkUSD-USDe
    address: "0x3de254a0f838a844f727fee81040e0fa7884b935"
    coins: [USD, mkUSD]
    a: 200
    fee: 4000000
    balances: ["5982727586556423667685700", "5982727586556423667685700"]
    oracle_window: 865
    oracle_cap: "2000000000000000000"
  - name: tricrypto
    address: "0xf5f5b97624542d72a9e06f04804bf81baa15e2b4"
    coins: [USD, wBTC, ETH]
    a: 2700
    fee: 4000000
    balances: ["30000000000000000000000000", "500000000000000000000", "10000000000000000000000"]
    rates: ["1000000000000000000", "60000000000000000000000", "3000000000000000000000"]
    oracle_window: 865
    safety_checks: true
`

// PoolPreset 池子的不可变配置，大整数同时支持十进制和 0x 十六进制写法
type PoolPreset struct {
	Name         string                  `yaml:"name"`
	Address      common.Address          `yaml:"address"`
	Coins        []string                `yaml:"coins"`
	A            uint64                  `yaml:"a"`
	Fee          uint64                  `yaml:"fee"`
	Balances     []*math.HexOrDecimal256 `yaml:"balances"`
	Rates        []*math.HexOrDecimal256 `yaml:"rates,omitempty"`
	OracleWindow uint64                  `yaml:"oracle_window"`
	OracleCap    *math.HexOrDecimal256   `yaml:"oracle_cap,omitempty"`
	BlockTime    uint64                  `yaml:"block_time,omitempty"`
	SafetyChecks bool                    `yaml:"safety_checks"`
}

// PoolConfig 转换为池子配置
func (p PoolPreset) PoolConfig() pool.Config {
	cfg := pool.Config{
		Name:         p.Name,
		Coins:        append([]string(nil), p.Coins...),
		A:            p.A,
		Fee:          p.Fee,
		Balances:     toBigInts(p.Balances),
		Rates:        toBigInts(p.Rates),
		OracleWindow: p.OracleWindow,
		BlockTime:    p.BlockTime,
		SafetyChecks: p.SafetyChecks,
	}
	if p.OracleCap != nil {
		cfg.OracleCap = new(big.Int).Set((*big.Int)(p.OracleCap))
	}
	return cfg
}

// NewPool 按预设构建一个全新的池子
func (p PoolPreset) NewPool() (*pool.StableSwap, error) {
	return pool.New(p.PoolConfig())
}

func toBigInts(src []*math.HexOrDecimal256) []*big.Int {
	if len(src) == 0 {
		return nil
	}
	out := make([]*big.Int, len(src))
	for i, v := range src {
		if v == nil {
			out[i] = new(big.Int)
			continue
		}
		out[i] = new(big.Int).Set((*big.Int)(v))
	}
	return out
}

// Presets 按名称索引的池子预设
type Presets struct {
	byName map[string]PoolPreset
}

type presetFile struct {
	Pools []PoolPreset `yaml:"pools"`
}

// ParsePresets 解析 YAML 预设并校验每个池子都能构建
func ParsePresets(data []byte) (*Presets, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析预设失败: %w", err)
	}
	if len(file.Pools) == 0 {
		return nil, fmt.Errorf("预设中没有池子")
	}
	presets := &Presets{byName: make(map[string]PoolPreset, len(file.Pools))}
	for _, p := range file.Pools {
		if p.Name == "" {
			return nil, fmt.Errorf("预设缺少池子名称")
		}
		if _, dup := presets.byName[p.Name]; dup {
			return nil, fmt.Errorf("预设池子重复: %s", p.Name)
		}
		cfg := p.PoolConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("预设 %s 非法: %w", p.Name, err)
		}
		presets.byName[p.Name] = p
	}
	return presets, nil
}

// LoadPresets 加载预设文件，path 为空时使用内置预设
func LoadPresets(path string) (*Presets, error) {
	if path == "" {
		return ParsePresets([]byte(builtinPresetsYAML))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取预设文件失败: %w", err)
	}
	return ParsePresets(data)
}

// Get 按名称查找预设
func (ps *Presets) Get(name string) (PoolPreset, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Names 返回排序后的预设名称
func (ps *Presets) Names() []string {
	names := make([]string, 0, len(ps.byName))
	for name := range ps.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory 返回按预设重建池子的工厂函数
func (ps *Presets) Factory(name string) (sweep.Factory, error) {
	p, ok := ps.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownPool, name)
	}
	return func() (pool.Pool, error) {
		sp, err := p.NewPool()
		if err != nil {
			return nil, err
		}
		return sp, nil
	}, nil
}
