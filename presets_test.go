package main

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesim/fixedpoint"
)

func TestBuiltinPresets(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)
	assert.Equal(t, []string{"mkUSD-USDC", "mkUSD-USDe", "mkUSD-crvUSD", "tricrypto"}, presets.Names())

	usdc, ok := presets.Get("mkUSD-USDC")
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x3de254a0f838a844f727fee81040e0fa7884b935"), usdc.Address)
	p, err := usdc.NewPool()
	require.NoError(t, err)
	d, err := p.D()
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1747380044737968369848728", 10)
	assert.Equal(t, want, d)

	tri, ok := presets.Get("tricrypto")
	require.True(t, ok)
	assert.True(t, tri.SafetyChecks)
	assert.Equal(t, []string{"USD", "wBTC", "ETH"}, tri.Coins)
	assert.Nil(t, tri.PoolConfig().OracleCap)
}

func TestParsePresetsHexBalances(t *testing.T) {
	presets, err := ParsePresets([]byte(`
pools:
  - name: hex
    address: "0x0000000000000000000000000000000000000001"
    coins: [USD, FOO]
    a: 100
    fee: 0
    balances: ["0xd3c21bcecceda1000000", "1000000000000000000000000"]
    oracle_window: 600
`))
	require.NoError(t, err)
	p, ok := presets.Get("hex")
	require.True(t, ok)
	cfg := p.PoolConfig()
	assert.Equal(t, 0, cfg.Balances[0].Cmp(cfg.Balances[1]))
	assert.Equal(t, fixedpoint.Pow10(24), cfg.Balances[0])

	// 配置是副本，修改不影响预设
	cfg.Balances[0].SetInt64(1)
	assert.Equal(t, fixedpoint.Pow10(24), p.PoolConfig().Balances[0])
}

func TestParsePresetsErrors(t *testing.T) {
	cases := map[string]string{
		"empty":     `pools: []`,
		"syntax":    `pools: [`,
		"no name":   "pools:\n  - coins: [A, B]\n    a: 1\n    balances: [\"1\", \"1\"]\n    oracle_window: 1\n",
		"duplicate": "pools:\n  - name: x\n    coins: [A, B]\n    a: 10\n    balances: [\"1000\", \"1000\"]\n    oracle_window: 865\n  - name: x\n    coins: [A, B]\n    a: 10\n    balances: [\"1000\", \"1000\"]\n    oracle_window: 865\n",
		"invalid":   "pools:\n  - name: x\n    coins: [A]\n    a: 10\n    balances: [\"1000\"]\n    oracle_window: 865\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePresets([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPresetsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(builtinPresetsYAML), 0o600))
	presets, err := LoadPresets(path)
	require.NoError(t, err)
	assert.Len(t, presets.Names(), 4)

	_, err = LoadPresets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPresetFactoryBuildsFreshPools(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)

	_, err = presets.Factory("nope")
	assert.ErrorIs(t, err, errUnknownPool)

	factory, err := presets.Factory("tricrypto")
	require.NoError(t, err)
	first, err := factory()
	require.NoError(t, err)
	_, _, err = first.Exchange(0, 1, units(1_000))
	require.NoError(t, err)

	second, err := factory()
	require.NoError(t, err)
	fresh, err := presets.byName["tricrypto"].NewPool()
	require.NoError(t, err)
	traded, err := first.Price(0, 1, false)
	require.NoError(t, err)
	untouched, err := second.Price(0, 1, false)
	require.NoError(t, err)
	want, err := fresh.Price(0, 1, false)
	require.NoError(t, err)
	assert.NotEqual(t, want, traded)
	assert.Equal(t, want, untouched)
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.Wad())
}
