// Package oracle 实现池子价格预言机的定点指数移动平均（EMA）模型
package oracle

import (
	"errors"
	"fmt"
	"math/big"

	"oraclesim/fixedpoint"
)

const (
	// DefaultAveragingWindow 默认平均窗口（秒）
	DefaultAveragingWindow = 865
	// DefaultSampleInterval 默认采样间隔（秒），即一个区块
	DefaultSampleInterval = 12
)

// ErrInvalidParams EMA 参数非法
var ErrInvalidParams = errors.New("oracle: invalid ema parameters")

// Params EMA 参数
type Params struct {
	// AveragingWindow 平均窗口（秒）
	AveragingWindow uint64
	// SampleInterval 两次更新之间的间隔（秒）
	SampleInterval uint64
}

// DefaultParams 返回 865 秒窗口、12 秒间隔的默认参数
func DefaultParams() Params {
	return Params{
		AveragingWindow: DefaultAveragingWindow,
		SampleInterval:  DefaultSampleInterval,
	}
}

// Validate 检查参数，SampleInterval 大于窗口是允许的
func (p Params) Validate() error {
	if p.AveragingWindow == 0 {
		return fmt.Errorf("%w: averaging window must be positive", ErrInvalidParams)
	}
	if p.SampleInterval == 0 {
		return fmt.Errorf("%w: sample interval must be positive", ErrInvalidParams)
	}
	return nil
}

// Alpha 返回衰减因子 exp(-(interval * 1e18 / window))，取值在 (0, 1e18] 内
func (p Params) Alpha() (*big.Int, error) {
	return Alpha(p.AveragingWindow, p.SampleInterval)
}

// Update 使用参数中的采样间隔做一次 EMA 更新
func (p Params) Update(lastSpot, lastEMA *big.Int) (*big.Int, error) {
	return Update(lastSpot, lastEMA, p.AveragingWindow, p.SampleInterval)
}

// Alpha 计算给定窗口和间隔下的衰减因子
func Alpha(window, interval uint64) (*big.Int, error) {
	if window == 0 {
		return nil, fmt.Errorf("%w: averaging window must be positive", ErrInvalidParams)
	}
	x := new(big.Int).SetUint64(interval)
	x.Mul(x, fixedpoint.Wad())
	x.Div(x, new(big.Int).SetUint64(window))
	return fixedpoint.Exp(x.Neg(x))
}

// Update 计算新的 EMA 读数：
//
//	new_ema = (last_spot * (1e18 - alpha) + last_ema * alpha) / 1e18
//
// 全程整数向下取整，结果超出 uint256 时返回 fixedpoint.ErrOverflow。
func Update(lastSpot, lastEMA *big.Int, window, interval uint64) (*big.Int, error) {
	if lastSpot.Sign() < 0 || lastEMA.Sign() < 0 {
		return nil, fmt.Errorf("%w: ema(%s, %s)", fixedpoint.ErrNegative, lastSpot, lastEMA)
	}
	alpha, err := Alpha(window, interval)
	if err != nil {
		return nil, err
	}
	wad := fixedpoint.Wad()

	z := new(big.Int).Sub(wad, alpha)
	z.Mul(z, lastSpot)
	z.Add(z, new(big.Int).Mul(lastEMA, alpha))
	z.Div(z, wad)
	if !fixedpoint.FitsUint256(z) {
		return nil, fmt.Errorf("%w: ema reading %s", fixedpoint.ErrOverflow, z)
	}
	return z, nil
}
