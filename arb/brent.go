package arb

import (
	"fmt"
	"math"
)

// 默认求根参数，与常用 brentq 实现一致
const (
	DefaultXTol    = 2e-12
	DefaultRTol    = 4 * 2.220446049250313e-16
	DefaultMaxIter = 100
)

// RootResult 求根过程的诊断信息
type RootResult struct {
	Root          float64
	Iterations    int
	FunctionCalls int
	Converged     bool
}

// brentq 在 [xa, xb] 内用 Brent 方法求 f 的零点，要求两端函数值异号
//
// f 返回的错误会原样向上传递。两端同号时返回 ErrNoBracket，超过 maxIter
// 次迭代仍未收敛时返回 ErrRootNotConverged。
func brentq(f func(float64) (float64, error), xa, xb, xtol, rtol float64, maxIter int) (RootResult, error) {
	var res RootResult
	xpre, xcur := xa, xb
	var xblk, fblk, spre, scur float64

	fpre, err := f(xpre)
	if err != nil {
		return res, err
	}
	fcur, err := f(xcur)
	if err != nil {
		return res, err
	}
	res.FunctionCalls = 2
	if math.IsNaN(fpre) || math.IsNaN(fcur) {
		return res, fmt.Errorf("%w: objective is NaN at bracket", ErrNoBracket)
	}
	if fpre == 0 {
		res.Root, res.Converged = xpre, true
		return res, nil
	}
	if fcur == 0 {
		res.Root, res.Converged = xcur, true
		return res, nil
	}
	if math.Signbit(fpre) == math.Signbit(fcur) {
		return res, fmt.Errorf("%w: f(%g)=%g, f(%g)=%g", ErrNoBracket, xa, fpre, xb, fcur)
	}

	for i := 0; i < maxIter; i++ {
		res.Iterations++
		if fpre != 0 && fcur != 0 && math.Signbit(fpre) != math.Signbit(fcur) {
			xblk = xpre
			fblk = fpre
			spre = xcur - xpre
			scur = spre
		}
		if math.Abs(fblk) < math.Abs(fcur) {
			xpre, xcur, xblk = xcur, xblk, xcur
			fpre, fcur, fblk = fcur, fblk, fcur
		}

		delta := (xtol + rtol*math.Abs(xcur)) / 2
		sbis := (xblk - xcur) / 2
		if fcur == 0 || math.Abs(sbis) < delta {
			res.Root, res.Converged = xcur, true
			return res, nil
		}

		if math.Abs(spre) > delta && math.Abs(fcur) < math.Abs(fpre) {
			var stry float64
			if xpre == xblk {
				// 割线插值
				stry = -fcur * (xcur - xpre) / (fcur - fpre)
			} else {
				// 反二次插值
				dpre := (fpre - fcur) / (xpre - xcur)
				dblk := (fblk - fcur) / (xblk - xcur)
				stry = -fcur * (fblk*dblk - fpre*dpre) / (dblk * dpre * (fblk - fpre))
			}
			if 2*math.Abs(stry) < math.Min(math.Abs(spre), 3*math.Abs(sbis)-delta) {
				spre = scur
				scur = stry
			} else {
				spre = sbis
				scur = sbis
			}
		} else {
			spre = sbis
			scur = sbis
		}

		xpre, fpre = xcur, fcur
		if math.Abs(scur) > delta {
			xcur += scur
		} else if sbis > 0 {
			xcur += delta
		} else {
			xcur -= delta
		}

		fcur, err = f(xcur)
		if err != nil {
			return res, err
		}
		res.FunctionCalls++
	}
	res.Root = xcur
	return res, fmt.Errorf("%w after %d iterations", ErrRootNotConverged, maxIter)
}
