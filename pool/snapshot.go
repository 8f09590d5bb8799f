package pool

import (
	"errors"
	"fmt"
)

// WithSnapshot 在快照作用域内执行 body，无论正常返回、返回错误还是 panic，
// 离开作用域前都会恢复进入时的池子状态。
//
// 嵌套调用各自独立捕获和恢复，按后进先出顺序生效。恢复失败时返回
// ErrStateRestore，此后该池子不可再用。
func WithSnapshot[T any](p Pool, body func(Pool) (T, error)) (result T, err error) {
	state := p.CaptureState()
	defer func() {
		if rerr := p.RestoreState(state); rerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrStateRestore, rerr))
		}
	}()
	return body(p)
}

// Attempt 在快照作用域内执行 body：成功时保留全部变更，失败或 panic 时恢复
// 进入时的状态，使失败的尝试不留下任何痕迹。
func Attempt[T any](p Pool, body func(Pool) (T, error)) (result T, err error) {
	state := p.CaptureState()
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := p.RestoreState(state); rerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrStateRestore, rerr))
		}
	}()
	result, err = body(p)
	committed = err == nil
	return result, err
}
