package worker

import (
	"context"
	"fmt"
)

// Pending 是事件处理的延迟结果，宿主必须 Wait 之后才认为事件已处理完。
type Pending[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// waitUntil 在独立 goroutine 中执行 fn，处理函数中的 panic 转为错误返回。
func waitUntil[T any](ctx context.Context, fn func(context.Context) (T, error)) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if rec := recover(); rec != nil {
				p.err = fmt.Errorf("event handler panic: %v", rec)
			}
		}()
		p.value, p.err = fn(ctx)
	}()
	return p
}

// Done 在事件处理结束时关闭。
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait 阻塞直到事件完成；ctx 先结束时返回 ErrAborted，处理函数仍会在后台跑完。
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
	}
}
