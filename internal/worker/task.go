package worker

import (
	"context"
	"errors"
	"fmt"
)

// ErrTaskPanic 表示任务函数发生 panic，panic 值会附在错误信息中。
var ErrTaskPanic = errors.New("task panicked")

// Task 是一个独立调度的异步单元，完成时关闭 done。
type Task[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go 在新的 goroutine 中执行 fn，并立即返回对应的 Task。
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
			}
		}()
		t.value, t.err = fn(ctx)
	}()
	return t
}

// Done 在任务完成后关闭。
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Await 等待任务结果；ctx 只约束等待本身，任务不会因此被取消。
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
